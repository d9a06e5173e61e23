package zonetest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"zoneclient/internal/protocol"
	"zoneclient/internal/transport"
)

// ZoneService exposes a Server through gorilla/rpc.
type ZoneService struct {
	srv *Server
}

func (z *ZoneService) Join(r *http.Request, args *protocol.JoinArgs, reply *protocol.JoinReply) error {
	return z.call(r, protocol.MethodJoin, args, reply)
}

func (z *ZoneService) Leave(r *http.Request, args *protocol.LeaveArgs, reply *protocol.Empty) error {
	return z.call(r, protocol.MethodLeave, args, reply)
}

func (z *ZoneService) UpdateInput(r *http.Request, args *protocol.InputArgs, reply *protocol.Empty) error {
	return z.call(r, protocol.MethodUpdateInput, args, reply)
}

func (z *ZoneService) GetWorldState(r *http.Request, args *protocol.Empty, reply *protocol.WorldState) error {
	return z.call(r, protocol.MethodGetWorldState, args, reply)
}

func (z *ZoneService) GetLocalWorldState(r *http.Request, args *protocol.Empty, reply *protocol.WorldState) error {
	return z.call(r, protocol.MethodGetLocalWorldState, args, reply)
}

func (z *ZoneService) GetAvailableZones(r *http.Request, args *protocol.Empty, reply *protocol.ZonesReply) error {
	return z.call(r, protocol.MethodGetAvailableZones, args, reply)
}

func (z *ZoneService) call(r *http.Request, method string, args, reply any) error {
	params, err := json.Marshal(args)
	if err != nil {
		return err
	}
	result, err := z.srv.Handle(r.Context(), method, params)
	if err != nil {
		return jsonRPCError(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

func jsonRPCError(err error) *json2.Error {
	if errors.Is(err, ErrNotReady) {
		return &json2.Error{Code: json2.ErrorCode(protocol.CodeManifestNotReady), Message: err.Error()}
	}
	return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
}

// JSONRPCHandler serves srv as JSON-RPC 2.0 over HTTP POST /rpc.
func JSONRPCHandler(srv *Server) http.Handler {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&ZoneService{srv: srv}, "Zone"); err != nil {
		panic(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", s)
	return mux
}

type wsRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     uint64          `json:"id"`
}

type wsResponse struct {
	Version string       `json:"jsonrpc"`
	Result  any          `json:"result,omitempty"`
	Error   *json2.Error `json:"error,omitempty"`
	ID      uint64       `json:"id"`
}

// WebSocketHandler serves srv as JSON-RPC 2.0 frames over a websocket at /rpc.
func WebSocketHandler(srv *Server) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			if srv.takeHangUp() {
				return
			}
			resp := wsResponse{Version: "2.0", ID: req.ID}
			result, err := srv.Handle(r.Context(), req.Method, req.Params)
			if err != nil {
				resp.Error = jsonRPCError(err)
			} else {
				resp.Result = result
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	})
	return mux
}

// GRPCServer serves srv over gRPC using the JSON codec. Call Serve on the
// result with a listener.
func GRPCServer(srv *Server) *grpc.Server {
	handler := func(_ any, stream grpc.ServerStream) error {
		full, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return status.Error(codes.Internal, "missing method")
		}
		method := strings.Replace(strings.TrimPrefix(full, "/"), "/", ".", 1)
		var params json.RawMessage
		if err := stream.RecvMsg(&params); err != nil {
			return err
		}
		result, err := srv.Handle(stream.Context(), method, params)
		if err != nil {
			if errors.Is(err, ErrNotReady) {
				return status.Error(codes.FailedPrecondition, err.Error())
			}
			return status.Error(codes.Internal, err.Error())
		}
		return stream.SendMsg(result)
	}
	return grpc.NewServer(
		grpc.ForceServerCodec(transport.JSONCodec{}),
		grpc.UnknownServiceHandler(handler),
	)
}
