package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"zoneclient/internal/protocol"
)

func init() {
	Register(GRPC, dialGRPC)
}

// JSONCodec lets gRPC carry the plain protocol structs instead of protobuf
// messages. Servers must force the same codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "json" }

type grpcCaller struct {
	conn *grpc.ClientConn
}

func dialGRPC(ctx context.Context, addr string, opts Options) (Caller, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcCaller{conn: conn}, nil
}

// FullMethod maps "Zone.Join" to the gRPC path "/Zone/Join".
func FullMethod(method string) string {
	return "/" + strings.Replace(method, ".", "/", 1)
}

func (c *grpcCaller) Call(ctx context.Context, method string, args, reply any) error {
	if args == nil {
		args = protocol.Empty{}
	}
	if reply == nil {
		var discard json.RawMessage
		reply = &discard
	}
	err := c.conn.Invoke(ctx, FullMethod(method), args, reply)
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpc call %s: %w", method, err)
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrManifestNotReady, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("grpc call %s: %w", method, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("grpc call %s: %w", method, context.Canceled)
	case codes.Unavailable:
		return fmt.Errorf("grpc call %s: %s", method, st.Message())
	default:
		return &RemoteError{Code: int(st.Code()), Message: st.Message()}
	}
}

func (c *grpcCaller) Close() error {
	return c.conn.Close()
}
