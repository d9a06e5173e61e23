package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/rpc/v2/json2"

	"zoneclient/internal/protocol"
)

func encodeRequest(method string, args any) ([]byte, error) {
	if args == nil {
		args = protocol.Empty{}
	}
	payload, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return payload, nil
}

type request struct {
	Version string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

// encodeRequestID encodes a JSON-RPC 2.0 request with a caller chosen id, for
// transports that multiplex several calls over one stream.
func encodeRequestID(method string, args any, id uint64) ([]byte, error) {
	if args == nil {
		args = protocol.Empty{}
	}
	payload, err := json.Marshal(request{Version: "2.0", Method: method, Params: args, ID: id})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return payload, nil
}

// responseID extracts the id of a response frame. Frames without a numeric
// id cannot be routed.
func responseID(data []byte) (uint64, bool) {
	var head struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.ID == nil {
		return 0, false
	}
	return *head.ID, true
}

func decodeResponse(r io.Reader, reply any) error {
	if reply == nil {
		var discard json.RawMessage
		reply = &discard
	}
	if err := json2.DecodeClientResponse(r, reply); err != nil {
		return mapRemoteError(err)
	}
	return nil
}

func decodeResponseBytes(data []byte, reply any) error {
	return decodeResponse(bytes.NewReader(data), reply)
}

func mapRemoteError(err error) error {
	var jerr *json2.Error
	if !errors.As(err, &jerr) {
		return fmt.Errorf("decode response: %w", err)
	}
	if int(jerr.Code) == protocol.CodeManifestNotReady {
		return fmt.Errorf("%w: %s", ErrManifestNotReady, jerr.Message)
	}
	return &RemoteError{Code: int(jerr.Code), Message: jerr.Message}
}

// cleanlyCloseBody drains the body so the connection can be reused.
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
