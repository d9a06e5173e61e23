package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
)

func init() {
	Register(HTTP, dialHTTP)
}

// httpCaller issues JSON-RPC 2.0 requests as HTTP POSTs.
type httpCaller struct {
	url    string
	client *http.Client
}

func dialHTTP(ctx context.Context, addr string, opts Options) (Caller, error) {
	if addr == "" {
		return nil, errors.New("http dial: empty address")
	}
	return &httpCaller{
		url: "http://" + addr + opts.path(),
		client: &http.Client{
			Timeout: opts.CallTimeout,
		},
	}, nil
}

func (c *httpCaller) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := encodeRequest(method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("http call %s: %w", method, err)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return decodeResponse(resp.Body, reply)
	}
	// Some JSON-RPC servers report method errors with a 4xx status and the
	// error object in the body.
	err = decodeResponse(resp.Body, reply)
	var remote *RemoteError
	if errors.As(err, &remote) || errors.Is(err, ErrManifestNotReady) {
		return err
	}
	return fmt.Errorf("http call %s: status %d", method, resp.StatusCode)
}

func (c *httpCaller) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
