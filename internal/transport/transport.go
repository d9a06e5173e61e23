// Package transport provides the remote-call channels a zone connection is
// built on. Callers use the Caller interface without caring whether the
// bytes travel over a websocket, plain HTTP or gRPC.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Transport names.
const (
	WebSocket = "ws"
	HTTP      = "http"
	GRPC      = "grpc"
)

// Default is used when no transport is configured.
const Default = WebSocket

var (
	// ErrManifestNotReady is returned while the remote server has not yet
	// published its registration.
	ErrManifestNotReady = errors.New("transport: manifest not ready")
	ErrClosed           = errors.New("transport: connection closed")
)

// RemoteError carries a non-success status returned by the server.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Caller is one established remote-call channel.
type Caller interface {
	// Call performs a request/response call and decodes the result into reply.
	// A nil reply discards the result.
	Call(ctx context.Context, method string, args, reply any) error

	// Close releases the underlying transport.
	Close() error
}

// Options configures a dial.
type Options struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
	// Path is the request path for ws and http transports.
	Path string
}

func (o Options) path() string {
	if o.Path == "" {
		return "/rpc"
	}
	return o.Path
}

// DialFunc opens a Caller to addr (host:port).
type DialFunc func(ctx context.Context, addr string, opts Options) (Caller, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]DialFunc{}
)

// Register makes a transport available by name. Registering an existing name
// replaces it.
func Register(name string, dial DialFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = dial
}

// Lookup returns the dial function registered under name.
func Lookup(name string) (DialFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	dial, ok := registry[name]
	return dial, ok
}

// Available lists registered transport names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dial opens a Caller using the named transport.
func Dial(ctx context.Context, name, addr string, opts Options) (Caller, error) {
	if name == "" {
		name = Default
	}
	dial, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return dial(ctx, addr, opts)
}

// callDeadline picks the earlier of the context deadline and now+fallback.
func callDeadline(ctx context.Context, fallback time.Duration) time.Time {
	deadline, ok := ctx.Deadline()
	if fallback > 0 {
		limit := time.Now().Add(fallback)
		if !ok || limit.Before(deadline) {
			return limit
		}
	}
	if ok {
		return deadline
	}
	return time.Time{}
}
