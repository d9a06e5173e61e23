package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	Register(WebSocket, dialWebSocket)
}

// wsCaller runs JSON-RPC 2.0 over a websocket. A single reader goroutine
// routes responses to callers by request id; a caller that gives up only
// abandons its own reply, which the reader drops when it arrives. A failed
// read or write leaves the socket unusable and every later call returns
// ErrClosed.
type wsCaller struct {
	conn        *websocket.Conn
	callTimeout time.Duration
	nextID      atomic.Uint64
	closed      atomic.Bool

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan []byte
	readErr error
	done    chan struct{}
}

func dialWebSocket(ctx context.Context, addr string, opts Options) (Caller, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	url := "ws://" + addr + opts.path()
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil {
		_ = cleanlyCloseBody(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	c := &wsCaller{
		conn:        conn,
		callTimeout: opts.CallTimeout,
		pending:     make(map[uint64]chan []byte),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsCaller) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		id, ok := responseID(data)
		if !ok {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- data
		}
	}
}

func (c *wsCaller) Call(ctx context.Context, method string, args, reply any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	id := c.nextID.Add(1)
	payload, err := encodeRequestID(method, args, id)
	if err != nil {
		return err
	}

	ch := make(chan []byte, 1)
	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	deadline := callDeadline(ctx, c.callTimeout)
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		// gorilla/websocket refuses further writes after a write error.
		if c.closed.Swap(true) {
			return fmt.Errorf("ws write: %w", ErrClosed)
		}
		_ = c.conn.Close()
		return c.ioError(ctx, "write", err)
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case data := <-ch:
		return decodeResponseBytes(data, reply)
	case <-c.done:
		select {
		case data := <-ch:
			return decodeResponseBytes(data, reply)
		default:
		}
		return fmt.Errorf("ws read: %w", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("ws read: %w", context.DeadlineExceeded)
	}
}

func (c *wsCaller) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("ws %s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("ws %s: %w: %v", op, ErrClosed, err)
}

func (c *wsCaller) Close() error {
	c.closed.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(250*time.Millisecond))
	return c.conn.Close()
}
