// Package conn implements one logical link to one zone server: transport
// lifecycle, handle resolution and the typed remote-call surface.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"zoneclient/internal/protocol"
	"zoneclient/internal/transport"
	"zoneclient/internal/zone"
)

// State is the lifecycle state of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var epochs atomic.Uint64

// Connection is a link to one zone server. It is owned by the pool; other
// components only borrow it for the duration of a call.
type Connection struct {
	server       protocol.ServerDescriptor
	epoch        uint64
	callTimeout  time.Duration
	closeTimeout time.Duration

	mu      sync.RWMutex
	state   State
	caller  transport.Caller
	lastErr error
	zones   []zone.Coord
}

func newConnection(server protocol.ServerDescriptor, callTimeout, closeTimeout time.Duration) *Connection {
	return &Connection{
		server:       server,
		epoch:        epochs.Add(1),
		callTimeout:  callTimeout,
		closeTimeout: closeTimeout,
		state:        Disconnected,
	}
}

// Server returns the descriptor the connection was opened for.
func (c *Connection) Server() protocol.ServerDescriptor {
	return c.server
}

// Zone returns the zone owned by the connected server.
func (c *Connection) Zone() zone.Coord {
	return c.server.Zone
}

// Epoch uniquely identifies this connection for the lifetime of the process.
// Sequence numbers are only comparable between states of the same epoch.
func (c *Connection) Epoch() uint64 {
	return c.epoch
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Zones returns the zones last reported by GetAvailableZones.
func (c *Connection) Zones() []zone.Coord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]zone.Coord(nil), c.zones...)
}

func (c *Connection) setState(state State, err error) {
	c.mu.Lock()
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

func (c *Connection) handle() (transport.Caller, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.caller == nil || c.state == Disconnected {
		return nil, transport.ErrClosed
	}
	return c.caller, nil
}

func (c *Connection) call(ctx context.Context, op, method string, args, reply any) error {
	caller, err := c.handle()
	if err != nil {
		return c.fail(op, KindConnection, err)
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if err := caller.Call(ctx, method, args, reply); err != nil {
		kind := KindConnection
		var remote *transport.RemoteError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = KindTimeout
		case errors.Is(err, transport.ErrManifestNotReady):
			kind = KindManifestNotReady
		case errors.As(err, &remote):
			kind = KindProtocol
		case errors.Is(err, transport.ErrClosed):
			c.mu.Lock()
			if c.state == Connected {
				c.state = Failed
			}
			c.mu.Unlock()
		}
		return c.fail(op, kind, err)
	}
	return nil
}

func (c *Connection) fail(op string, kind Kind, err error) error {
	cerr := &Error{Kind: kind, Op: op, Server: c.server.ServerID, Err: err}
	c.mu.Lock()
	c.lastErr = cerr
	c.mu.Unlock()
	return cerr
}

// Join registers the player on the server. A non-success reply is a
// KindProtocol error.
func (c *Connection) Join(ctx context.Context, playerID string) error {
	var reply protocol.JoinReply
	if err := c.call(ctx, "join", protocol.MethodJoin, protocol.JoinArgs{PlayerID: playerID}, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return c.fail("join", KindProtocol, fmt.Errorf("join rejected: %s", reply.Message))
	}
	return nil
}

func (c *Connection) Leave(ctx context.Context, playerID string) error {
	return c.call(ctx, "leave", protocol.MethodLeave, protocol.LeaveArgs{PlayerID: playerID}, nil)
}

func (c *Connection) UpdateInput(ctx context.Context, playerID string, input protocol.Input) error {
	args := protocol.InputArgs{
		PlayerID: playerID,
		MoveDir:  input.MoveDir,
		Actions:  input.Actions,
	}
	return c.call(ctx, "update input", protocol.MethodUpdateInput, args, nil)
}

// WorldState fetches the full, cross-zone aware state.
func (c *Connection) WorldState(ctx context.Context) (protocol.WorldState, error) {
	var state protocol.WorldState
	err := c.call(ctx, "get world state", protocol.MethodGetWorldState, nil, &state)
	return state, err
}

// LocalWorldState fetches only the entities the server owns itself. Servers
// answer it without consulting their neighbours.
func (c *Connection) LocalWorldState(ctx context.Context) (protocol.WorldState, error) {
	var state protocol.WorldState
	err := c.call(ctx, "get local world state", protocol.MethodGetLocalWorldState, nil, &state)
	return state, err
}

func (c *Connection) AvailableZones(ctx context.Context) ([]zone.Coord, error) {
	var reply protocol.ZonesReply
	if err := c.call(ctx, "get available zones", protocol.MethodGetAvailableZones, nil, &reply); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.zones = append([]zone.Coord(nil), reply.Zones...)
	c.mu.Unlock()
	return reply.Zones, nil
}

// TestHealth issues one cheap idempotent call. Any failure means unhealthy.
func (c *Connection) TestHealth(ctx context.Context) bool {
	_, err := c.WorldState(ctx)
	return err == nil
}

// Close tears the transport down. It never blocks longer than the close
// timeout; failures come back as KindDisposal and are meant to be logged and
// dropped.
func (c *Connection) Close() error {
	c.mu.Lock()
	caller := c.caller
	c.caller = nil
	c.state = Disconnected
	c.mu.Unlock()
	if caller == nil {
		return nil
	}

	timeout := c.closeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	done := make(chan error, 1)
	go func() {
		done <- caller.Close()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return &Error{Kind: KindDisposal, Op: "close", Server: c.server.ServerID, Err: err}
		}
		return nil
	case <-timer.C:
		return &Error{Kind: KindDisposal, Op: "close", Server: c.server.ServerID, Err: fmt.Errorf("close timed out after %s", timeout)}
	}
}
