package zonetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"zoneclient/internal/protocol"
	"zoneclient/internal/transport"
	"zoneclient/internal/zone"
)

// Network is an in-memory set of zone servers addressed by host:port. Its
// Dial method satisfies transport.DialFunc.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
	dials   map[string]int
	refuse  map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		servers: make(map[string]*Server),
		dials:   make(map[string]int),
		refuse:  make(map[string]bool),
	}
}

// AddServer creates and registers a server owning z at 127.0.0.1:port.
func (n *Network) AddServer(id string, port int, z zone.Coord) *Server {
	srv := NewServer(protocol.ServerDescriptor{
		ServerID: id,
		Host:     "127.0.0.1",
		Port:     port,
		Zone:     z,
	})
	n.Add(srv)
	return srv
}

// Add registers srv under its descriptor address.
func (n *Network) Add(srv *Server) {
	n.mu.Lock()
	n.servers[srv.Descriptor.Addr()] = srv
	n.mu.Unlock()
}

// Refuse makes dials to addr fail.
func (n *Network) Refuse(addr string, refuse bool) {
	n.mu.Lock()
	n.refuse[addr] = refuse
	n.mu.Unlock()
}

// Dials reports how many dials addr has received.
func (n *Network) Dials(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[addr]
}

// TotalDials reports the number of dials across every address.
func (n *Network) TotalDials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, count := range n.dials {
		total += count
	}
	return total
}

func (n *Network) Dial(ctx context.Context, addr string, opts transport.Options) (transport.Caller, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials[addr]++
	if n.refuse[addr] {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	srv, ok := n.servers[addr]
	if !ok {
		return nil, fmt.Errorf("dial %s: no such host", addr)
	}
	return &memCaller{srv: srv}, nil
}

type memCaller struct {
	srv    *Server
	closed atomic.Bool
}

func (c *memCaller) Call(ctx context.Context, method string, args, reply any) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if args == nil {
		args = protocol.Empty{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		return err
	}
	result, err := c.srv.Handle(ctx, method, params)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return fmt.Errorf("%w: %v", transport.ErrManifestNotReady, err)
		}
		return err
	}
	if reply == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

func (c *memCaller) Close() error {
	c.closed.Store(true)
	return nil
}
