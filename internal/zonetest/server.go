// Package zonetest provides scripted zone servers for tests: an in-memory
// network that plugs into the transport layer directly, plus JSON-RPC and
// websocket handlers for exercising the real transports.
package zonetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

var (
	// ErrNotReady is returned while the server is still publishing its manifest.
	ErrNotReady = errors.New("zonetest: manifest not ready")
	// ErrUnreachable is returned by every call while the server is down.
	ErrUnreachable = errors.New("zonetest: server unreachable")
)

// Server is a scripted zone server.
type Server struct {
	Descriptor protocol.ServerDescriptor

	mu         sync.Mutex
	notReady   int
	down       bool
	hangup     bool
	rejectJoin string
	delay      time.Duration
	seq        int64
	entities   []protocol.EntityState
	local      []protocol.EntityState
	queued     []protocol.WorldState
	zones      []zone.Coord
	joined     map[string]bool
	leaves     []string
	inputs     []protocol.InputArgs
	calls      map[string]int
}

// NewServer returns a healthy server for d.
func NewServer(d protocol.ServerDescriptor) *Server {
	return &Server{
		Descriptor: d,
		zones:      []zone.Coord{d.Zone},
		joined:     make(map[string]bool),
		calls:      make(map[string]int),
	}
}

// SetNotReady makes the next n calls fail with ErrNotReady.
func (s *Server) SetNotReady(n int) {
	s.mu.Lock()
	s.notReady = n
	s.mu.Unlock()
}

// SetDown toggles whether every call fails with ErrUnreachable.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// HangUp makes streaming handlers drop the connection on the next request
// instead of answering it.
func (s *Server) HangUp() {
	s.mu.Lock()
	s.hangup = true
	s.mu.Unlock()
}

func (s *Server) takeHangUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hangup
	s.hangup = false
	return h
}

// RejectJoins makes Join answer with Success=false and the given message.
// An empty message accepts joins again.
func (s *Server) RejectJoins(message string) {
	s.mu.Lock()
	s.rejectJoin = message
	s.mu.Unlock()
}

// SetDelay delays every call by d, honouring the caller's context.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetEntities replaces the entities returned by GetWorldState.
func (s *Server) SetEntities(entities ...protocol.EntityState) {
	s.mu.Lock()
	s.entities = append([]protocol.EntityState(nil), entities...)
	s.mu.Unlock()
}

// SetLocalEntities replaces the entities returned by GetLocalWorldState.
func (s *Server) SetLocalEntities(entities ...protocol.EntityState) {
	s.mu.Lock()
	s.local = append([]protocol.EntityState(nil), entities...)
	s.mu.Unlock()
}

// QueueStates scripts the next GetWorldState answers verbatim.
func (s *Server) QueueStates(states ...protocol.WorldState) {
	s.mu.Lock()
	s.queued = append(s.queued, states...)
	s.mu.Unlock()
}

// SetZones replaces the GetAvailableZones answer.
func (s *Server) SetZones(zones ...zone.Coord) {
	s.mu.Lock()
	s.zones = append([]zone.Coord(nil), zones...)
	s.mu.Unlock()
}

// Joined reports whether playerID is currently joined.
func (s *Server) Joined(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[playerID]
}

// Leaves returns the player ids that left, in order.
func (s *Server) Leaves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.leaves...)
}

// Inputs returns every UpdateInput received, in order.
func (s *Server) Inputs() []protocol.InputArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.InputArgs(nil), s.inputs...)
}

// Calls returns how many times method was invoked, including failed calls.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Handle dispatches one call. params is the JSON encoding of the arguments.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.mu.Lock()
	s.calls[method]++
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrUnreachable
	}
	if s.notReady > 0 {
		s.notReady--
		return nil, ErrNotReady
	}

	switch method {
	case protocol.MethodJoin:
		var args protocol.JoinArgs
		if err := decodeParams(params, &args); err != nil {
			return nil, err
		}
		if s.rejectJoin != "" {
			return protocol.JoinReply{Success: false, Message: s.rejectJoin}, nil
		}
		s.joined[args.PlayerID] = true
		return protocol.JoinReply{Success: true}, nil
	case protocol.MethodLeave:
		var args protocol.LeaveArgs
		if err := decodeParams(params, &args); err != nil {
			return nil, err
		}
		delete(s.joined, args.PlayerID)
		s.leaves = append(s.leaves, args.PlayerID)
		return protocol.Empty{}, nil
	case protocol.MethodUpdateInput:
		var args protocol.InputArgs
		if err := decodeParams(params, &args); err != nil {
			return nil, err
		}
		s.inputs = append(s.inputs, args)
		return protocol.Empty{}, nil
	case protocol.MethodGetWorldState:
		if len(s.queued) > 0 {
			state := s.queued[0]
			s.queued = s.queued[1:]
			return state, nil
		}
		s.seq++
		return protocol.WorldState{
			Entities:       append([]protocol.EntityState(nil), s.entities...),
			Timestamp:      time.Now().UTC(),
			SequenceNumber: s.seq,
		}, nil
	case protocol.MethodGetLocalWorldState:
		entities := s.local
		if entities == nil {
			entities = s.entities
		}
		return protocol.WorldState{
			Entities:       append([]protocol.EntityState(nil), entities...),
			Timestamp:      time.Now().UTC(),
			SequenceNumber: s.seq,
		}, nil
	case protocol.MethodGetAvailableZones:
		return protocol.ZonesReply{Zones: append([]zone.Coord(nil), s.zones...)}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
