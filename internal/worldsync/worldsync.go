// Package worldsync pulls world state from the active connection, keeps it
// ordered per connection and merges in entities from neighbouring zones near
// the shared borders.
package worldsync

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"zoneclient/internal/metrics"
	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

var (
	// ErrStaleState means the state's sequence number is not newer than the
	// last accepted one for the same connection.
	ErrStaleState = errors.New("worldsync: stale state")
	// ErrForeignConnection means the state came from a connection that is no
	// longer the active one.
	ErrForeignConnection = errors.New("worldsync: state from superseded connection")
)

// Source is the active connection as seen by the synchronizer.
type Source interface {
	Epoch() uint64
	WorldState(ctx context.Context) (protocol.WorldState, error)
}

// LocalSource answers same-zone state only. Pre-established connections
// are used through it.
type LocalSource interface {
	LocalWorldState(ctx context.Context) (protocol.WorldState, error)
}

// NeighborFunc returns the source for a neighbouring zone, or nil.
type NeighborFunc func(z zone.Coord) LocalSource

type Options struct {
	Grid zone.Grid
	// Margin is the distance from a zone edge within which neighbour
	// entities are merged in.
	Margin   float64
	PlayerID string
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

// Result is the outcome of one Tick.
type Result struct {
	// State is the boundary-augmented copy for rendering. Only valid when
	// Accepted is set.
	State    protocol.WorldState
	Accepted bool
	// SelfMissing is set when the player's own entity is absent from an
	// accepted state.
	SelfMissing bool
	Augmented   int
}

type Synchronizer struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	epoch   uint64
	hasSeq  bool
	lastSeq int64
	latest  protocol.WorldState
	stale   int
}

func New(opts Options) *Synchronizer {
	if opts.Grid.Size <= 0 {
		opts.Grid = zone.NewGrid(zone.DefaultSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Synchronizer{opts: opts, logger: logger}
}

// Reset binds the synchronizer to a new active connection and forgets the
// last accepted sequence number.
func (s *Synchronizer) Reset(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = epoch
	s.hasSeq = false
	s.lastSeq = 0
	s.latest = protocol.WorldState{}
}

// Accept records state if it is newer than anything accepted from the same
// connection.
func (s *Synchronizer) Accept(epoch uint64, state protocol.WorldState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		s.opts.Metrics.StateDropped("foreign")
		return ErrForeignConnection
	}
	if s.hasSeq && state.SequenceNumber <= s.lastSeq {
		s.stale++
		s.opts.Metrics.StateDropped("stale")
		return ErrStaleState
	}
	s.hasSeq = true
	s.lastSeq = state.SequenceNumber
	s.latest = state
	s.opts.Metrics.StateAccepted()
	return nil
}

// Latest returns the last accepted authoritative state.
func (s *Synchronizer) Latest() (protocol.WorldState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasSeq
}

// LastSequence reports the last accepted sequence number for the current
// connection.
func (s *Synchronizer) LastSequence() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, s.hasSeq
}

// Stale counts discarded out-of-order states.
func (s *Synchronizer) Stale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Augment returns a copy of base extended with the entities from fetched
// that lie within margin of current. Entities already in base win. The
// sequence number is carried over unchanged.
func Augment(grid zone.Grid, margin float64, base protocol.WorldState, current zone.Coord, fetched []protocol.WorldState) protocol.WorldState {
	out := base.Clone()
	seen := make(map[string]struct{}, len(base.Entities))
	for _, ent := range base.Entities {
		seen[ent.ID] = struct{}{}
	}
	for _, state := range fetched {
		for _, ent := range state.Entities {
			if _, dup := seen[ent.ID]; dup {
				continue
			}
			if grid.DistanceToZone(ent.Position, current) > margin {
				continue
			}
			seen[ent.ID] = struct{}{}
			out.Entities = append(out.Entities, ent)
		}
	}
	return out
}

// Tick polls src once. Stale and superseded states are dropped silently
// and yield a Result with Accepted unset. current is the zone of the active
// server; pos is the player's position.
func (s *Synchronizer) Tick(ctx context.Context, src Source, current zone.Coord, pos zone.Point, neighbors NeighborFunc) (Result, error) {
	state, err := src.WorldState(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := s.Accept(src.Epoch(), state); err != nil {
		return Result{}, nil
	}

	res := Result{Accepted: true, State: state}
	if s.opts.PlayerID != "" {
		if _, ok := state.Entity(s.opts.PlayerID); !ok {
			res.SelfMissing = true
		}
	}
	if neighbors == nil || s.opts.Margin <= 0 {
		return res, nil
	}

	zones := s.opts.Grid.NeighborsWithin(pos, current, s.opts.Margin)
	if len(zones) == 0 {
		return res, nil
	}
	fetched := make([]protocol.WorldState, len(zones))
	var g errgroup.Group
	for i, z := range zones {
		local := neighbors(z)
		if local == nil {
			continue
		}
		i, z := i, z
		g.Go(func() error {
			st, err := local.LocalWorldState(ctx)
			if err != nil {
				s.logger.Printf("boundary fetch from zone %s: %v", z, err)
				return nil
			}
			fetched[i] = st
			return nil
		})
	}
	_ = g.Wait()

	res.State = Augment(s.opts.Grid, s.opts.Margin, state, current, fetched)
	res.Augmented = len(res.State.Entities) - len(state.Entities)
	s.opts.Metrics.Augmented(res.Augmented)
	return res, nil
}
