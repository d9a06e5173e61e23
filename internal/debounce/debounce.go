// Package debounce decides when a zone crossing is real. It holds the
// session's transition state and mismatch history behind one mutex.
package debounce

import (
	"io"
	"log"
	"sync"
	"time"

	"zoneclient/internal/metrics"
	"zoneclient/internal/zone"
)

// State is the transition state of a session.
type State int

const (
	Idle State = iota
	Candidate
	Confirmed
	Transitioning
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Candidate:
		return "candidate"
	case Confirmed:
		return "confirmed"
	case Transitioning:
		return "transitioning"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// MismatchTracker records how long the connected zone has disagreed with
// the player's computed zone.
type MismatchTracker struct {
	ConsecutiveCount  int
	LastIncrementAt   time.Time
	MismatchStartedAt time.Time
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Approve bool
	// Forced is set once the mismatch outlived the forced deadline. Forced
	// decisions ignore hysteresis and cooldown.
	Forced bool
	Reason string
	State  State
	Target zone.Coord
}

type Options struct {
	Grid             zone.Grid
	Hysteresis       float64
	MaxRapid         int
	RapidWindow      time.Duration
	Cooldown         time.Duration
	MismatchInterval time.Duration
	ForcedDeadline   time.Duration
	// ChronicThreshold only drives logging and metrics.
	ChronicThreshold int
	Logger           *log.Logger
	Metrics          *metrics.Metrics
}

// DefaultOptions returns the tuned defaults for a 500 unit grid.
func DefaultOptions() Options {
	return Options{
		Grid:             zone.NewGrid(zone.DefaultSize),
		Hysteresis:       2,
		MaxRapid:         8,
		RapidWindow:      2 * time.Second,
		Cooldown:         3 * time.Second,
		MismatchInterval: time.Second,
		ForcedDeadline:   5 * time.Second,
		ChronicThreshold: 10,
	}
}

type Debouncer struct {
	opts   Options
	logger *log.Logger

	mu            sync.Mutex
	state         State
	tracker       MismatchTracker
	approvals     []time.Time // completed transitions inside the rapid window
	approvedAt    time.Time
	cooldownUntil time.Time
	chronic       bool
}

func New(opts Options) *Debouncer {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Grid.Size <= 0 {
		opts.Grid = zone.NewGrid(zone.DefaultSize)
	}
	return &Debouncer{opts: opts, logger: logger}
}

// Evaluate runs one transition check. connected is the zone of the active
// server, computed the zone the player's position falls in.
func (d *Debouncer) Evaluate(now time.Time, connected, computed zone.Coord, pos zone.Point) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Transitioning {
		return Decision{State: Transitioning, Target: computed, Reason: "transition in progress"}
	}
	if d.state == Cooldown && !now.Before(d.cooldownUntil) {
		d.state = Idle
	}

	if connected == computed {
		d.resetTrackerLocked()
		if d.state != Cooldown {
			d.state = Idle
		}
		return Decision{State: d.state, Target: computed, Reason: "in zone"}
	}

	d.recordMismatchLocked(now)
	if d.opts.ForcedDeadline > 0 && now.Sub(d.tracker.MismatchStartedAt) > d.opts.ForcedDeadline {
		d.state = Confirmed
		d.approvedAt = now
		return Decision{Approve: true, Forced: true, State: Confirmed, Target: computed, Reason: "forced deadline exceeded"}
	}
	if d.state == Cooldown {
		return Decision{State: Cooldown, Target: computed, Reason: "cooldown"}
	}

	d.state = Candidate
	if d.opts.Grid.Penetration(pos, computed) < d.opts.Hysteresis {
		return Decision{State: Candidate, Target: computed, Reason: "hysteresis"}
	}

	d.pruneLocked(now)
	if d.opts.MaxRapid > 0 && len(d.approvals) >= d.opts.MaxRapid {
		d.state = Cooldown
		d.cooldownUntil = now.Add(d.opts.Cooldown)
		d.logger.Printf("%d transitions within %s, cooling down for %s", len(d.approvals), d.opts.RapidWindow, d.opts.Cooldown)
		return Decision{State: Cooldown, Target: computed, Reason: "rapid transitions"}
	}
	d.approvedAt = now
	d.state = Confirmed
	return Decision{Approve: true, State: Confirmed, Target: computed, Reason: "hysteresis satisfied"}
}

// recordMismatchLocked grows the counter at most once per interval no
// matter how often checks run.
func (d *Debouncer) recordMismatchLocked(now time.Time) {
	if d.tracker.MismatchStartedAt.IsZero() {
		d.tracker.MismatchStartedAt = now
	}
	if !d.tracker.LastIncrementAt.IsZero() && now.Sub(d.tracker.LastIncrementAt) < d.opts.MismatchInterval {
		return
	}
	d.tracker.ConsecutiveCount++
	d.tracker.LastIncrementAt = now
	d.opts.Metrics.Mismatch()
	if d.opts.ChronicThreshold > 0 && d.tracker.ConsecutiveCount >= d.opts.ChronicThreshold && !d.chronic {
		d.chronic = true
		d.opts.Metrics.Chronic()
		d.logger.Printf("chronic zone mismatch: %d consecutive intervals since %s",
			d.tracker.ConsecutiveCount, d.tracker.MismatchStartedAt.Format(time.RFC3339Nano))
	}
}

func (d *Debouncer) resetTrackerLocked() {
	d.tracker = MismatchTracker{}
	d.chronic = false
}

func (d *Debouncer) pruneLocked(now time.Time) {
	keep := d.approvals[:0]
	for _, at := range d.approvals {
		if now.Sub(at) < d.opts.RapidWindow {
			keep = append(keep, at)
		}
	}
	d.approvals = keep
}

// Begin enters Transitioning. It returns false when a transition is
// already running.
func (d *Debouncer) Begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Transitioning {
		return false
	}
	d.state = Transitioning
	return true
}

// Finish leaves Transitioning. Only a successful transition counts toward
// the rapid guard. A failed or abandoned one keeps the mismatch history so
// the forced deadline still applies.
func (d *Debouncer) Finish(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Idle
	if success {
		if !d.approvedAt.IsZero() {
			d.approvals = append(d.approvals, d.approvedAt)
		}
		d.resetTrackerLocked()
	}
	d.approvedAt = time.Time{}
}

// Reset returns to Idle and forgets all history.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Idle
	d.approvals = nil
	d.approvedAt = time.Time{}
	d.cooldownUntil = time.Time{}
	d.resetTrackerLocked()
}

func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Debouncer) Tracker() MismatchTracker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker
}
