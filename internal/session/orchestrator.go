package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"zoneclient/internal/conn"
	"zoneclient/internal/debounce"
	"zoneclient/internal/directory"
	"zoneclient/internal/metrics"
	"zoneclient/internal/pool"
	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

// ErrTransitionFailed wraps every error that aborted a transition.
var ErrTransitionFailed = errors.New("transition failed")

// links is the part of the session the orchestrator drives: the tasks
// bound to the active connection and the input to replay.
type links interface {
	detach() *link
	attach(c *conn.Connection, server protocol.ServerDescriptor)
	lastInput() (protocol.Input, bool)
}

// Orchestrator performs zone transitions for one session. At most one
// transition runs at a time.
type Orchestrator struct {
	playerID     string
	dir          Directory
	pool         *pool.Pool
	debouncer    *debounce.Debouncer
	links        links
	tracer       trace.Tracer
	logger       *log.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	leaveTimeout time.Duration
}

// Transition moves the session to the server the directory assigns the
// player. It is a no-op while another transition is running. A directory
// miss is logged and returns nil; the next check retries. Any other failure
// leaves the session without an active connection and is returned wrapped
// in ErrTransitionFailed.
func (o *Orchestrator) Transition(ctx context.Context, target zone.Coord, forced bool) (err error) {
	if !o.debouncer.Begin() {
		return nil
	}
	outcome := "failed"
	start := o.now()
	success := false

	ctx, span := o.tracer.Start(ctx, "zoneclient.transition", trace.WithAttributes(
		attribute.String("player.id", o.playerID),
		attribute.String("zone.target", target.Key()),
		attribute.Bool("transition.forced", forced),
	))
	defer func() {
		o.debouncer.Finish(success)
		o.metrics.Transition(outcome, o.now().Sub(start).Seconds())
		span.SetAttributes(attribute.String("transition.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	server, err := o.dir.PlayerServer(ctx, o.playerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			outcome = "not_found"
			o.logger.Printf("directory has no server for player %s yet, retrying on next check", o.playerID)
			return nil
		}
		return fmt.Errorf("%w: lookup server: %v", ErrTransitionFailed, err)
	}
	span.SetAttributes(attribute.String("server.id", server.ServerID))

	if active, current, ok := o.pool.Active(); ok && active.State() == conn.Connected && current.ServerID == server.ServerID {
		outcome = "unchanged"
		o.logger.Printf("directory still assigns %s for zone %s", server.ServerID, target)
		return nil
	}

	o.logger.Printf("transition to %s zone %s (forced=%v)", server.ServerID, server.Zone, forced)

	if old := o.links.detach(); old != nil {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.leaveTimeout)
		if err := old.conn.Leave(leaveCtx, o.playerID); err != nil {
			o.logger.Printf("leave %s: %v", old.server.ServerID, err)
		}
		cancel()
	}
	o.pool.Release()

	c := o.pool.Promote(server.Zone)
	promoted := c != nil
	if promoted && c.Server().ServerID != server.ServerID {
		o.logger.Printf("pre-established %s does not match assigned %s, discarding", c.Server().ServerID, server.ServerID)
		if err := c.Close(); err != nil {
			o.logger.Printf("close %s: %v", c.Server().ServerID, err)
		}
		c, promoted = nil, false
	}
	if c == nil {
		c, err = o.pool.Connect(ctx, server)
		if err != nil {
			return fmt.Errorf("%w: connect %s: %v", ErrTransitionFailed, server.ServerID, err)
		}
	}
	span.SetAttributes(attribute.Bool("transition.promoted", promoted))

	if err := c.Join(ctx, o.playerID); err != nil {
		o.discard(c)
		return fmt.Errorf("%w: join %s: %v", ErrTransitionFailed, server.ServerID, err)
	}
	if input, ok := o.links.lastInput(); ok {
		if err := c.UpdateInput(ctx, o.playerID, input); err != nil {
			o.discard(c)
			return fmt.Errorf("%w: replay input on %s: %v", ErrTransitionFailed, server.ServerID, err)
		}
	}

	o.links.attach(c, server)
	success = true
	outcome = "success"
	if promoted {
		outcome = "promoted"
	}
	o.logger.Printf("now connected to %s zone %s (promoted=%v)", server.ServerID, server.Zone, promoted)
	return nil
}

func (o *Orchestrator) discard(c *conn.Connection) {
	if err := c.Close(); err != nil {
		o.logger.Printf("close %s: %v", c.Server().ServerID, err)
	}
}
