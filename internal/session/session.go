// Package session runs one player's connection to the zoned world: the
// periodic tasks, the event stream for the presentation layer and the
// transition orchestrator that moves the player between zone servers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"zoneclient/internal/config"
	"zoneclient/internal/conn"
	"zoneclient/internal/debounce"
	"zoneclient/internal/directory"
	"zoneclient/internal/metrics"
	"zoneclient/internal/pool"
	"zoneclient/internal/protocol"
	"zoneclient/internal/worldsync"
	"zoneclient/internal/zone"
)

// Directory is the subset of the directory service a session uses.
// *directory.Client implements it.
type Directory interface {
	Register(ctx context.Context, playerID, name string) (directory.Registration, error)
	ActionServers(ctx context.Context) ([]protocol.ServerDescriptor, error)
	PlayerServer(ctx context.Context, playerID string) (protocol.ServerDescriptor, error)
}

// Deps carries the collaborators of a session. Zero fields get defaults
// built from the configuration.
type Deps struct {
	Directory Directory
	Connector pool.Connector
	Logger    *log.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

const eventBuffer = 64

// link is the set of tasks bound to one active connection.
type link struct {
	conn   *conn.Connection
	server protocol.ServerDescriptor
	cancel context.CancelFunc
	done   chan struct{}

	heartbeatFails atomic.Int32
	pollFailing    atomic.Bool

	mu    sync.Mutex
	zones []zone.Coord
}

type Session struct {
	cfg       *config.Config
	playerID  string
	grid      zone.Grid
	dir       Directory
	pool      *pool.Pool
	debouncer *debounce.Debouncer
	sync      *worldsync.Synchronizer
	orch      *Orchestrator
	logger    *log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newTicker tickerFactory

	events   chan Event
	checkNow chan struct{}
	lost     atomic.Bool

	mu       sync.Mutex
	pos      zone.Point
	input    protocol.Input
	hasInput bool
	servers  []protocol.ServerDescriptor
	link     *link
	started  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	warm   sync.WaitGroup
}

func newLogger(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, log.LstdFlags|log.Lmicroseconds)
}

// New wires a session from cfg. cfg must carry a player id.
func New(cfg *config.Config, deps Deps) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: nil config")
	}
	if cfg.Player.ID == "" {
		return nil, errors.New("session: player.id must be set")
	}

	logger := deps.Logger
	poolLogger := deps.Logger
	if logger == nil {
		logger = newLogger("session ")
		poolLogger = newLogger("pool ")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("zoneclient/session")
	}
	dir := deps.Directory
	if dir == nil {
		dir = directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.RequestTimeout.Duration())
	}
	connector := deps.Connector
	if connector == nil {
		connector = &conn.Dialer{
			Transport:         cfg.Transport.Kind,
			Path:              cfg.Transport.Path,
			DialTimeout:       cfg.Transport.DialTimeout.Duration(),
			CallTimeout:       cfg.Transport.CallTimeout.Duration(),
			CloseTimeout:      cfg.Transport.CloseTimeout.Duration(),
			ManifestAttempts:  cfg.Pool.ManifestAttempts,
			ManifestRetryStep: cfg.Pool.ManifestRetryStep.Duration(),
			Logger:            poolLogger,
		}
	}

	grid := zone.NewGrid(cfg.Zone.Size)
	s := &Session{
		cfg:       cfg,
		playerID:  cfg.Player.ID,
		grid:      grid,
		dir:       dir,
		logger:    logger,
		metrics:   deps.Metrics,
		now:       now,
		newTicker: defaultTickerFactory(),
		events:    make(chan Event, eventBuffer),
		checkNow:  make(chan struct{}, 1),
	}
	s.pool = pool.New(connector, pool.Options{
		Grid:           grid,
		UnhealthyTTL:   cfg.Pool.UnhealthyTTL.Duration(),
		EvictionRadius: cfg.Pool.EvictionRadius,
		Logger:         poolLogger,
		Metrics:        deps.Metrics,
		Now:            now,
	})
	s.debouncer = debounce.New(debounce.Options{
		Grid:             grid,
		Hysteresis:       cfg.Transition.Hysteresis,
		MaxRapid:         cfg.Transition.MaxRapid,
		RapidWindow:      cfg.Transition.RapidWindow.Duration(),
		Cooldown:         cfg.Transition.Cooldown.Duration(),
		MismatchInterval: cfg.Transition.MismatchInterval.Duration(),
		ForcedDeadline:   cfg.Transition.ForcedDeadline.Duration(),
		ChronicThreshold: cfg.Transition.ChronicThreshold,
		Logger:           logger,
		Metrics:          deps.Metrics,
	})
	s.sync = worldsync.New(worldsync.Options{
		Grid:     grid,
		Margin:   cfg.Sync.BoundaryMargin,
		PlayerID: cfg.Player.ID,
		Logger:   logger,
		Metrics:  deps.Metrics,
	})
	leaveTimeout := cfg.Transport.CloseTimeout.Duration()
	if leaveTimeout <= 0 {
		leaveTimeout = time.Second
	}
	s.orch = &Orchestrator{
		playerID:     cfg.Player.ID,
		dir:          dir,
		pool:         s.pool,
		debouncer:    s.debouncer,
		links:        s,
		tracer:       tracer,
		logger:       logger,
		metrics:      deps.Metrics,
		now:          now,
		leaveTimeout: leaveTimeout,
	}
	s.pool.OnChange(func(snap map[string]pool.EntryStatus) {
		s.emit(Event{Kind: PreEstablishedConnectionsChanged, Connections: snap})
	})
	return s, nil
}

// Start registers with the directory, joins the assigned server and starts
// the periodic tasks. The tasks stop when ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.join(ctx); err != nil {
		return err
	}
	s.startTasks()
	return nil
}

// join registers the player and activates the assigned server.
func (s *Session) join(ctx context.Context) error {
	reg, err := s.dir.Register(ctx, s.playerID, s.cfg.Player.Name)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	s.setPosition(reg.Player.Position)

	c, err := s.pool.Connect(ctx, reg.Server)
	if err != nil {
		return fmt.Errorf("connect %s: %w", reg.Server.ServerID, err)
	}
	if err := c.Join(ctx, s.playerID); err != nil {
		if cerr := c.Close(); cerr != nil {
			s.logger.Printf("close %s: %v", reg.Server.ServerID, cerr)
		}
		return fmt.Errorf("join %s: %w", reg.Server.ServerID, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.debouncer.Reset()
	s.attach(c, reg.Server)
	s.logger.Printf("player %s joined %s zone %s", s.playerID, reg.Server.ServerID, reg.Server.Zone)
	return nil
}

func (s *Session) startTasks() {
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group

	check := &periodic{
		name:      "transition",
		interval:  s.cfg.Transition.CheckInterval.Duration(),
		fn:        s.checkTransition,
		trigger:   s.checkNow,
		newTicker: s.newTicker,
		metrics:   s.metrics,
	}
	discover := &periodic{
		name:      "directory",
		interval:  s.cfg.Directory.PollInterval.Duration(),
		fn:        s.refreshServers,
		immediate: true,
		newTicker: s.newTicker,
		metrics:   s.metrics,
	}
	group.Go(func() error { return check.run(gctx) })
	group.Go(func() error { return discover.run(gctx) })
	group.Go(func() error {
		s.pool.Run(gctx, s.cfg.Pool.HealthCheckInterval.Duration(), s.Position)
		return nil
	})
}

// Wait blocks until the session tasks exit.
func (s *Session) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Close stops every task, leaves the active server and tears down all
// connections. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.warm.Wait()
	if l := s.detach(); l != nil {
		timeout := s.cfg.Transport.CloseTimeout.Duration()
		if timeout <= 0 {
			timeout = time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := l.conn.Leave(ctx, s.playerID); err != nil {
			s.logger.Printf("leave %s: %v", l.server.ServerID, err)
		}
		cancel()
	}
	s.pool.OnChange(nil)
	s.pool.Close()
	close(s.events)
	return nil
}

// Events delivers session events. The channel is closed by Close. Events
// are dropped when the consumer falls behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Orchestrator exposes the session's transition orchestrator.
func (s *Session) Orchestrator() *Orchestrator {
	return s.orch
}

// Pool exposes the session's connection pool for status reporting.
func (s *Session) Pool() *pool.Pool {
	return s.pool
}

func (s *Session) TransitionState() debounce.State {
	return s.debouncer.State()
}

func (s *Session) Position() zone.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// ActiveServer returns the server of the active connection.
func (s *Session) ActiveServer() (protocol.ServerDescriptor, bool) {
	_, server, ok := s.pool.Active()
	return server, ok
}

// Servers returns the action servers from the last directory poll.
func (s *Session) Servers() []protocol.ServerDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ServerDescriptor(nil), s.servers...)
}

// UpdatePosition records a locally predicted position and schedules a
// transition check when it lies in another zone.
func (s *Session) UpdatePosition(pos zone.Point) {
	s.setPosition(pos)
}

func (s *Session) setPosition(pos zone.Point) {
	s.mu.Lock()
	before := s.grid.FromPosition(s.pos)
	s.pos = pos
	s.mu.Unlock()
	if s.grid.FromPosition(pos) != before {
		s.requestCheck()
	}
}

func (s *Session) requestCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// SetInput sends input to the active server and remembers it for replay
// after a transition. Without an active connection it is only remembered.
func (s *Session) SetInput(ctx context.Context, input protocol.Input) error {
	s.mu.Lock()
	s.input = input
	s.hasInput = true
	s.mu.Unlock()

	active, _, ok := s.pool.Active()
	if !ok {
		return nil
	}
	return active.UpdateInput(ctx, s.playerID, input)
}

func (s *Session) lastInput() (protocol.Input, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input, s.hasInput
}

// detach stops the tasks bound to the active connection and returns the
// link they ran on. The connection stays open.
func (s *Session) detach() *link {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	l.cancel()
	<-l.done
	return l
}

// attach activates c and starts the poll and heartbeat tasks on it.
func (s *Session) attach(c *conn.Connection, server protocol.ServerDescriptor) {
	s.pool.Activate(server, c)
	s.sync.Reset(c.Epoch())
	s.lost.Store(false)

	ctx, cancel := context.WithCancel(s.ctx)
	l := &link{conn: c, server: server, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()

	poll := &periodic{
		name:      "poll",
		interval:  s.cfg.Sync.PollInterval.Duration(),
		fn:        func(ctx context.Context) { s.poll(ctx, l) },
		newTicker: s.newTicker,
		metrics:   s.metrics,
	}
	heartbeat := &periodic{
		name:      "heartbeat",
		interval:  s.cfg.Sync.HeartbeatInterval.Duration(),
		fn:        func(ctx context.Context) { s.heartbeat(ctx, l) },
		immediate: true,
		newTicker: s.newTicker,
		metrics:   s.metrics,
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = poll.run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = heartbeat.run(ctx)
	}()
	go func() {
		wg.Wait()
		close(l.done)
	}()

	s.emit(Event{Kind: ServerChanged, Server: server})

	// Warm the new zone's neighbours now rather than on the next directory poll.
	s.warm.Add(1)
	go func() {
		defer s.warm.Done()
		s.prewarm(s.ctx)
	}()
}

func (s *Session) neighbor(z zone.Coord) worldsync.LocalSource {
	c := s.pool.Neighbor(z)
	if c == nil {
		return nil
	}
	return c
}

// poll fetches one world state from l and publishes the augmented copy.
func (s *Session) poll(ctx context.Context, l *link) {
	res, err := s.sync.Tick(ctx, l.conn, l.server.Zone, s.Position(), s.neighbor)
	if err != nil {
		if ctx.Err() == nil && !l.pollFailing.Swap(true) {
			s.logger.Printf("poll %s: %v", l.server.ServerID, err)
		}
		return
	}
	l.pollFailing.Store(false)
	if !res.Accepted {
		return
	}
	if self, ok := res.State.Entity(s.playerID); ok {
		s.setPosition(self.Position)
	}
	if res.SelfMissing {
		s.requestCheck()
	}
	s.emit(Event{Kind: WorldStateUpdated, State: res.State})
}

// heartbeat refreshes the zone list of l. Repeated failures mark the link
// as lost so the next check reconnects.
func (s *Session) heartbeat(ctx context.Context, l *link) {
	zones, err := l.conn.AvailableZones(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.HeartbeatFailed()
		fails := l.heartbeatFails.Add(1)
		limit := int32(s.cfg.Sync.HeartbeatFailures)
		if limit <= 0 {
			limit = 3
		}
		s.logger.Printf("heartbeat %s failed (%d/%d): %v", l.server.ServerID, fails, limit, err)
		if fails >= limit && !s.lost.Swap(true) {
			s.logger.Printf("lost connection to %s", l.server.ServerID)
			s.requestCheck()
		}
		return
	}
	l.heartbeatFails.Store(0)
	l.mu.Lock()
	changed := !sameZones(l.zones, zones)
	l.zones = zones
	l.mu.Unlock()
	if !changed {
		return
	}
	s.emit(Event{Kind: AvailableZonesUpdated, Zones: append([]zone.Coord(nil), zones...)})
}

func sameZones(a, b []zone.Coord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// refreshServers polls the directory and warms connections to servers
// within the proximity radius.
func (s *Session) refreshServers(ctx context.Context) {
	servers, err := s.dir.ActionServers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("refresh action servers: %v", err)
		}
		return
	}
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
	s.prewarm(ctx)
}

func (s *Session) prewarm(ctx context.Context) {
	pos := s.Position()
	_, active, hasActive := s.pool.Active()

	var group errgroup.Group
	group.SetLimit(4)
	for _, server := range s.Servers() {
		if hasActive && server.Zone == active.Zone {
			continue
		}
		if s.grid.DistanceToZone(pos, server.Zone) > s.cfg.Pool.ProximityRadius {
			continue
		}
		server := server
		group.Go(func() error {
			_ = s.pool.PreEstablish(ctx, server.Zone, server)
			return nil
		})
	}
	_ = group.Wait()
}

// checkTransition runs one debouncer evaluation and, when approved, a
// transition. A lost or missing active connection forces a reconnect.
func (s *Session) checkTransition(ctx context.Context) {
	pos := s.Position()
	computed := s.grid.FromPosition(pos)

	if s.lost.Load() {
		if l := s.detach(); l != nil {
			s.logger.Printf("dropping lost connection to %s", l.server.ServerID)
		}
		s.pool.Release()
	}

	_, server, ok := s.pool.Active()
	if !ok {
		if err := s.orch.Transition(ctx, computed, true); err != nil {
			s.logger.Printf("reconnect: %v", err)
		}
		return
	}

	dec := s.debouncer.Evaluate(s.now(), server.Zone, computed, pos)
	if !dec.Approve {
		return
	}
	if err := s.orch.Transition(ctx, dec.Target, dec.Forced); err != nil {
		s.logger.Printf("transition to %s: %v", dec.Target, err)
	}
}
