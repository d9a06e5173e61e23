// Package pool owns the active zone connection and the warm connections
// opened ahead of time to neighbouring zones.
package pool

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"zoneclient/internal/conn"
	"zoneclient/internal/metrics"
	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

// Connector opens connections. *conn.Dialer implements it.
type Connector interface {
	Connect(ctx context.Context, server protocol.ServerDescriptor) (*conn.Connection, error)
}

// Status of a pre-established entry.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusHealthy    Status = "healthy"
	StatusUnhealthy  Status = "unhealthy"
)

// EntryStatus is the read-only view of one pre-established entry.
type EntryStatus struct {
	Zone           zone.Coord `json:"zone"`
	ServerID       string     `json:"serverId"`
	Status         Status     `json:"status"`
	EstablishedAt  time.Time  `json:"establishedAt"`
	UnhealthySince time.Time  `json:"unhealthySince,omitempty"`
	LastCheck      time.Time  `json:"lastCheck,omitempty"`
	Failures       int        `json:"failures"`
}

// Eviction reasons.
const (
	ReasonTTL      = "ttl"
	ReasonDistance = "distance"
	ReasonActive   = "active"
	ReasonManual   = "manual"
	ReasonClosed   = "closed"
	ReasonBroken   = "broken"
)

type Options struct {
	Grid zone.Grid
	// UnhealthyTTL is how long an entry may stay unhealthy before the sweep
	// evicts it.
	UnhealthyTTL time.Duration
	// EvictionRadius is the distance from the player beyond which the sweep
	// evicts an entry. Zero disables distance eviction.
	EvictionRadius float64
	Logger         *log.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type entry struct {
	zone           zone.Coord
	server         protocol.ServerDescriptor
	conn           *conn.Connection
	establishedAt  time.Time
	connecting     bool
	healthy        bool
	unhealthySince time.Time
	lastCheck      time.Time
	fails          int
}

func (e *entry) status() EntryStatus {
	st := EntryStatus{
		Zone:           e.zone,
		ServerID:       e.server.ServerID,
		EstablishedAt:  e.establishedAt,
		UnhealthySince: e.unhealthySince,
		LastCheck:      e.lastCheck,
		Failures:       e.fails,
	}
	switch {
	case e.connecting:
		st.Status = StatusConnecting
	case e.healthy:
		st.Status = StatusHealthy
	default:
		st.Status = StatusUnhealthy
	}
	return st
}

// Pool is the single writer of the connection map. Network calls never run
// under mu; their results are applied only if the entry they were made for
// is still in the map.
type Pool struct {
	connector Connector
	opts      Options
	logger    *log.Logger
	now       func() time.Time

	mu           sync.Mutex
	entries      map[string]*entry
	active       *conn.Connection
	activeServer protocol.ServerDescriptor
	activeSince  time.Time
	closed       bool

	snapshot atomic.Pointer[map[string]EntryStatus]
	onChange atomic.Pointer[func(map[string]EntryStatus)]
}

func New(connector Connector, opts Options) *Pool {
	if opts.UnhealthyTTL <= 0 {
		opts.UnhealthyTTL = 60 * time.Second
	}
	if opts.Grid.Size <= 0 {
		opts.Grid = zone.NewGrid(zone.DefaultSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Pool{
		connector: connector,
		opts:      opts,
		logger:    logger,
		now:       now,
		entries:   make(map[string]*entry),
	}
	empty := map[string]EntryStatus{}
	p.snapshot.Store(&empty)
	return p
}

// OnChange registers fn to receive every new snapshot. fn runs on the
// goroutine that changed the pool and must not block.
func (p *Pool) OnChange(fn func(map[string]EntryStatus)) {
	if fn == nil {
		p.onChange.Store(nil)
		return
	}
	p.onChange.Store(&fn)
}

// Snapshot returns the latest published view of the pre-established entries.
// It may be slightly stale and must not be modified.
func (p *Pool) Snapshot() map[string]EntryStatus {
	return *p.snapshot.Load()
}

func (p *Pool) publishLocked() map[string]EntryStatus {
	snap := make(map[string]EntryStatus, len(p.entries))
	for key, e := range p.entries {
		snap[key] = e.status()
	}
	p.snapshot.Store(&snap)
	p.opts.Metrics.SetPreEstablished(len(snap))
	return snap
}

func (p *Pool) emit(snap map[string]EntryStatus) {
	if fn := p.onChange.Load(); fn != nil {
		(*fn)(snap)
	}
}

// Connect opens a connection without adding it to the pool.
func (p *Pool) Connect(ctx context.Context, server protocol.ServerDescriptor) (*conn.Connection, error) {
	return p.connector.Connect(ctx, server)
}

// TestHealth reports whether c answers one idempotent call.
func (p *Pool) TestHealth(ctx context.Context, c *conn.Connection) bool {
	healthy := c != nil && c.TestHealth(ctx)
	p.opts.Metrics.HealthCheck(healthy)
	return healthy
}

// PreEstablish warms a connection to server for zone z. It does nothing when
// an entry for z already exists or z is the active zone. A failed connect or
// health check is kept as an unhealthy entry until the sweep evicts it; the
// error is returned for logging only.
func (p *Pool) PreEstablish(ctx context.Context, z zone.Coord, server protocol.ServerDescriptor) error {
	key := z.Key()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.active != nil && p.activeServer.Zone == z {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return nil
	}
	e := &entry{
		zone:          z,
		server:        server,
		establishedAt: p.now(),
		connecting:    true,
	}
	p.entries[key] = e
	snap := p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	c, err := p.connector.Connect(ctx, server)
	healthy := false
	if err == nil {
		healthy = p.TestHealth(ctx, c)
	}

	p.mu.Lock()
	if p.entries[key] != e {
		// Evicted or superseded while connecting.
		p.mu.Unlock()
		p.closeConn(c, z)
		return err
	}
	now := p.now()
	e.conn = c
	e.connecting = false
	e.lastCheck = now
	p.markLocked(e, healthy, now)
	snap = p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	if err != nil {
		p.logger.Printf("pre-establish zone %s via %s failed: %v", z, server.ServerID, err)
	} else if !healthy {
		p.logger.Printf("pre-established zone %s via %s is unhealthy", z, server.ServerID)
	}
	return err
}

func (p *Pool) markLocked(e *entry, healthy bool, now time.Time) {
	if healthy {
		e.healthy = true
		e.unhealthySince = time.Time{}
		e.fails = 0
		return
	}
	if e.healthy || e.unhealthySince.IsZero() {
		e.unhealthySince = now
	}
	e.healthy = false
	e.fails++
}

// Promote removes and returns the healthy pre-established connection for z,
// or nil when there is none. An entry whose connection has failed since the
// last sweep is evicted instead.
func (p *Pool) Promote(z zone.Coord) *conn.Connection {
	key := z.Key()
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.connecting || !e.healthy || e.conn == nil {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, key)
	snap := p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	if e.conn.State() != conn.Connected {
		p.opts.Metrics.Evicted(ReasonBroken)
		p.logger.Printf("pre-established connection for zone %s is %s, not promoting", z, e.conn.State())
		p.closeConn(e.conn, z)
		return nil
	}
	return e.conn
}

// Neighbor returns the healthy pre-established connection for z without
// removing it. The caller may use it for the current call only.
func (p *Pool) Neighbor(z zone.Coord) *conn.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[z.Key()]
	if !ok || e.connecting || !e.healthy {
		return nil
	}
	return e.conn
}

// Evict closes and removes the entry for z.
func (p *Pool) Evict(z zone.Coord) {
	p.evict(z, ReasonManual)
}

func (p *Pool) evict(z zone.Coord, reason string) {
	p.mu.Lock()
	e, ok := p.entries[z.Key()]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, z.Key())
	snap := p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	p.opts.Metrics.Evicted(reason)
	p.closeConn(e.conn, z)
}

// closeConn is bounded by the connection's close timeout; failures are
// logged and dropped.
func (p *Pool) closeConn(c *conn.Connection, z zone.Coord) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		p.logger.Printf("close connection for zone %s: %v", z, err)
	}
}

// HealthSweep re-tests every settled entry and evicts those unhealthy for
// longer than the TTL or farther than the eviction radius from pos.
func (p *Pool) HealthSweep(ctx context.Context, pos zone.Point) {
	p.mu.Lock()
	pending := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if !e.connecting {
			pending = append(pending, e)
		}
	}
	p.mu.Unlock()

	results := make(map[*entry]bool, len(pending))
	for _, e := range pending {
		if ctx.Err() != nil {
			return
		}
		results[e] = e.conn != nil && p.TestHealth(ctx, e.conn)
	}

	type eviction struct {
		e      *entry
		reason string
	}
	var evicted []eviction

	p.mu.Lock()
	now := p.now()
	for _, e := range pending {
		key := e.zone.Key()
		if p.entries[key] != e {
			continue
		}
		e.lastCheck = now
		p.markLocked(e, results[e], now)

		reason := ""
		switch {
		case p.active != nil && p.activeServer.Zone == e.zone:
			reason = ReasonActive
		case !e.healthy && now.Sub(e.unhealthySince) > p.opts.UnhealthyTTL:
			reason = ReasonTTL
		case p.opts.EvictionRadius > 0 && p.opts.Grid.DistanceToZone(pos, e.zone) > p.opts.EvictionRadius:
			reason = ReasonDistance
		}
		if reason != "" {
			delete(p.entries, key)
			evicted = append(evicted, eviction{e: e, reason: reason})
		}
	}
	snap := p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	for _, ev := range evicted {
		p.logger.Printf("evicted zone %s (%s)", ev.e.zone, ev.reason)
		p.opts.Metrics.Evicted(ev.reason)
		p.closeConn(ev.e.conn, ev.e.zone)
	}
}

// Activate makes c the active connection for server. The superseded active
// connection and any pre-established twin for the same zone are closed.
func (p *Pool) Activate(server protocol.ServerDescriptor, c *conn.Connection) {
	p.mu.Lock()
	old := p.active
	p.active = c
	p.activeServer = server
	p.activeSince = p.now()
	twin, hasTwin := p.entries[server.Zone.Key()]
	if hasTwin {
		delete(p.entries, server.Zone.Key())
	}
	snap := p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	if old != nil && old != c {
		p.closeConn(old, server.Zone)
	}
	if hasTwin && twin.conn != c {
		p.opts.Metrics.Evicted(ReasonActive)
		p.closeConn(twin.conn, server.Zone)
	}
}

// Release detaches and closes the active connection.
func (p *Pool) Release() {
	p.mu.Lock()
	old := p.active
	server := p.activeServer
	p.active = nil
	p.activeServer = protocol.ServerDescriptor{}
	p.mu.Unlock()
	p.closeConn(old, server.Zone)
}

// Active returns the active connection and the server it belongs to.
func (p *Pool) Active() (*conn.Connection, protocol.ServerDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.activeServer, p.active != nil
}

// ActiveSince reports when the current active connection was activated.
func (p *Pool) ActiveSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeSince
}

// Zones lists the zones with an entry, in key order.
func (p *Pool) Zones() []zone.Coord {
	p.mu.Lock()
	out := make([]zone.Coord, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.zone)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// Run sweeps every interval until ctx is done. pos supplies the current
// player position.
func (p *Pool) Run(ctx context.Context, interval time.Duration, pos func() zone.Point) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthSweep(ctx, pos())
		}
	}
}

// Close tears down every connection. The pool accepts no new entries
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	active := p.active
	server := p.activeServer
	p.active = nil
	snap := p.publishLocked()
	p.mu.Unlock()
	p.emit(snap)

	for _, e := range entries {
		p.opts.Metrics.Evicted(ReasonClosed)
		p.closeConn(e.conn, e.zone)
	}
	p.closeConn(active, server.Zone)
}
