package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zoneclient/internal/conn"
	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
	"zoneclient/internal/zonetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	network *zonetest.Network
	clock   *fakeClock
	pool    *Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	network := zonetest.NewNetwork()
	clock := newFakeClock()
	dialer := &conn.Dialer{Dial: network.Dial, CallTimeout: time.Second, ManifestAttempts: 1}
	p := New(dialer, Options{
		Grid:           zone.NewGrid(500),
		UnhealthyTTL:   60 * time.Second,
		EvictionRadius: 300,
		Now:            clock.Now,
	})
	t.Cleanup(p.Close)
	return &fixture{network: network, clock: clock, pool: p}
}

func TestPreEstablishHealthy(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-0", 9100, zone.Coord{X: 1})

	require.NoError(t, f.pool.PreEstablish(context.Background(), zone.Coord{X: 1}, srv.Descriptor))

	snap := f.pool.Snapshot()
	require.Contains(t, snap, "1,0")
	assert.Equal(t, StatusHealthy, snap["1,0"].Status)
	assert.Equal(t, "zone-1-0", snap["1,0"].ServerID)
	assert.NotNil(t, f.pool.Neighbor(zone.Coord{X: 1}))
}

func TestPreEstablishAtMostOneEntryPerZone(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-0", 9101, zone.Coord{X: 1})
	ctx := context.Background()

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, srv.Descriptor))
	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, srv.Descriptor))

	assert.Equal(t, 1, f.network.Dials(srv.Descriptor.Addr()))
	assert.Len(t, f.pool.Snapshot(), 1)
}

func TestPreEstablishConcurrentCallsDialOnce(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-1", 9102, zone.Coord{X: 1, Y: 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.pool.PreEstablish(context.Background(), zone.Coord{X: 1, Y: 1}, srv.Descriptor)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.network.Dials(srv.Descriptor.Addr()))
	assert.Len(t, f.pool.Snapshot(), 1)
}

func TestPreEstablishSkipsActiveZone(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-0-0", 9103, zone.Coord{})
	ctx := context.Background()

	c, err := f.pool.Connect(ctx, srv.Descriptor)
	require.NoError(t, err)
	f.pool.Activate(srv.Descriptor, c)

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{}, srv.Descriptor))
	assert.Empty(t, f.pool.Snapshot())
	assert.Equal(t, 1, f.network.Dials(srv.Descriptor.Addr()))
}

func TestFailedPreEstablishKeptUnhealthy(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-2-0", 9104, zone.Coord{X: 2})
	f.network.Refuse(srv.Descriptor.Addr(), true)
	ctx := context.Background()

	err := f.pool.PreEstablish(ctx, zone.Coord{X: 2}, srv.Descriptor)
	require.Error(t, err)
	assert.True(t, conn.IsKind(err, conn.KindConnection))

	snap := f.pool.Snapshot()
	require.Contains(t, snap, "2,0")
	assert.Equal(t, StatusUnhealthy, snap["2,0"].Status)

	// A second request inside the grace period does not redial.
	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 2}, srv.Descriptor))
	assert.Equal(t, 1, f.network.Dials(srv.Descriptor.Addr()))
	assert.Nil(t, f.pool.Promote(zone.Coord{X: 2}))
}

func TestPromoteHealthyOnly(t *testing.T) {
	f := newFixture(t)
	healthy := f.network.AddServer("zone-1-0", 9105, zone.Coord{X: 1})
	sick := f.network.AddServer("zone-0-1", 9106, zone.Coord{Y: 1})
	ctx := context.Background()

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, healthy.Descriptor))
	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{Y: 1}, sick.Descriptor))
	sick.SetDown(true)
	f.pool.HealthSweep(ctx, zone.Point{X: 499, Y: 499})

	assert.Nil(t, f.pool.Promote(zone.Coord{Y: 1}))
	c := f.pool.Promote(zone.Coord{X: 1})
	require.NotNil(t, c)
	assert.Equal(t, zone.Coord{X: 1}, c.Zone())
	assert.NotContains(t, f.pool.Snapshot(), "1,0")
	assert.Nil(t, f.pool.Promote(zone.Coord{X: 1}))
	assert.Nil(t, f.pool.Promote(zone.Coord{X: 5}))
}

func TestEvictionAfterUnhealthyTTL(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-0", 9107, zone.Coord{X: 1})
	ctx := context.Background()
	pos := zone.Point{X: 450, Y: 250}

	var mu sync.Mutex
	var last map[string]EntryStatus
	f.pool.OnChange(func(snap map[string]EntryStatus) {
		mu.Lock()
		last = snap
		mu.Unlock()
	})

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, srv.Descriptor))
	srv.SetDown(true)

	for elapsed := 0; elapsed <= 60; elapsed += 5 {
		f.pool.HealthSweep(ctx, pos)
		require.Contains(t, f.pool.Snapshot(), "1,0", "evicted early at %ds", elapsed)
		f.clock.Advance(5 * time.Second)
	}
	f.clock.Advance(time.Second)
	f.pool.HealthSweep(ctx, pos)

	assert.NotContains(t, f.pool.Snapshot(), "1,0")
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, last, "1,0")
}

func TestRecoveryResetsUnhealthyClock(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-0", 9108, zone.Coord{X: 1})
	ctx := context.Background()
	pos := zone.Point{X: 450, Y: 250}

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, srv.Descriptor))
	srv.SetDown(true)
	f.pool.HealthSweep(ctx, pos)
	f.clock.Advance(50 * time.Second)
	srv.SetDown(false)
	f.pool.HealthSweep(ctx, pos)
	srv.SetDown(true)
	f.clock.Advance(20 * time.Second)
	f.pool.HealthSweep(ctx, pos)

	snap := f.pool.Snapshot()
	require.Contains(t, snap, "1,0")
	assert.Equal(t, StatusUnhealthy, snap["1,0"].Status)
	assert.Equal(t, 1, snap["1,0"].Failures)
}

func TestSweepEvictsDistantZones(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-0", 9109, zone.Coord{X: 1})
	ctx := context.Background()

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, srv.Descriptor))
	f.pool.HealthSweep(ctx, zone.Point{X: 300, Y: 10})
	assert.Contains(t, f.pool.Snapshot(), "1,0")

	f.pool.HealthSweep(ctx, zone.Point{X: -100, Y: 10})
	assert.NotContains(t, f.pool.Snapshot(), "1,0")
}

func TestActivateDropsTwinAndClosesSuperseded(t *testing.T) {
	f := newFixture(t)
	origin := f.network.AddServer("zone-0-0", 9110, zone.Coord{})
	east := f.network.AddServer("zone-1-0", 9111, zone.Coord{X: 1})
	ctx := context.Background()

	first, err := f.pool.Connect(ctx, origin.Descriptor)
	require.NoError(t, err)
	f.pool.Activate(origin.Descriptor, first)

	require.NoError(t, f.pool.PreEstablish(ctx, zone.Coord{X: 1}, east.Descriptor))
	fresh, err := f.pool.Connect(ctx, east.Descriptor)
	require.NoError(t, err)
	f.pool.Activate(east.Descriptor, fresh)

	active, server, ok := f.pool.Active()
	require.True(t, ok)
	assert.Same(t, fresh, active)
	assert.Equal(t, "zone-1-0", server.ServerID)
	assert.Empty(t, f.pool.Snapshot())
	assert.Equal(t, conn.Disconnected, first.State())
	assert.Equal(t, f.clock.Now(), f.pool.ActiveSince())
}

func TestReleaseClosesActive(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-0-0", 9112, zone.Coord{})

	c, err := f.pool.Connect(context.Background(), srv.Descriptor)
	require.NoError(t, err)
	f.pool.Activate(srv.Descriptor, c)
	f.pool.Release()

	_, _, ok := f.pool.Active()
	assert.False(t, ok)
	assert.Equal(t, conn.Disconnected, c.State())
}

func TestEvictAndZones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, z := range []zone.Coord{{X: 1}, {Y: 1}, {X: -1, Y: -1}} {
		srv := f.network.AddServer(z.Key(), 9120+i, z)
		require.NoError(t, f.pool.PreEstablish(ctx, z, srv.Descriptor))
	}
	assert.Equal(t, []zone.Coord{{X: -1, Y: -1}, {X: 1}, {Y: 1}}, f.pool.Zones())

	c := f.pool.Neighbor(zone.Coord{Y: 1})
	require.NotNil(t, c)
	f.pool.Evict(zone.Coord{Y: 1})
	assert.Nil(t, f.pool.Neighbor(zone.Coord{Y: 1}))
	assert.Equal(t, conn.Disconnected, c.State())
	f.pool.Evict(zone.Coord{Y: 1})
}

func TestCloseRejectsNewEntries(t *testing.T) {
	f := newFixture(t)
	srv := f.network.AddServer("zone-1-0", 9130, zone.Coord{X: 1})
	f.pool.Close()

	require.NoError(t, f.pool.PreEstablish(context.Background(), zone.Coord{X: 1}, srv.Descriptor))
	assert.Empty(t, f.pool.Snapshot())
	assert.Zero(t, f.network.TotalDials())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx, time.Millisecond, func() zone.Point { return zone.Point{} })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

var _ Connector = (*conn.Dialer)(nil)

func descriptor(id string, port int, z zone.Coord) protocol.ServerDescriptor {
	return protocol.ServerDescriptor{ServerID: id, Host: "127.0.0.1", Port: port, Zone: z}
}

func TestPreEstablishUnknownHost(t *testing.T) {
	f := newFixture(t)
	err := f.pool.PreEstablish(context.Background(), zone.Coord{X: 3}, descriptor("ghost", 9199, zone.Coord{X: 3}))
	require.Error(t, err)
	assert.Equal(t, StatusUnhealthy, f.pool.Snapshot()["3,0"].Status)
}
