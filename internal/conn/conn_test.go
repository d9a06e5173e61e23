package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"zoneclient/internal/protocol"
	"zoneclient/internal/transport"
	"zoneclient/internal/zone"
	"zoneclient/internal/zonetest"
)

func newTestDialer(network *zonetest.Network) (*Dialer, *[]time.Duration) {
	var waits []time.Duration
	d := &Dialer{
		Dial:              network.Dial,
		ManifestAttempts:  10,
		ManifestRetryStep: 300 * time.Millisecond,
		CallTimeout:       time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}
	return d, &waits
}

func TestConnectResolvesHandle(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9000, zone.Coord{})
	srv.SetZones(zone.Coord{}, zone.Coord{X: 1})

	d, waits := newTestDialer(network)
	c, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if c.State() != Connected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no retries, got %v", *waits)
	}
	if zones := c.Zones(); len(zones) != 2 || zones[1] != (zone.Coord{X: 1}) {
		t.Fatalf("unexpected zones %v", zones)
	}
	if c.Zone() != (zone.Coord{}) {
		t.Fatalf("unexpected zone %s", c.Zone())
	}
}

func TestConnectRetriesManifestWithLinearBackoff(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-1-0", 9001, zone.Coord{X: 1})
	srv.SetNotReady(3)

	d, waits := newTestDialer(network)
	c, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	want := []time.Duration{300 * time.Millisecond, 600 * time.Millisecond, 900 * time.Millisecond}
	if len(*waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), *waits)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Fatalf("wait %d: expected %s, got %s", i, want[i], (*waits)[i])
		}
	}
}

func TestConnectManifestExhausted(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-2-0", 9002, zone.Coord{X: 2})
	srv.SetNotReady(100)

	d, waits := newTestDialer(network)
	d.ManifestAttempts = 4
	_, err := d.Connect(context.Background(), srv.Descriptor)
	if !IsKind(err, KindManifestNotReady) {
		t.Fatalf("expected manifest not ready, got %v", err)
	}
	if len(*waits) != 3 {
		t.Fatalf("expected 3 waits between 4 attempts, got %d", len(*waits))
	}
	if got := srv.Calls(protocol.MethodGetAvailableZones); got != 4 {
		t.Fatalf("expected 4 resolve calls, got %d", got)
	}
}

func TestConnectOtherErrorsAreNotRetried(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-1", 9003, zone.Coord{Y: 1})
	srv.SetDown(true)

	d, waits := newTestDialer(network)
	_, err := d.Connect(context.Background(), srv.Descriptor)
	if !IsKind(err, KindConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no retries, got %v", *waits)
	}
}

func TestConnectRefused(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9004, zone.Coord{})
	network.Refuse(srv.Descriptor.Addr(), true)

	d, _ := newTestDialer(network)
	_, err := d.Connect(context.Background(), srv.Descriptor)
	if !IsKind(err, KindConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Server != "zone-0-0" {
		t.Fatalf("expected error to name the server, got %v", err)
	}
}

func TestJoinRejectedIsProtocolError(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9005, zone.Coord{})
	srv.RejectJoins("zone full")

	d, _ := newTestDialer(network)
	c, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	err = c.Join(context.Background(), "p1")
	if !IsKind(err, KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if c.LastError() == nil {
		t.Fatal("expected last error to be recorded")
	}
}

func TestTypedCalls(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9006, zone.Coord{})
	srv.SetEntities(protocol.EntityState{ID: "p1", Type: "player", Position: zone.Point{X: 10, Y: 20}})
	srv.SetLocalEntities(protocol.EntityState{ID: "npc", Type: "npc"})

	d, _ := newTestDialer(network)
	c, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Join(ctx, "p1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !srv.Joined("p1") {
		t.Fatal("expected server to record the join")
	}
	input := protocol.Input{MoveDir: zone.Point{X: 1}, Actions: protocol.ActionFire}
	if err := c.UpdateInput(ctx, "p1", input); err != nil {
		t.Fatalf("update input: %v", err)
	}
	if inputs := srv.Inputs(); len(inputs) != 1 || !inputs[0].Actions.Has(protocol.ActionFire) {
		t.Fatalf("unexpected inputs %+v", inputs)
	}

	state, err := c.WorldState(ctx)
	if err != nil {
		t.Fatalf("world state: %v", err)
	}
	if _, ok := state.Entity("p1"); !ok || state.SequenceNumber != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
	local, err := c.LocalWorldState(ctx)
	if err != nil {
		t.Fatalf("local world state: %v", err)
	}
	if len(local.Entities) != 1 || local.Entities[0].ID != "npc" {
		t.Fatalf("unexpected local state %+v", local)
	}

	if err := c.Leave(ctx, "p1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if srv.Joined("p1") {
		t.Fatal("expected leave to clear the join")
	}
}

func TestTimeoutKind(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9007, zone.Coord{})

	d, _ := newTestDialer(network)
	d.CallTimeout = 20 * time.Millisecond
	c, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	srv.SetDelay(200 * time.Millisecond)
	_, err = c.WorldState(context.Background())
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.TestHealth(context.Background()) {
		t.Fatal("expected slow server to be unhealthy")
	}
}

func TestHealthAndClose(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9008, zone.Coord{})

	d, _ := newTestDialer(network)
	c, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.TestHealth(context.Background()) {
		t.Fatal("expected healthy connection")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	_, err = c.WorldState(context.Background())
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

type stuckCaller struct{ release chan struct{} }

func (s *stuckCaller) Call(ctx context.Context, method string, args, reply any) error { return nil }

func (s *stuckCaller) Close() error {
	<-s.release
	return nil
}

func TestCloseIsBounded(t *testing.T) {
	stuck := &stuckCaller{release: make(chan struct{})}
	defer close(stuck.release)

	d := &Dialer{
		Dial: func(ctx context.Context, addr string, opts transport.Options) (transport.Caller, error) {
			return stuck, nil
		},
		CloseTimeout: 30 * time.Millisecond,
	}
	c, err := d.Connect(context.Background(), protocol.ServerDescriptor{ServerID: "stuck", Host: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	err = c.Close()
	if !IsKind(err, KindDisposal) {
		t.Fatalf("expected disposal error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close blocked for %s", elapsed)
	}
}

func TestEpochsAreUnique(t *testing.T) {
	network := zonetest.NewNetwork()
	srv := network.AddServer("zone-0-0", 9009, zone.Coord{})
	d, _ := newTestDialer(network)

	a, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	b, err := d.Connect(context.Background(), srv.Descriptor)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.Epoch() == b.Epoch() {
		t.Fatalf("expected distinct epochs, both %d", a.Epoch())
	}
}
