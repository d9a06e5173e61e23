package directory

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

func newTestDirectory(t *testing.T) (*Server, *Client) {
	t.Helper()
	cfg := DefaultServerConfig()
	require.NoError(t, cfg.Validate())
	srv := NewServer(&cfg)
	srv.logger = log.New(io.Discard, "", 0)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, NewClient(ts.URL+"/", time.Second)
}

func TestRegisterAndLookup(t *testing.T) {
	_, client := newTestDirectory(t)
	ctx := context.Background()

	reg, err := client.Register(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "p1", reg.Player.PlayerID)
	assert.Equal(t, "zone-0-0", reg.Server.ServerID)
	assert.Equal(t, zone.Point{X: 250, Y: 250}, reg.Player.Position)

	server, err := client.PlayerServer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, reg.Server, server)

	servers, err := client.ActionServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 4)
	assert.Equal(t, zone.Coord{X: 1, Y: 1}, servers[3].Zone)
}

func TestPlayerServerNotFound(t *testing.T) {
	_, client := newTestDirectory(t)

	_, err := client.PlayerServer(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, http.StatusNotFound, derr.Status)
}

func TestAssignMovesPlayer(t *testing.T) {
	_, client := newTestDirectory(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "p1", "alice")
	require.NoError(t, err)
	require.NoError(t, client.Assign(ctx, "p1", "zone-1-0"))

	server, err := client.PlayerServer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, zone.Coord{X: 1}, server.Zone)

	err = client.Assign(ctx, "p1", "nowhere")
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, http.StatusBadRequest, derr.Status)
	assert.ErrorIs(t, client.Assign(ctx, "ghost", "zone-1-0"), ErrNotFound)
}

func TestUnreachableDirectory(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	client := NewClient(ts.URL, 200*time.Millisecond)

	_, err := client.ActionServers(context.Background())
	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Zero(t, derr.Status)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPlayerServerCollapsesConcurrentLookups(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, protocol.ServerDescriptor{ServerID: "zone-0-0", Host: "127.0.0.1", Port: 29000})
	}))
	defer ts.Close()
	client := NewClient(ts.URL, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server, err := client.PlayerServer(context.Background(), "p1")
			assert.NoError(t, err)
			assert.Equal(t, "zone-0-0", server.ServerID)
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestHandleLookup(t *testing.T) {
	srv, _ := newTestDirectory(t)
	handler := srv.Handler()

	cases := []struct {
		name   string
		query  string
		status int
	}{
		{name: "missing", query: "", status: http.StatusBadRequest},
		{name: "invalid x", query: "?x=foo&y=1", status: http.StatusBadRequest},
		{name: "invalid y", query: "?x=1&y=bar", status: http.StatusBadRequest},
		{name: "outside", query: "?x=-10&y=10", status: http.StatusNotFound},
		{name: "found", query: "?x=750&y=10", status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/lookup"+tc.query, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestDirectory(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestIndexPrefersPrimary(t *testing.T) {
	idx := NewIndex(zone.NewGrid(500))
	idx.Load([]protocol.ServerDescriptor{
		{ServerID: "backup", Host: "10.0.0.2", Port: 1, Zone: zone.Coord{}},
		{ServerID: "primary", Host: "10.0.0.1", Port: 1, Zone: zone.Coord{}, IsPrimary: true},
	})
	server, err := idx.Lookup(zone.Point{X: 10, Y: 10})
	require.NoError(t, err)
	assert.Equal(t, "primary", server.ServerID)

	_, err = idx.ServerForZone(zone.Coord{X: 4})
	assert.Error(t, err)
}

func TestIndexRegisterKeepsAssignment(t *testing.T) {
	idx := NewIndex(zone.NewGrid(500))
	idx.Load(DefaultServerConfig().Servers)

	_, err := idx.Register("p1", "alice", zone.Point{X: 10, Y: 10})
	require.NoError(t, err)
	require.NoError(t, idx.Assign("p1", "zone-1-1"))

	reg, err := idx.Register("p1", "", zone.Point{X: 10, Y: 10})
	require.NoError(t, err)
	assert.Equal(t, "zone-1-1", reg.Server.ServerID)
	assert.Equal(t, "alice", reg.Player.Name)

	idx.Forget("p1")
	_, err = idx.PlayerServer("p1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = idx.Register("p2", "bob", zone.Point{X: -1, Y: -1})
	assert.Error(t, err, "spawn outside every zone")
}

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "directory.yml")
	require.NoError(t, WriteDefaultServerConfig(path))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultServerConfig(), *cfg)

	custom := filepath.Join(dir, "custom.yml")
	data := []byte(`
http_port: 18080
servers:
  - server_id: a
    ip: 127.0.0.1
    port: 30000
    zone: {x: 2, y: -1}
    is_primary: true
`)
	require.NoError(t, os.WriteFile(custom, data, 0o644))
	cfg, err = LoadServerConfig(custom)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.HTTPPort)
	assert.Equal(t, "0.0.0.0", cfg.ListenAddress)
	assert.Equal(t, float64(zone.DefaultSize), cfg.ZoneSize)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, zone.Coord{X: 2, Y: -1}, cfg.Servers[0].Zone)
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{name: "empty", mutate: func(c *ServerConfig) { c.Servers = nil }},
		{name: "missing id", mutate: func(c *ServerConfig) { c.Servers[0].ServerID = "" }},
		{name: "duplicate id", mutate: func(c *ServerConfig) { c.Servers[1].ServerID = c.Servers[0].ServerID }},
		{name: "missing host", mutate: func(c *ServerConfig) { c.Servers[0].Host = "" }},
		{name: "bad port", mutate: func(c *ServerConfig) { c.Servers[0].Port = 70000 }},
		{name: "negative zone size", mutate: func(c *ServerConfig) { c.ZoneSize = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
