package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"zoneclient/internal/zone"
)

// Server is a development directory serving a static server list and an
// in-memory player table.
type Server struct {
	cfg     *ServerConfig
	index   *Index
	httpSrv *http.Server
	logger  *log.Logger
}

func NewServer(cfg *ServerConfig) *Server {
	index := NewIndex(zone.NewGrid(cfg.ZoneSize))
	index.Load(cfg.Servers)
	return &Server{
		cfg:    cfg,
		index:  index,
		logger: log.New(log.Writer(), "directory ", log.LstdFlags|log.Lmicroseconds),
	}
}

// Index exposes the server's player and zone table.
func (s *Server) Index() *Index {
	return s.index
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/action-servers", s.handleActionServers)
	r.Get("/lookup", s.handleLookup)
	r.Post("/players/register", s.handleRegister)
	r.Get("/players/{id}/server", s.handlePlayerServer)
	r.Put("/players/{id}/server", s.handleAssign)
	return r
}

func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.HTTPPort)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("HTTP server listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleActionServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.index.Servers())
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	xStr := q.Get("x")
	yStr := q.Get("y")
	if xStr == "" || yStr == "" {
		http.Error(w, "x and y query parameters required", http.StatusBadRequest)
		return
	}
	x, err := strconv.ParseFloat(xStr, 64)
	if err != nil {
		http.Error(w, "invalid x parameter", http.StatusBadRequest)
		return
	}
	y, err := strconv.ParseFloat(yStr, 64)
	if err != nil {
		http.Error(w, "invalid y parameter", http.StatusBadRequest)
		return
	}

	server, err := s.index.Lookup(zone.Point{X: x, Y: y})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, server)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		http.Error(w, "playerId required", http.StatusBadRequest)
		return
	}
	reg, err := s.index.Register(req.PlayerID, req.Name, s.cfg.Spawn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Printf("registered player %s on %s", req.PlayerID, reg.Server.ServerID)
	writeJSON(w, reg)
}

func (s *Server) handlePlayerServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.index.PlayerServer(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, server)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		http.Error(w, "serverId required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.index.Assign(id, req.ServerID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.logger.Printf("assigned player %s to %s", id, req.ServerID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
