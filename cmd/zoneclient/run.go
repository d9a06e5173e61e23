package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"zoneclient/internal/config"
	"zoneclient/internal/metrics"
	"zoneclient/internal/session"
)

type runOptions struct {
	configPath string
	playerID   string
	name       string
	directory  string
	transport  string
	listen     string
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the world and follow the player across zones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "JSON or YAML configuration file")
	cmd.Flags().StringVar(&opts.playerID, "player", "", "player id (random when empty)")
	cmd.Flags().StringVar(&opts.name, "name", "", "player display name")
	cmd.Flags().StringVar(&opts.directory, "directory", "", "directory base URL")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "zone server transport (ws, http, grpc)")
	cmd.Flags().StringVar(&opts.listen, "metrics-listen", "", "serve Prometheus metrics on this address")

	return cmd
}

func loadConfig(opts runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.playerID != "" {
		cfg.Player.ID = opts.playerID
	}
	if opts.name != "" {
		cfg.Player.Name = opts.name
	}
	if opts.directory != "" {
		cfg.Directory.BaseURL = opts.directory
	}
	if opts.transport != "" {
		cfg.Transport.Kind = opts.transport
	}
	if opts.listen != "" {
		cfg.Metrics.Listen = opts.listen
	}
	if cfg.Player.ID == "" {
		cfg.Player.ID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func runSession(parent context.Context, opts runOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signalContext(parent)
	defer cancel()

	logger := log.New(log.Writer(), "zoneclient ", log.LstdFlags|log.Lmicroseconds)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.Metrics.Namespace)

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Printf("metrics listening on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := session.New(cfg, session.Deps{Metrics: m})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("start session: %w", err)
	}
	logger.Printf("player %s (%s) started via %s", cfg.Player.ID, cfg.Player.Name, cfg.Transport.Kind)

	go reportEvents(logger, s.Events())

	<-ctx.Done()
	logger.Printf("shutting down")
	return s.Close()
}

// reportEvents logs every event except world states, which are summarised
// once per second.
func reportEvents(logger *log.Logger, events <-chan session.Event) {
	var states int
	var entities int
	last := time.Now()
	for ev := range events {
		switch ev.Kind {
		case session.WorldStateUpdated:
			states++
			entities = len(ev.State.Entities)
			if time.Since(last) >= time.Second {
				logger.Printf("world: %d states/s, %d entities, seq %d", states, entities, ev.State.SequenceNumber)
				states = 0
				last = time.Now()
			}
		case session.ServerChanged:
			logger.Printf("server changed: %s zone %s (%s)", ev.Server.ServerID, ev.Server.Zone, ev.Server.Addr())
		case session.AvailableZonesUpdated:
			logger.Printf("available zones: %v", ev.Zones)
		case session.PreEstablishedConnectionsChanged:
			for key, st := range ev.Connections {
				logger.Printf("pre-established %s: %s via %s", key, st.Status, st.ServerID)
			}
		}
	}
}
