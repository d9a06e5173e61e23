package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"zoneclient/internal/directory"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "directory.yml", "configuration file for the zone directory")
	flag.Parse()

	cfg, err := directory.LoadServerConfig(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := directory.WriteDefaultServerConfig(configPath); err != nil {
				log.Fatalf("write default config: %v", err)
			}
			log.Printf("no configuration found, default configuration written to %s", configPath)
			cfg, err = directory.LoadServerConfig(configPath)
		}
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := directory.NewServer(cfg).Run(ctx); err != nil {
		log.Fatalf("directory exited: %v", err)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
