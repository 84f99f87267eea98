// Command hqx-daemon is the unattended trading daemon: it keeps venue
// connections alive across restarts and network drops, and runs the
// per-session execution engines behind a local RPC/websocket surface.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/daemon"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/reconnect"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/server"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/session"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/strategy"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker/sim"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/config"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/crypto"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err = crypto.NewFromPassphrase(cfg.EncryptionKey)
		if err != nil {
			log.Fatalf("init credential encryption: %v", err)
		}
	} else {
		log.Printf("ENCRYPTION_KEY not set, credentials persisted unencrypted")
	}

	catalog, err := strategy.LoadCatalog(cfg.StrategiesPath)
	if err != nil {
		log.Fatalf("load strategy catalog: %v", err)
	}
	log.Printf("strategy catalog: %d preset(s), types %v", len(catalog.List()), strategy.Types())

	bus := events.NewBus()

	factory, feeds, err := venueStack(cfg)
	if err != nil {
		log.Fatalf("venue stack: %v", err)
	}
	d := daemon.New(store, enc, bus, factory, daemon.Config{
		PersistInterval:     cfg.PersistInterval,
		RestoreAttempts:     cfg.RestoreAttempts,
		RestoreRetryDelay:   cfg.RestoreRetryDelay,
		VenueCallsPerMinute: cfg.VenueCallsPerMinute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restored, err := d.Restore(ctx)
	if err != nil {
		log.Printf("restore persisted connections: %v", err)
	} else if restored > 0 {
		log.Printf("restored %d venue connection(s)", restored)
	}
	d.Run(ctx)

	rec := reconnect.New(d, reconnect.Policy{
		MinInterval:   cfg.ReconnectMinInterval,
		MaxPerDay:     cfg.ReconnectMaxPerDay,
		SweepInterval: cfg.HealthInterval,
	})
	rec.Run(ctx)

	sessions := session.NewRegistry(cfg.JWTSecret, cfg.SessionTTL, cfg.SessionSweep)
	sessions.Run(ctx)

	srv := server.New(ctx, cfg, d, rec, sessions, catalog, bus, feeds)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	// Stop sessions first so every engine flattens while its connection is
	// still up, then persist a final daemon snapshot.
	sessions.Stop(shutdownCtx)
	rec.Stop()
	d.Stop()
	cancel()
	log.Printf("shutdown complete")
}

// venueStack picks the venue integration. Live handle and feed
// implementations register themselves here when built in; until one does,
// only dry-run mode is allowed to start, so nobody mistakes simulated fills
// for real ones.
func venueStack(cfg *config.Config) (broker.HandleFactory, broker.FeedFactory, error) {
	if !cfg.DryRun {
		return nil, nil, errors.New("no live venue integration is built in; set DRY_RUN=true to run against the simulator")
	}
	log.Printf("dry-run mode: all venue traffic goes to the simulator")
	factory := sim.NewFactory(
		broker.Account{ID: "SIM-001", Name: "Simulated", Type: "demo", Active: true},
	)
	feeds := func() broker.TickFeed { return sim.NewFeed() }
	return factory, feeds, nil
}
