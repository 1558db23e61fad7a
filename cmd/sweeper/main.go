package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/config"
	"rollcall/internal/geo"
	"rollcall/internal/notify"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/store"
	"rollcall/internal/sweep"
	"rollcall/internal/token"
)

// Sweeper drives expired sessions through the engine's close
// transition on a fixed interval. It can run alongside any number of
// API instances: close is idempotent, so overlapping closers are safe.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var creds token.Store
	if cfg.CredBackend == "memory" {
		creds = token.NewMemory()
	} else {
		creds = token.NewRedis(redisClient.Client, "")
	}

	var notifier notify.Notifier
	if cfg.NotifyBackend == "memory" {
		notifier = notify.NewMemory()
	} else {
		notifier = notify.NewRedis(redisClient.Client, "")
	}

	sessions := session.NewPGStore(db.Client)
	engine := session.NewEngine(session.EngineConfig{
		Store:       sessions,
		Ledger:      session.NewPGLedger(db.Client),
		Roster:      roster.NewPG(db.Client),
		Credentials: token.NewRotator(creds, cfg.RotationTTL),
		Notifier:    notifier,
		GeoPolicy: geo.Policy{
			MaxAccuracyMeters:   cfg.GeoMaxAccuracyM,
			SpoofDistanceMeters: cfg.GeoSpoofDistanceM,
			SpoofAccuracyMeters: cfg.GeoSpoofAccuracyM,
		},
		ScanBaseURL: cfg.ScanBaseURL,
		MinOffset:   cfg.SessionMinOffset,
		MaxOffset:   cfg.SessionMaxOffset,
	})

	// Operational visibility: log the change feed this process and the
	// API instances produce.
	if events, err := notifier.Subscribe(ctx); err != nil {
		log.Printf("change feed unavailable: %v", err)
	} else {
		go func() {
			for evt := range events {
				log.Printf("change: course=%s session=%s cause=%s", evt.Course, evt.Session, evt.Cause)
			}
		}()
	}

	log.Printf("sweeper started, interval %s", cfg.SweepInterval)
	sweep.New(sessions, engine, cfg.SweepInterval, cfg.SweepBatch).Run(ctx)
	log.Println("sweeper stopped")
}
