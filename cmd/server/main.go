package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/config"
	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/match"
	"github.com/fazenda/lol-matchmaking/internal/matchmaking"
	"github.com/fazenda/lol-matchmaking/internal/ownership"
	"github.com/fazenda/lol-matchmaking/internal/session"
	"github.com/fazenda/lol-matchmaking/internal/store"
	"github.com/fazenda/lol-matchmaking/internal/web"
)

func main() {
	log := logrus.New()

	cfgPath := os.Getenv("CUSTOMGAME_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	instanceID := "backend-" + uuid.New().String()[:8]
	log.WithField("instance", instanceID).Info("starting matchmaking server")

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Redis backs the session registry, the event bus, and lease hints
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("Redis unreachable at startup; components will keep retrying")
	}
	pingCancel()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New(rdb, db, log, instanceID)
	registry := session.NewRegistry(rdb, log, instanceID)
	owners := ownership.New(db, rdb, log, instanceID, cfg.OwnershipHeartbeat(), cfg.OwnershipStaleCutoff())

	builder := matchmaking.NewBuilder(cfg.Queue.MatchSize, cfg.Queue.MaxMMRDelta, matchmaking.Weights{
		MMR:      cfg.Queue.WeightMMR,
		Autofill: cfg.Queue.WeightAutofill,
		Primary:  cfg.Queue.WeightPrimary,
	})
	queue := matchmaking.NewQueue(db, events, builder, log, cfg.Queue.MatchSize, cfg.AcceptanceTimeout())

	matches := match.NewService(cfg, db, events, registry, owners, queue, log)
	hub := gateway.NewHub(registry, events, matches, log, instanceID)
	matches.SetHub(hub)

	notifier := match.NewNotifier(db, hub, log)
	notifier.Register(events)

	if err := matches.Start(ctx); err != nil {
		log.Fatalf("Failed to start match service: %v", err)
	}

	go func() {
		if err := events.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("event bus stopped")
			cancel()
		}
	}()
	go queue.Run(ctx)
	go hub.RunHeartbeats(ctx)

	server := web.NewServer(hub, queue, matches, registry, log, web.Config{
		BearerToken: cfg.BearerToken,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler: server,
	}

	// Handle shutdown signals
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		log.Info("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("HTTP server shutdown error")
		}
	}()

	log.WithField("addr", httpServer.Addr).Info("HTTP server listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}

	log.Info("Server stopped")
}
