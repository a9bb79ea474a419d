package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudflair/warden/internal/agent"
	"github.com/cloudflair/warden/internal/config"
	"github.com/cloudflair/warden/internal/executor"
	"github.com/cloudflair/warden/internal/ledger"
	"github.com/cloudflair/warden/internal/queue"
	"github.com/cloudflair/warden/internal/server"
	"github.com/cloudflair/warden/internal/storage"
)

func main() {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		configPath = "agents.config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", configPath, err)
	}

	// Environment overrides for deployment knobs.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if dir := os.Getenv("WARDEN_DATA_DIR"); dir != "" {
		cfg.Server.DataDir = dir
	}
	if secret := os.Getenv("WARDEN_ADMIN_SECRET"); secret != "" {
		cfg.Server.AdminSecret = secret
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}
	db, err := storage.NewDB(cfg.Server.DataDir + "/warden.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	registry := config.NewRegistry(cfg)
	verifier := agent.NewVerifier(registry)
	verifier.Window = cfg.Server.TimestampWindow()
	if cfg.Server.ReplayCache {
		// A future-dated timestamp stays verifiable for up to two windows
		// after it is first seen; retain signatures that long.
		verifier.Replays = agent.NewReplayCache(2 * cfg.Server.TimestampWindow())
	}

	hub := server.NewEventHub()

	// Change execution: flag mutations apply locally, content proposals post
	// to the content service, everything else acknowledges.
	router := &executor.ChangeRouter{
		Flags:   &executor.FlagApplier{DB: db},
		Content: executor.NewWebhook(cfg.Server.ContentWebhookURL),
	}
	l := ledger.New(db, router, hub.Publish)

	// Task handlers.
	handlers := executor.NewRegistry()
	handlers.Register("noop", executor.Noop)
	handlers.Register("content_generation", executor.NewWebhook(cfg.Server.ContentWebhookURL).Handler())
	handlers.Register("email_send", executor.NewWebhook(cfg.Server.EmailWebhookURL).Handler())
	handlers.Register("newsletter_sync", executor.NewWebhook(cfg.Server.NewsletterWebhookURL).Handler())
	handlers.Register("analytics_snapshot", executor.SnapshotHandler(db))

	q := queue.New(db, handlers, queue.Options{
		MaxAttempts:    cfg.Server.MaxAttempts,
		HandlerTimeout: cfg.Server.HandlerTimeout(),
		Notify:         hub.Publish,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(db, cfg.Server, registry, verifier, l, q, hub)
	srv.StartWorkers(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	fmt.Printf("Warden running on http://localhost:%s (%d agents registered)\n",
		cfg.Server.Port, len(cfg.Agents))
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, srv))
}
