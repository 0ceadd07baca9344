package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depositd/config"
	"depositd/core/events"
	"depositd/core/pause"
	"depositd/deposit"
	"depositd/gateway"
	"depositd/gateway/middleware"
	"depositd/ledger"
	"depositd/observability/logging"
	"depositd/roles"
	"depositd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "depositd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Setup("depositd", "bootstrap").Error("failed to load configuration", "path", configPath, "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("depositd", cfg.Environment)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "path", configPath, "err", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	feeRecipient, err := deposit.ParseAddress(cfg.FeeRecipient)
	if err != nil {
		logger.Error("invalid fee recipient", "err", err)
		os.Exit(1)
	}

	registry := roles.NewRegistry()
	credentials := make(map[string]gateway.Credential, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		addr, err := deposit.ParseAddress(key.Address)
		if err != nil {
			logger.Error("invalid api key address", "key", key.Key, "err", err)
			os.Exit(1)
		}
		credentials[key.Key] = gateway.Credential{Secret: key.Secret, Address: addr}
		for _, role := range key.Roles {
			registry.Grant(role, addr)
		}
		logger.Info("api key registered",
			"key", key.Key,
			logging.MaskSecret("secret", key.Secret),
			"address", key.Address,
			"roles", key.Roles)
	}

	pauses := pause.NewSwitch()
	pauses.SetPaused(deposit.ModuleName, cfg.Paused)

	eventLog := events.NewLog(cfg.EventLogCapacity)

	book := ledger.NewBook()

	engine := deposit.NewEngine()
	engine.SetState(store)
	engine.SetLedger(book)
	engine.SetRoles(registry)
	engine.SetPauses(pauses)
	engine.SetEmitter(eventLog)
	engine.SetFeeRecipient(feeRecipient)
	engine.SetDisputeWindow(cfg.DisputeWindowSeconds)

	auth := gateway.NewAuthenticator(
		credentials,
		time.Duration(cfg.TimestampSkewSeconds)*time.Second,
		time.Duration(cfg.NonceTTLSeconds)*time.Second,
		nil,
	)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	queue := gateway.NewWebhookQueue(0, logger)
	worker := gateway.NewWebhookWorker(cfg.Webhooks, queue, store, logger)
	notifier := gateway.NewNotifier(eventLog, store, queue, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)
	go notifier.Run(ctx)

	server := gateway.NewServer(engine, store, auth, eventLog, limiter, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	logger.Info("gateway stopped")
}
