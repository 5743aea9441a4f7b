// Robogate — a request fan-out gateway that turns one trading request into
// per-account orders and publishes each account's order payload under a
// short-lived opaque credential in a keyed TTL store.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	dispatch/dispatch.go — fan-out: request row → per-account order rows → payload publish per account
//	watchdog/watchdog.go — reconciliation loop: re-emits lost credentials, rotates near-expiry ones
//	payload/payload.go   — payload codec: parse / build / upgrade the v2 order document
//	token/token.go       — credential minting: tok:<32-byte URL-safe random>
//	kvstore/kvstore.go   — Redis client behind the narrow TTL-store contract
//	repository/          — relational store: requests, orders, bindings, credential keys, audit log
//	notify/notify.go     — optional webhook delivery of dispatch outcomes
//	api/                 — HTTP/WebSocket surface: dispatch endpoint, payload read, event stream
//
// A consumer holding an opaque token reads its current order list from the
// TTL store (directly or via GET /api/payload) and never touches the
// relational database. The watchdog keeps credentials alive, rotating each
// one before expiry with a short grace overlap so a consumer mid-request
// still reads identical content under the outgoing key.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"robogate/internal/api"
	"robogate/internal/config"
	"robogate/internal/dispatch"
	"robogate/internal/kvstore"
	"robogate/internal/notify"
	"robogate/internal/repository"
	"robogate/internal/token"
	"robogate/internal/watchdog"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GATE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	repo, err := repository.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	store, err := kvstore.New(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	minter := token.NewMinter(cfg.Token.Namespace)
	notifier := notify.New(cfg.Notify, logger)

	var dispatchNotifier dispatch.Notifier
	if notifier != nil {
		dispatchNotifier = notifier
	}
	dispatcher := dispatch.New(repo, store, minter, cfg.Token.TTL, dispatchNotifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var events <-chan watchdog.Event
	if cfg.Watchdog.Enabled {
		wd := watchdog.New(repo, store, minter, cfg.Watchdog, cfg.Token.TTL, logger)
		events = wd.Events()
		wg.Add(1)
		go func() {
			defer wg.Done()
			wd.Run(ctx)
		}()
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, dispatcher, store, minter, events, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	logger.Info("robogate started",
		"token_ttl", cfg.Token.TTL,
		"watchdog", cfg.Watchdog.Enabled,
		"interval", cfg.Watchdog.Interval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	cancel()
	wg.Wait()
	logger.Info("robogate stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
