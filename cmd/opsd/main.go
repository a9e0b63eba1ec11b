// Command opsd is the governance control-plane daemon: it serves the
// authenticated HTTP surface, applies governance commands, brokers
// external provider calls, and emits alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsplane/internal/alerts"
	"opsplane/internal/config"
	"opsplane/internal/events"
	"opsplane/internal/extbroker"
	"opsplane/internal/gov"
	"opsplane/internal/logging"
	"opsplane/internal/policy"
	"opsplane/internal/store"
)

func main() {
	os.Args = logging.Init(os.Args)

	var (
		addr   = flag.String("addr", config.EnvOrDefault("OPSPLANE_ADDR", ":8787"), "listen address")
		dbPath = flag.String("db", config.EnvOrDefault("OPSPLANE_DB", "data/opsplane.db"), "SQLite database path")
		dsn    = flag.String("dsn", config.EnvOrDefault("OPSPLANE_DSN", ""), "database DSN (postgres:// for PostgreSQL; overrides -db)")
	)
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Preflight(); err != nil {
		slog.Error("preflight failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(store.Config{DBPath: *dbPath, DSN: *dsn})
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	groups, err := policy.LoadRegistry(cfg.PolicyFile)
	if err != nil {
		slog.Error("load policy file", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	engine := gov.New(st, groups, bus, cfg.Strict)
	broker := extbroker.New(extbroker.Config{
		HMACSecret:      cfg.ExtHMACSecret,
		MaxPending:      cfg.ExtMaxPending,
		RateLimits:      cfg.ExtRateLimits,
		DailyQuotas:     cfg.ExtDailyQuotas,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
	}, st, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alertEngine := alerts.New(alerts.Config{
		WorkerOfflineGrace: cfg.WorkerOfflineGrace,
		DispatchFailThresh: cfg.DispatchFailThresh,
		DispatchFailWindow: cfg.DispatchFailWindow,
		DedupWindow:        cfg.AlertDedupWindow,
	}, bus, alerts.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	go alertEngine.Run(ctx)
	go broker.RunSweeper(ctx, time.Hour, cfg.ExtCallMaxAge)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServer(cfg, engine, broker).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("opsd listening", "addr", *addr, "strict", cfg.Strict)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}
