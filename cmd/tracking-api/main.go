package main

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mrcall/website-telemetry/internal/config"
	"github.com/mrcall/website-telemetry/internal/logging"
	"github.com/mrcall/website-telemetry/internal/quota"
	"github.com/mrcall/website-telemetry/internal/ratelimit"
	"github.com/mrcall/website-telemetry/internal/storage/postgres"
	transport "github.com/mrcall/website-telemetry/internal/transport/http"
)

func main() {
	cfg := config.Parse()
	logger := logging.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	now := func() time.Time { return time.Now().UTC() }

	// The database is allowed to be unreachable at startup. Every endpoint
	// degrades per its own policy instead of the process refusing to boot.
	db := postgres.Open(ctx, cfg.DB)
	defer db.Close()
	if err := db.Ready(ctx); err != nil {
		logger.Warn("tracking db not reachable, continuing degraded", "error", err)
	} else {
		logger.Info("tracking db connected")
		mig := filepath.Join(cfg.MigrationsDir, "0001_init.sql")
		if err := db.RunMigration(ctx, mig); err != nil {
			logger.Warn("migration not applied", "error", err, "path", mig)
		}
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)
	limiter.StartJanitor(ctx, 2*time.Minute)

	deps := &transport.ServerDeps{
		Cfg:     cfg,
		Store:   db,
		Diag:    db,
		Quota:   quota.NewService(db, now),
		Limiter: limiter,
		Logger:  logger,
		Now:     now,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("stopped")
}
