package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/groenwerk/fieldsync/internal/api"
	"github.com/groenwerk/fieldsync/internal/backoff"
	"github.com/groenwerk/fieldsync/internal/config"
	"github.com/groenwerk/fieldsync/internal/engine"
	"github.com/groenwerk/fieldsync/internal/metrics"
	"github.com/groenwerk/fieldsync/internal/netmon"
	"github.com/groenwerk/fieldsync/internal/ratelimiter"
	"github.com/groenwerk/fieldsync/internal/store"
	"github.com/groenwerk/fieldsync/internal/uploader"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- queue store ----
	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Fatal("failed to open queue store", zap.Error(err))
	}
	defer st.Close()

	// ---- core dependencies ----
	// The engine is constructed explicitly here and handed to everything that
	// needs it; there is no lazily-initialized global instance.
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	policy := backoff.New(cfg.BackoffBase, cfg.BackoffMax)
	limiter := ratelimiter.New(cfg.UploadRate)

	var eng *engine.Engine
	mon := netmon.New(cfg.SettleDelay, func() {
		go func() {
			_ = eng.Sync(context.Background())
		}()
	}, logger)
	defer mon.Close()

	eng = engine.New(st, mon, policy, limiter, cfg.MaxRetries, logger, m.EngineHooks())
	if err := eng.Init(ctx); err != nil {
		logger.Fatal("failed to initialize queue engine", zap.Error(err))
	}

	// ---- upload handlers ----
	// Registrations are process-local; they must happen before the first
	// connectivity trigger can start a pass.
	up := uploader.New(cfg.UploadBaseURL, cfg.UploadTimeout, logger)
	eng.RegisterHandler(uploader.TypePhoto, up.UploadPhoto)
	eng.RegisterHandler(uploader.TypeTimeEntry, up.UploadTimeEntry)

	// ---- connectivity prober ----
	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()

	prober := netmon.NewProber(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout, mon, logger)
	go prober.Run(probeCtx)

	// ---- HTTP control surface ----
	router := api.NewRouter(eng, mon, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("agent control API starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting control requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop probing; pending reconnect triggers are cancelled by mon.Close.
	cancelProbe()

	// In-flight items persist as "uploading" and are recovered to "pending"
	// on the next start, so no drain step is required here.
	logger.Info("agent stopped cleanly")
}
