package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arencloud/hermes-upload/internal/api"
	"github.com/arencloud/hermes-upload/internal/capacity"
	"github.com/arencloud/hermes-upload/internal/config"
	"github.com/arencloud/hermes-upload/internal/db"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/s3"
	"github.com/arencloud/hermes-upload/internal/vault"
	"github.com/arencloud/hermes-upload/internal/version"
)

func main() {
	cfg := config.Load()
	zl := logging.NewZap(cfg.Env)
	defer func() { _ = zl.Sync() }()
	logger := logging.FromZap(zl)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "error", err.Error())
	}
	masterKey, _ := cfg.MasterKeyBytes()
	v, err := vault.New(masterKey, vault.WithCapabilityTTL(cfg.CapabilityTTL))
	if err != nil {
		logger.Fatal("failed to init vault", "error", err.Error())
	}

	gdb, err := db.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to init db", "error", err.Error())
	}

	dialer := s3.NewFactory(v, cfg.StorageTimeout, cfg.PresignTTL, cfg.DownloadURLTTL, logger)
	reg := registry.New(registry.NewGormStore(gdb), v, dialer, logger)
	accountant := capacity.New(reg, cfg.UsageRefreshConcurrency, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UsageRefreshInterval > 0 {
		go capacity.NewWorker(accountant, reg, cfg.UsageRefreshInterval).Run(ctx)
		logger.Info("usage scheduler started", "interval", cfg.UsageRefreshInterval.String())
	}

	r := api.Router(api.Deps{
		Config:     cfg,
		Logger:     logger,
		Zap:        zl,
		DB:         gdb,
		Vault:      v,
		Registry:   reg,
		Accountant: accountant,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second, // bodies are small JSON; file bytes go straight to storage
		WriteTimeout:      cfg.StorageTimeout + 15*time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20, // 1MB headers
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting", "addr", srv.Addr, "version", version.Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", "error", err.Error())
	}
	logger.Info("server stopped")
}
