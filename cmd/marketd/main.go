package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"termlend/config"
	"termlend/observability/logging"
	telemetry "termlend/observability/otel"
	"termlend/services/indexer"
	"termlend/services/marketd/host"
	"termlend/services/marketd/middleware"
	"termlend/services/marketd/server"
	"termlend/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to marketd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TERMLEND_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.SetupRotating("marketd", env, logging.Rotation{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	markets, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		log.Fatalf("load markets: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		log.Fatalf("open ledger database: %v", err)
	}
	defer db.Close()

	h, err := host.New(db, markets)
	if err != nil {
		log.Fatalf("build market host: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dsn := strings.TrimSpace(cfg.Indexer.DSN); dsn != "" {
		indexDB, err := indexer.Open(cfg.Indexer.Driver, dsn)
		if err != nil {
			log.Fatalf("open indexer database: %v", err)
		}
		ix := indexer.New(indexDB, logger)
		payloads, cancel := h.Recorder().Subscribe(256)
		defer cancel()
		go ix.Run(ctx, payloads)
		logger.Info("event indexer running", "driver", cfg.Indexer.Driver)
	}

	authCfg := middleware.AuthConfig{
		Enabled:  cfg.Auth.Enabled,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}
	if cfg.Auth.Enabled {
		secret := os.Getenv(cfg.Auth.SecretEnv)
		if strings.TrimSpace(secret) == "" {
			log.Fatalf("auth enabled but %s is empty", cfg.Auth.SecretEnv)
		}
		authCfg.Secret = []byte(secret)
	}

	srv, err := server.New(server.Config{
		Host:            h,
		Recorder:        h.Recorder(),
		Logger:          logger,
		Auth:            authCfg,
		MutationLimiter: middleware.NewRateLimiter(cfg.Limits.Mutations.RequestsPerMinute, cfg.Limits.Mutations.Burst),
		ViewLimiter:     middleware.NewRateLimiter(cfg.Limits.Views.RequestsPerMinute, cfg.Limits.Views.Burst),
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("marketd listening", "address", cfg.ListenAddress, "markets", h.Symbols())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("marketd stopped")
}
