package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tilecache/internal/config"
	"tilecache/internal/gridset"
	httphandlers "tilecache/internal/http"
	"tilecache/internal/intercept"
	"tilecache/internal/logger"
	"tilecache/internal/metatile"
	"tilecache/internal/metrics"
	"tilecache/internal/render"
	"tilecache/internal/seed"
	"tilecache/internal/store"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPromMetrics(reg)

	storeCfg, err := loadStoreConfiguration(cfg)
	if err != nil {
		log.Fatal("Failed to load store configuration", zap.Error(err))
	}

	ctx := context.Background()
	tileStore, err := store.New(ctx, storeCfg, log, m)
	if err != nil {
		log.Fatal("Failed to initialize tile store", zap.Error(err))
	}

	renderer, err := render.NewWMSRenderer(cfg.UpstreamWMSURL, cfg.UpstreamTimeout, log)
	if err != nil {
		log.Fatal("Failed to initialize upstream renderer", zap.Error(err))
	}

	grids := gridset.NewRegistry()
	interceptor := intercept.New(tileStore, grids, metatile.NewVipsCodec(log), intercept.Options{
		MetaCols: cfg.MetatileCols,
		MetaRows: cfg.MetatileRows,
		MaxAge:   cfg.TileMaxAge,
	}, log, m)
	seeder := seed.New(interceptor, grids, renderer, tileStore, seed.Options{
		Workers:  cfg.SeedWorkers,
		MetaCols: cfg.MetatileCols,
		MetaRows: cfg.MetatileRows,
	}, log)

	handlers := httphandlers.New(cfg, log, interceptor, renderer, seeder, tileStore, grids, m, reg)

	log.Info("Starting tile cache server",
		zap.Int("port", cfg.Port),
		zap.String("upstream", cfg.UpstreamWMSURL),
		zap.String("store_state", string(tileStore.State())),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-reload:
			reloadStore(ctx, cfg, tileStore, log)
		case <-quit:
			running = false
		}
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	seeder.Close()
	if err := tileStore.Close(); err != nil {
		log.Warn("Failed to close tile store", zap.Error(err))
	}

	log.Info("Server stopped")
}

// loadStoreConfiguration prefers STORE_CONFIG_FILE over the environment. A file
// without an object storage secret falls back to S3_SECRET_KEY.
func loadStoreConfiguration(cfg *config.Config) (store.Configuration, error) {
	env := cfg.StoreConfiguration()
	if cfg.StoreConfigFile == "" {
		return env, nil
	}
	fromFile, err := config.LoadStoreConfiguration(cfg.StoreConfigFile)
	if err != nil {
		return store.Configuration{}, err
	}
	if fromFile.S3.SecretKey == "" {
		fromFile.S3.SecretKey = env.S3.SecretKey
	}
	return fromFile, nil
}

func reloadStore(ctx context.Context, cfg *config.Config, s *store.ConfigurableStore, log *zap.Logger) {
	if cfg.StoreConfigFile == "" {
		log.Warn("SIGHUP ignored, STORE_CONFIG_FILE is not set")
		return
	}
	next, err := loadStoreConfiguration(cfg)
	if err != nil {
		log.Error("Failed to reload store configuration", zap.Error(err))
		return
	}
	if err := s.Apply(ctx, next); err != nil {
		log.Error("Rejected store configuration, keeping the previous one", zap.Error(err))
		return
	}
	log.Info("Store configuration reloaded", zap.String("state", string(s.State())))
}
