package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vjranagit/tsbatch/internal/config"
	"github.com/vjranagit/tsbatch/internal/logging"
	"github.com/vjranagit/tsbatch/internal/tracing"
	"github.com/vjranagit/tsbatch/pkg/api"
	"github.com/vjranagit/tsbatch/pkg/batcher"
	"github.com/vjranagit/tsbatch/pkg/charts"
	"github.com/vjranagit/tsbatch/pkg/storage"
	"github.com/vjranagit/tsbatch/pkg/types"
)

const (
	version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "tsbatch.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tsbatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	logger.Info("Starting tsbatch",
		"version", version,
		"environment", cfg.Environment,
		"listen_addr", cfg.Server.ListenAddr,
		"storage_path", cfg.Storage.Path,
		"retention_days", cfg.Storage.RetentionDays,
		"compression_level", cfg.Storage.CompressionLevel,
	)

	tp, tracerCleanup, err := tracing.NewProvider(cfg.Tracing, version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer tracerCleanup()
	tracer := tp.Tracer("github.com/vjranagit/tsbatch")

	store, err := storage.NewStore(cfg.ToStorageConfig(),
		storage.WithLogger(logger.With("component", "storage")),
		storage.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	lsm, vlog := store.Size()
	logger.Info("Storage engine initialized",
		"lsm_size", humanize.Bytes(uint64(lsm)),
		"vlog_size", humanize.Bytes(uint64(vlog)),
	)

	var backend storage.Storage = store
	var cache *storage.CachedStore
	if cfg.Cache.Enabled {
		cache = storage.NewCachedStore(store, cfg.Cache.Capacity, cfg.CacheTTL(logger))
		backend = cache
	}

	batcherCfg := cfg.ToBatcherConfig(logger.With("component", "batcher"))
	batcherCfg.Tracer = tracer

	queryBatcher, err := batcher.New(backend.Fetch, batcherCfg)
	if err != nil {
		return err
	}
	defer queryBatcher.Destroy()
	logger.Info("Query batcher initialized", "accumulation_time", queryBatcher.AccumulationTime())

	schemas := func(_ context.Context, collectionRef string) ([]types.TimeSeriesSchema, error) {
		return cfg.Charts.Schemas[collectionRef], nil
	}

	presenterCfg := charts.PresenterConfig{
		Batchers: map[string]*batcher.Batcher{"store": queryBatcher},
		Batcher:  batcherCfg,
		Schemas:  schemas,
		Layouts:  backend.Layout,
		Logger:   logger.With("component", "charts"),
	}
	if cfg.Charts.Preview {
		presenterCfg.DataSources = map[string]batcher.FetchFunc{
			"preview": charts.PreviewFetcher(schemas, time.Now),
		}
	}
	presenter, err := charts.NewPresenter(presenterCfg)
	if err != nil {
		return err
	}
	defer presenter.Destroy()

	server := api.NewServer(api.Options{
		Addr:      cfg.Server.ListenAddr,
		Timeout:   cfg.ServerTimeout(logger),
		Storage:   backend,
		Batcher:   queryBatcher,
		Presenter: presenter,
		Cache:     cache,
		Logger:    logger.With("component", "api"),
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received, stopping server", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("Server error", "error", err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Server stopped successfully")
	return nil
}
