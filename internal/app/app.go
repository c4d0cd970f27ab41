// Package app initializes and holds long-lived services, acting as the
// dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crawlidx/crawlidx/internal/api"
	"github.com/crawlidx/crawlidx/internal/clock"
	"github.com/crawlidx/crawlidx/internal/config"
	"github.com/crawlidx/crawlidx/internal/dedup"
	"github.com/crawlidx/crawlidx/internal/fetch"
	"github.com/crawlidx/crawlidx/internal/frontier"
	"github.com/crawlidx/crawlidx/internal/index"
	"github.com/crawlidx/crawlidx/internal/parse"
	"github.com/crawlidx/crawlidx/internal/pipeline"
	"github.com/crawlidx/crawlidx/internal/storage"
	"github.com/crawlidx/crawlidx/internal/telemetry"
)

// App holds the shared, long-lived services for the crawler process. It is
// built once at startup and torn down by Close.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *telemetry.Registry

	frontier *frontier.Frontier
	dedup    *dedup.Deduplicator
	remote   *dedup.RedisKV
	fetcher  *fetch.Fetcher
	indexer  *index.Index
	store    *storage.Store
	pipeline *pipeline.Pipeline
	server   *http.Server
}

// New builds every service from configuration, failing fast if any
// critical piece cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics := telemetry.NewRegistry()
	clk := clock.NewSystem()

	store, err := storage.New(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var remote *dedup.RedisKV
	var remoteKV dedup.RemoteKV
	if cfg.Redis.Host != "" {
		remote, err = dedup.NewRedisKV(ctx, dedup.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			PoolSize: cfg.Redis.ConnectionPoolSize,
		})
		if err != nil {
			logger.Warn("redis connection failed, dedup runs local-only", zap.Error(err))
		} else {
			remoteKV = remote
		}
	}
	deduper := dedup.New(remoteKV, logger)

	front := frontier.New(frontier.Config{
		MaxRetries:   int32(cfg.Scheduler.MaxRetries),
		RetryBackoff: cfg.RetryBackoff(),
		Politeness:   cfg.PolitenessDelay,
	}, clk)

	fetcher := fetch.New(fetch.Config{
		ConnectTimeout: time.Duration(cfg.Fetcher.ConnectTimeoutMs) * time.Millisecond,
		ReadTimeout:    time.Duration(cfg.Fetcher.ReadTimeoutMs) * time.Millisecond,
		MaxRedirects:   cfg.Fetcher.MaxRedirects,
		UserAgent:      cfg.Fetcher.UserAgent,
	}, logger)

	parser := parse.New(logger)

	indexer := index.New(index.Config{
		Dir:               filepath.Join(cfg.Storage.DataDir, "index"),
		MaxDocsPerSegment: uint32(cfg.Storage.MaxDocsPerSegment),
	}, logger)

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.Default*float64(cfg.Scheduler.WorkerThreads)), cfg.Scheduler.WorkerThreads)
	}

	pipe := pipeline.New(pipeline.Config{
		Workers:    cfg.Scheduler.WorkerThreads,
		MaxRetries: int32(cfg.Scheduler.MaxRetries),
		Limiter:    limiter,
	}, front, deduper, fetcher, parser, indexer, store, metrics, logger)

	apiServer := api.NewServer(indexer, metrics.Handler(), logger)
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		frontier: front,
		dedup:    deduper,
		remote:   remote,
		fetcher:  fetcher,
		indexer:  indexer,
		store:    store,
		pipeline: pipe,
		server:   server,
	}, nil
}

// Run seeds the frontier, starts the API server, and drives the pipeline
// until the context finishes. A checkpoint is saved on the way out.
func (a *App) Run(ctx context.Context) error {
	if err := a.frontier.AddSeedURLs(a.cfg.Seeds); err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}
	a.logger.Info("frontier seeded", zap.Int("seeds", len(a.cfg.Seeds)))

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go a.publishGauges(ctx)

	go func() {
		<-ctx.Done()
		a.frontier.Close()
	}()

	a.pipeline.Run(ctx)

	if err := a.indexer.FlushSegment(); err != nil {
		a.logger.Error("final segment flush failed", zap.Error(err))
	}
	if err := a.saveCheckpoint(); err != nil {
		a.logger.Error("checkpoint save failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("api shutdown incomplete", zap.Error(err))
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server: %w", err)
	default:
		return nil
	}
}

// publishGauges mirrors pipeline state into telemetry gauges.
func (a *App) publishGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.SetGauge("queue_size", float64(a.frontier.QueueSize()))
			a.metrics.SetGauge("total_documents", float64(a.indexer.TotalDocuments()))
			a.metrics.SetGauge("avg_fetch_latency_ms", a.fetcher.AverageLatencyMs())
			a.metrics.SetGauge("max_memory_mb", float64(a.cfg.Memory.MaxMemoryMB))
			a.metrics.SetGauge("flush_threshold_percent", float64(a.cfg.Memory.FlushThresholdPercent))
		}
	}
}

func (a *App) saveCheckpoint() error {
	state := map[string]string{
		"total_scheduled": strconv.FormatInt(a.frontier.TotalScheduled(), 10),
		"total_completed": strconv.FormatInt(a.frontier.TotalCompleted(), 10),
		"total_failed":    strconv.FormatInt(a.frontier.TotalFailed(), 10),
		"total_documents": strconv.FormatUint(a.indexer.TotalDocuments(), 10),
		"next_doc_id":     strconv.FormatUint(a.indexer.NextDocID(), 10),
		"segment_count":   strconv.FormatUint(uint64(a.indexer.SegmentCount()), 10),
	}
	if err := a.store.SaveCheckpoint(state); err != nil {
		return err
	}
	return nil
}

// Close releases held resources.
func (a *App) Close() {
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	// Best effort; stderr may not be syncable.
	_ = a.logger.Sync()
}
