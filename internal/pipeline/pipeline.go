// Package pipeline glues the crawl stages together: dequeue, dedup,
// fetch, dedup content, parse, index, archive, expand.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crawlidx/crawlidx/internal/crawl"
	"github.com/crawlidx/crawlidx/internal/frontier"
	"github.com/crawlidx/crawlidx/internal/telemetry"
)

// Config controls pipeline behavior.
type Config struct {
	Workers    int
	MaxRetries int32
	// IdleSleep is how long a worker waits when the frontier has nothing
	// eligible.
	IdleSleep time.Duration
	// Limiter, when set, caps aggregate fetch rate across all workers.
	Limiter *rate.Limiter
}

// Pipeline runs the crawl loop across a pool of workers, with the
// frontier as producer.
type Pipeline struct {
	cfg      Config
	frontier *frontier.Frontier
	dedup    crawl.Deduplicator
	fetcher  crawl.Fetcher
	parser   crawl.Parser
	indexer  crawl.Indexer
	store    crawl.DocumentStore
	metrics  *telemetry.Registry
	logger   *zap.Logger
}

// New constructs a Pipeline.
func New(
	cfg Config,
	f *frontier.Frontier,
	dedup crawl.Deduplicator,
	fetcher crawl.Fetcher,
	parser crawl.Parser,
	indexer crawl.Indexer,
	store crawl.DocumentStore,
	metrics *telemetry.Registry,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 100 * time.Millisecond
	}
	return &Pipeline{
		cfg:      cfg,
		frontier: f,
		dedup:    dedup,
		fetcher:  fetcher,
		parser:   parser,
		indexer:  indexer,
		store:    store,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run blocks until the context finishes or the frontier closes and
// drains. Worker goroutines join before Run returns.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.frontier.NextTask()
		switch {
		case errors.Is(err, frontier.ErrClosed):
			return
		case errors.Is(err, frontier.ErrNoTaskReady):
			p.sleep(ctx)
			continue
		}
		p.process(ctx, task, logger)
	}
}

func (p *Pipeline) sleep(ctx context.Context) {
	timer := time.NewTimer(p.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process runs one task through the pipeline. The step order is a
// contract: URL dedup before fetch saves bandwidth, content dedup after
// fetch catches aliased URLs, and dedup marking happens only after the
// document is indexed so a crash in between cannot falsely mark a URL as
// processed.
func (p *Pipeline) process(ctx context.Context, task crawl.Task, logger *zap.Logger) {
	p.metrics.IncCounter("crawl_attempts")

	if p.dedup.IsURLSeen(ctx, task.URL) {
		p.metrics.IncCounter("url_duplicates")
		p.frontier.MarkCompleted(task.URL)
		return
	}

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			return
		}
	}

	result := p.fetcher.Fetch(ctx, task.URL)
	p.metrics.Observe("fetch_latency_ms", float64(result.Latency.Milliseconds()))

	if !result.Success {
		willRetry := isTransient(result) && task.RetryCount < p.cfg.MaxRetries
		p.frontier.MarkFailed(task, willRetry)
		if !willRetry {
			p.metrics.IncCounter("failed_fetches")
			logger.Warn("task dropped",
				zap.String("url", task.URL),
				zap.Int("status", result.HTTPStatus),
				zap.String("kind", result.ErrorKind.String()),
				zap.Int32("retries", task.RetryCount),
			)
		}
		return
	}
	p.metrics.IncCounter("successful_fetches")

	if p.dedup.IsContentSeen(ctx, result.ContentDigest) {
		p.metrics.IncCounter("content_duplicates")
		p.frontier.MarkCompleted(task.URL)
		return
	}

	doc := p.parser.Parse(task.URL, result.Body)
	metadata := map[string]string{
		"content_type": result.ContentType,
		"status":       strconv.Itoa(result.HTTPStatus),
	}

	docID, err := p.indexer.IndexDocument(doc, metadata)
	if err != nil {
		logger.Error("index document failed", zap.String("url", task.URL), zap.Error(err))
		p.frontier.MarkFailed(task, false)
		return
	}
	p.metrics.IncCounter("pages_indexed")

	if err := p.store.SaveDocument(docID, task.URL, result.Body, metadata); err != nil {
		// Archive errors do not unwind the pipeline; the index already
		// holds the document.
		logger.Error("archive document failed", zap.Uint64("doc_id", docID), zap.Error(err))
	}

	p.dedup.MarkURLSeen(ctx, task.URL)
	p.dedup.MarkContentSeen(ctx, result.ContentDigest, docID)

	for _, link := range doc.OutboundLinks {
		if err := p.frontier.AddURLAtDepth(link.URL, 0, task.DiscoveryDepth+1); err != nil {
			logger.Debug("discovered link rejected", zap.String("href", link.URL), zap.Error(err))
		}
	}

	p.frontier.MarkCompleted(task.URL)
}

// isTransient reports whether a failure is worth retrying: network, DNS,
// timeout, or 5xx. 4xx and exhausted redirect chains are permanent.
func isTransient(result crawl.FetchResult) bool {
	if result.HTTPStatus >= 500 {
		return true
	}
	if result.HTTPStatus >= 400 {
		return false
	}
	switch result.ErrorKind {
	case crawl.ErrorConnect, crawl.ErrorRead, crawl.ErrorTLS, crawl.ErrorOther:
		return true
	default:
		return false
	}
}
