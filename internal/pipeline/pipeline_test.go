package pipeline

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/clock"
	"github.com/crawlidx/crawlidx/internal/crawl"
	"github.com/crawlidx/crawlidx/internal/dedup"
	"github.com/crawlidx/crawlidx/internal/frontier"
	"github.com/crawlidx/crawlidx/internal/index"
	"github.com/crawlidx/crawlidx/internal/parse"
	"github.com/crawlidx/crawlidx/internal/storage"
	"github.com/crawlidx/crawlidx/internal/telemetry"
	"github.com/crawlidx/crawlidx/internal/urlx"
)

// stubFetcher serves scripted results per URL; the last result repeats.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string][]crawl.FetchResult
	calls     map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: make(map[string][]crawl.FetchResult),
		calls:     make(map[string]int),
	}
}

func (s *stubFetcher) script(url string, results ...crawl.FetchResult) {
	s.responses[url] = results
}

func (s *stubFetcher) Fetch(_ context.Context, url string) crawl.FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	queue := s.responses[url]
	if len(queue) == 0 {
		return crawl.FetchResult{HTTPStatus: http.StatusNotFound, FinalURL: url}
	}
	result := queue[0]
	if len(queue) > 1 {
		s.responses[url] = queue[1:]
	}
	return result
}

func (s *stubFetcher) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func okResult(url, body string) crawl.FetchResult {
	return crawl.FetchResult{
		Success:       true,
		HTTPStatus:    http.StatusOK,
		FinalURL:      url,
		ContentType:   "text/html",
		Body:          []byte(body),
		Latency:       time.Millisecond,
		ContentDigest: urlx.ContentDigest([]byte(body)),
	}
}

func errResult(url string, status int) crawl.FetchResult {
	return crawl.FetchResult{
		Success:    false,
		HTTPStatus: status,
		FinalURL:   url,
		Latency:    time.Millisecond,
	}
}

type harness struct {
	frontier *frontier.Frontier
	dedup    *dedup.Deduplicator
	fetcher  *stubFetcher
	indexer  *index.Index
	metrics  *telemetry.Registry
	pipeline *Pipeline
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()

	front := frontier.New(frontier.Config{
		MaxRetries:   3,
		RetryBackoff: 2 * time.Millisecond,
		Politeness:   func(string) time.Duration { return time.Millisecond },
	}, clock.NewSystem())

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		frontier: front,
		dedup:    dedup.New(nil, zap.NewNop()),
		fetcher:  newStubFetcher(),
		indexer:  index.New(index.Config{Dir: t.TempDir()}, zap.NewNop()),
		metrics:  telemetry.NewRegistry(),
	}
	h.pipeline = New(Config{
		Workers:    workers,
		MaxRetries: 3,
		IdleSleep:  2 * time.Millisecond,
	}, front, h.dedup, h.fetcher, parse.New(zap.NewNop()), h.indexer, store, h.metrics, zap.NewNop())
	return h
}

// run starts the pipeline and returns a stop function that cancels it and
// waits for workers to join.
func (h *harness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}

func TestPipeline_SingleDocument(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.fetcher.script("https://a.test/", okResult("https://a.test/", "<html><title>A</title>hello world</html>"))
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://a.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.indexer.TotalDocuments() == 1
	}, 2*time.Second, 5*time.Millisecond)

	results := h.indexer.Search("hello", 10)
	require.NotEmpty(t, results)
	require.Equal(t, "https://a.test/", results[0].URL)
	require.Equal(t, "A", results[0].Title)
	require.Equal(t, int64(1), h.metrics.Counter("pages_indexed"))
}

func TestPipeline_ContentDuplicateAcrossURLs(t *testing.T) {
	t.Parallel()

	body := "<html><title>Same</title>identical</html>"
	h := newHarness(t, 1)
	h.fetcher.script("https://a.test/", okResult("https://a.test/", body))
	h.fetcher.script("https://b.test/", okResult("https://b.test/", body))
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://a.test/", "https://b.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.metrics.Counter("content_duplicates") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, uint64(1), h.indexer.TotalDocuments())
	require.Equal(t, int64(1), h.dedup.ContentDuplicates())
}

func TestPipeline_URLDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.fetcher.script("https://a.test/", okResult("https://a.test/", "<html>once</html>"))
	// The same URL admitted twice is fetched once.
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://a.test/", "https://a.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.metrics.Counter("url_duplicates") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, uint64(1), h.indexer.TotalDocuments())
	require.Equal(t, 1, h.fetcher.callCount("https://a.test/"))
}

func TestPipeline_LinkExpansion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.fetcher.script("https://a.test/",
		okResult("https://a.test/", `<html><title>A</title><a href="/x">x</a><a href="/y">y</a>root page</html>`))
	h.fetcher.script("https://a.test/x", okResult("https://a.test/x", "<html>page x</html>"))
	h.fetcher.script("https://a.test/y", okResult("https://a.test/y", "<html>page y</html>"))
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://a.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.indexer.TotalDocuments() == 3 && h.frontier.QueueSize() == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, int64(3), h.frontier.TotalCompleted())
	require.NotEmpty(t, h.indexer.Search("page", 10))
}

func TestPipeline_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.fetcher.script("https://flaky.test/",
		errResult("https://flaky.test/", http.StatusServiceUnavailable),
		errResult("https://flaky.test/", http.StatusServiceUnavailable),
		errResult("https://flaky.test/", http.StatusServiceUnavailable),
		okResult("https://flaky.test/", "<html>finally</html>"),
	)
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://flaky.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.indexer.TotalDocuments() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 4, h.fetcher.callCount("https://flaky.test/"))
	require.Equal(t, int64(1), h.metrics.Counter("successful_fetches"))
	require.Equal(t, int64(0), h.metrics.Counter("failed_fetches"))
	require.Equal(t, int64(0), h.frontier.TotalFailed())
}

func TestPipeline_PermanentFailureDropsTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.fetcher.script("https://gone.test/", errResult("https://gone.test/", http.StatusNotFound))
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://gone.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.frontier.TotalFailed() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// 4xx is permanent: one attempt, no retries, nothing indexed.
	require.Equal(t, 1, h.fetcher.callCount("https://gone.test/"))
	require.Equal(t, int64(1), h.metrics.Counter("failed_fetches"))
	require.Equal(t, uint64(0), h.indexer.TotalDocuments())
}

func TestPipeline_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.fetcher.script("https://down.test/", errResult("https://down.test/", http.StatusInternalServerError))
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://down.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.frontier.TotalFailed() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Initial attempt plus maxRetries=3 retries.
	require.Equal(t, 4, h.fetcher.callCount("https://down.test/"))
	require.Equal(t, int64(1), h.metrics.Counter("failed_fetches"))
}

func TestPipeline_MarksDedupOnlyAfterIndexing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	body := "<html>marked</html>"
	h.fetcher.script("https://a.test/", okResult("https://a.test/", body))
	require.NoError(t, h.frontier.AddSeedURLs([]string{"https://a.test/"}))

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.indexer.TotalDocuments() == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		return h.dedup.IsURLSeen(ctx, "https://a.test/") &&
			h.dedup.IsContentSeen(ctx, urlx.ContentDigest([]byte(body)))
	}, 2*time.Second, 5*time.Millisecond)
}
