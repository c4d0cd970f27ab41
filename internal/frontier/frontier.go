// Package frontier implements the prioritized URL queue with per-host
// politeness windows and retry scheduling.
package frontier

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlidx/crawlidx/internal/crawl"
	"github.com/crawlidx/crawlidx/internal/urlx"
)

// NextTask sentinel states.
var (
	// ErrNoTaskReady means the queue holds work but nothing is eligible
	// yet; callers should sleep briefly and retry.
	ErrNoTaskReady = errors.New("frontier: no task ready")
	// ErrClosed means the frontier is stopped and drained.
	ErrClosed = errors.New("frontier: closed")
)

// PolitenessFunc returns the minimum inter-request interval for a host.
type PolitenessFunc func(host string) time.Duration

// Config controls frontier behavior.
type Config struct {
	MaxRetries   int32
	RetryBackoff time.Duration
	Politeness   PolitenessFunc
}

// Frontier owns the task queue. The queue and the host-backoff map are
// guarded by separate locks; when both are held the order is always
// queue then backoff.
type Frontier struct {
	clock crawl.Clock
	cfg   Config

	queueMu sync.Mutex
	tasks   taskHeap
	seq     uint64
	closed  bool

	backoffMu sync.Mutex
	hostReady map[string]time.Time

	totalScheduled atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
}

// New constructs a Frontier.
func New(cfg Config, clk crawl.Clock) *Frontier {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Politeness == nil {
		cfg.Politeness = func(string) time.Duration { return time.Second }
	}
	return &Frontier{
		clock:     clk,
		cfg:       cfg,
		hostReady: make(map[string]time.Time),
	}
}

// AddURL admits a URL to the frontier at the given priority. The URL is
// canonicalized on the way in; unparseable URLs are rejected.
func (f *Frontier) AddURL(rawURL string, priority int32) error {
	return f.add(rawURL, priority, 0)
}

// AddURLAtDepth admits a discovered URL, recording how deep in the link
// graph it was found.
func (f *Frontier) AddURLAtDepth(rawURL string, priority, depth int32) error {
	return f.add(rawURL, priority, depth)
}

// AddSeedURLs admits seed URLs at priority 0.
func (f *Frontier) AddSeedURLs(urls []string) error {
	for _, u := range urls {
		if err := f.AddURL(u, 0); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frontier) add(rawURL string, priority, depth int32) error {
	canonical, err := urlx.Canonicalize(rawURL)
	if err != nil {
		return err
	}
	task := crawl.Task{
		URL:            canonical,
		Priority:       priority,
		ReadyAt:        f.clock.Now(),
		DiscoveryDepth: depth,
	}
	f.push(task)
	f.totalScheduled.Add(1)
	return nil
}

// NextTask pops the highest-priority eligible task. It returns
// ErrNoTaskReady when the top task is not ready or its host is inside a
// politeness window, and ErrClosed once the frontier is stopped and empty.
func (f *Frontier) NextTask() (crawl.Task, error) {
	f.queueMu.Lock()
	if f.tasks.Len() == 0 {
		closed := f.closed
		f.queueMu.Unlock()
		if closed {
			return crawl.Task{}, ErrClosed
		}
		return crawl.Task{}, ErrNoTaskReady
	}
	entry := heap.Pop(&f.tasks).(*taskEntry)
	f.queueMu.Unlock()

	now := f.clock.Now()

	if entry.task.ReadyAt.After(now) {
		f.pushEntry(entry)
		return crawl.Task{}, ErrNoTaskReady
	}

	host := urlx.Host(entry.task.URL)
	if !f.hostEligible(host, now) {
		f.pushEntry(entry)
		return crawl.Task{}, ErrNoTaskReady
	}

	return entry.task, nil
}

// MarkCompleted finishes a task and opens the politeness window for its
// host.
func (f *Frontier) MarkCompleted(url string) {
	f.totalCompleted.Add(1)
	f.touchHost(urlx.Host(url))
}

// MarkFailed records a failed attempt. With willRetry the task is
// re-queued with its retry count advanced and an exponentially backed-off
// ready time; beyond MaxRetries (or with willRetry false) it is dropped.
// The host contacted during the failed attempt still gets its politeness
// window.
func (f *Frontier) MarkFailed(task crawl.Task, willRetry bool) {
	f.touchHost(urlx.Host(task.URL))

	retry := task.RetryCount + 1
	if !willRetry || retry > f.cfg.MaxRetries {
		f.totalFailed.Add(1)
		return
	}

	backoff := f.cfg.RetryBackoff * time.Duration(int64(1)<<uint(retry-1))
	task.RetryCount = retry
	task.ReadyAt = f.clock.Now().Add(backoff)
	f.push(task)
}

// QueueSize returns the number of queued tasks.
func (f *Frontier) QueueSize() int {
	f.queueMu.Lock()
	defer f.queueMu.Unlock()
	return f.tasks.Len()
}

// Close stops the frontier. NextTask keeps serving queued work until the
// queue drains, then reports ErrClosed.
func (f *Frontier) Close() {
	f.queueMu.Lock()
	f.closed = true
	f.queueMu.Unlock()
}

// TotalScheduled returns how many tasks were admitted.
func (f *Frontier) TotalScheduled() int64 { return f.totalScheduled.Load() }

// TotalCompleted returns how many tasks finished successfully.
func (f *Frontier) TotalCompleted() int64 { return f.totalCompleted.Load() }

// TotalFailed returns how many tasks were permanently dropped.
func (f *Frontier) TotalFailed() int64 { return f.totalFailed.Load() }

func (f *Frontier) push(task crawl.Task) {
	f.queueMu.Lock()
	f.seq++
	heap.Push(&f.tasks, &taskEntry{task: task, seq: f.seq})
	f.queueMu.Unlock()
}

// pushEntry re-queues a popped entry with its original sequence number so
// admission-order ties stay stable across push-backs.
func (f *Frontier) pushEntry(entry *taskEntry) {
	f.queueMu.Lock()
	heap.Push(&f.tasks, entry)
	f.queueMu.Unlock()
}

func (f *Frontier) hostEligible(host string, now time.Time) bool {
	f.backoffMu.Lock()
	defer f.backoffMu.Unlock()
	ready, ok := f.hostReady[host]
	if !ok {
		return true
	}
	if now.Before(ready) {
		return false
	}
	// Window elapsed; expire lazily.
	delete(f.hostReady, host)
	return true
}

func (f *Frontier) touchHost(host string) {
	if host == "" {
		return
	}
	f.backoffMu.Lock()
	f.hostReady[host] = f.clock.Now().Add(f.cfg.Politeness(host))
	f.backoffMu.Unlock()
}

// taskEntry pairs a task with its admission sequence for tie-breaking.
type taskEntry struct {
	task crawl.Task
	seq  uint64
}

// taskHeap is a max-heap: higher priority first, earlier admission wins
// ties.
type taskHeap []*taskEntry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*taskEntry))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
