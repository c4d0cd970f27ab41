// Package dedup remembers seen URL digests and seen content digests.
//
// Lookups are two-tier: a remote KV fast path when one is configured, and
// an in-process fallback set. Any remote I/O error permanently degrades the
// deduplicator to local-only for the rest of the process lifetime; the
// transition is logged once and never surfaced to callers.
package dedup

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/urlx"
)

// keyTTL bounds cold-cache growth of remote dedup keys.
const keyTTL = 24 * time.Hour

// RemoteKV is the remote tier. Implementations must be safe for concurrent
// use.
type RemoteKV interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Deduplicator tracks URL and content digests across both tiers.
type Deduplicator struct {
	remote   RemoteKV
	degraded atomic.Bool
	logger   *zap.Logger

	mu          sync.Mutex
	urlSeen     map[uint64]struct{}
	contentSeen map[uint64]struct{}

	urlDuplicates     atomic.Int64
	contentDuplicates atomic.Int64
	remoteHits        atomic.Int64
	remoteMisses      atomic.Int64
}

// New constructs a Deduplicator. remote may be nil, in which case only the
// local sets are used.
func New(remote RemoteKV, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		remote:      remote,
		logger:      logger,
		urlSeen:     make(map[uint64]struct{}),
		contentSeen: make(map[uint64]struct{}),
	}
}

// IsURLSeen reports whether the canonical digest of url has been recorded
// in either tier.
func (d *Deduplicator) IsURLSeen(ctx context.Context, url string) bool {
	digest := urlDigest(url)
	if d.remoteEnabled() {
		seen, err := d.remote.Exists(ctx, urlKey(digest))
		switch {
		case err != nil:
			d.degrade(err)
		case seen:
			d.remoteHits.Add(1)
			d.urlDuplicates.Add(1)
			return true
		default:
			d.remoteMisses.Add(1)
		}
	}

	d.mu.Lock()
	_, ok := d.urlSeen[digest]
	d.mu.Unlock()
	if ok {
		d.urlDuplicates.Add(1)
	}
	return ok
}

// MarkURLSeen records the canonical digest of url. Idempotent.
func (d *Deduplicator) MarkURLSeen(ctx context.Context, url string) {
	digest := urlDigest(url)
	if d.remoteEnabled() {
		if err := d.remote.SetTTL(ctx, urlKey(digest), "1", keyTTL); err != nil {
			d.degrade(err)
		}
	}
	d.mu.Lock()
	d.urlSeen[digest] = struct{}{}
	d.mu.Unlock()
}

// IsContentSeen reports whether the content digest has been recorded in
// either tier.
func (d *Deduplicator) IsContentSeen(ctx context.Context, digest uint64) bool {
	if d.remoteEnabled() {
		seen, err := d.remote.Exists(ctx, contentKey(digest))
		switch {
		case err != nil:
			d.degrade(err)
		case seen:
			d.remoteHits.Add(1)
			d.contentDuplicates.Add(1)
			return true
		default:
			d.remoteMisses.Add(1)
		}
	}

	d.mu.Lock()
	_, ok := d.contentSeen[digest]
	d.mu.Unlock()
	if ok {
		d.contentDuplicates.Add(1)
	}
	return ok
}

// MarkContentSeen records a content digest together with the document that
// owns it. Idempotent.
func (d *Deduplicator) MarkContentSeen(ctx context.Context, digest uint64, docID uint64) {
	if d.remoteEnabled() {
		value := strconv.FormatUint(docID, 10)
		if err := d.remote.SetTTL(ctx, contentKey(digest), value, keyTTL); err != nil {
			d.degrade(err)
		}
	}
	d.mu.Lock()
	d.contentSeen[digest] = struct{}{}
	d.mu.Unlock()
}

// Degraded reports whether the remote tier has been abandoned.
func (d *Deduplicator) Degraded() bool {
	return d.degraded.Load()
}

// URLDuplicates returns how many URL lookups found a duplicate.
func (d *Deduplicator) URLDuplicates() int64 { return d.urlDuplicates.Load() }

// ContentDuplicates returns how many content lookups found a duplicate.
func (d *Deduplicator) ContentDuplicates() int64 { return d.contentDuplicates.Load() }

// RemoteHits returns how many remote lookups answered positively.
func (d *Deduplicator) RemoteHits() int64 { return d.remoteHits.Load() }

// RemoteMisses returns how many remote lookups answered negatively.
func (d *Deduplicator) RemoteMisses() int64 { return d.remoteMisses.Load() }

func (d *Deduplicator) remoteEnabled() bool {
	return d.remote != nil && !d.degraded.Load()
}

// degrade abandons the remote tier for the rest of the process lifetime.
// The transition is one-way and logged exactly once.
func (d *Deduplicator) degrade(err error) {
	if d.degraded.CompareAndSwap(false, true) {
		d.logger.Warn("remote dedup tier degraded, continuing local-only", zap.Error(err))
	}
}

// urlDigest hashes the canonical form of url; URLs that cannot be
// canonicalized hash as-is so lookups stay consistent with marks.
func urlDigest(url string) uint64 {
	if canonical, err := urlx.Canonicalize(url); err == nil {
		return urlx.Digest(canonical)
	}
	return urlx.Digest(url)
}

func urlKey(digest uint64) string {
	return "dedup:url:" + strconv.FormatUint(digest, 10)
}

func contentKey(digest uint64) string {
	return "dedup:content:" + strconv.FormatUint(digest, 10)
}
