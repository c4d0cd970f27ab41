package crawl

import (
	"context"
	"time"
)

// Fetcher retrieves a URL. Failures are carried inside FetchResult, never
// returned as errors; the caller decides whether to retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// Deduplicator remembers seen URL digests and seen content digests.
type Deduplicator interface {
	IsURLSeen(ctx context.Context, url string) bool
	MarkURLSeen(ctx context.Context, url string)
	IsContentSeen(ctx context.Context, digest uint64) bool
	MarkContentSeen(ctx context.Context, digest uint64, docID uint64)
}

// Parser turns raw HTML into a position-tagged term stream plus links.
type Parser interface {
	Parse(url string, body []byte) ParsedDocument
}

// Indexer maintains the searchable index.
type Indexer interface {
	IndexDocument(doc ParsedDocument, metadata map[string]string) (uint64, error)
	Search(query string, topK int) []SearchResult
	FlushSegment() error
	MergeSegments() error
	TotalDocuments() uint64
	TotalTerms() uint64
}

// DocumentStore archives fetched documents and pipeline checkpoints.
type DocumentStore interface {
	SaveDocument(docID uint64, url string, body []byte, metadata map[string]string) error
	SaveCheckpoint(state map[string]string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
