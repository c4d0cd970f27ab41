// Package index maintains the in-memory segmented inverted index with
// BM25 ranking.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/crawl"
)

// Config controls index behavior.
type Config struct {
	Dir               string
	MaxDocsPerSegment uint32
	K1                float64
	B                 float64
}

// Index owns all index state. Document admission, segment flushing, and
// search share one lock, so search always sees a consistent snapshot and
// docIds are strictly monotonic.
type Index struct {
	cfg    Config
	logger *zap.Logger

	mu                 sync.Mutex
	inverted           map[string][]crawl.Posting
	forward            map[uint64]crawl.Document
	docLengths         map[uint64]uint32
	docCount           uint64
	avgDocLength       float64
	nextDocID          uint64
	currentSegmentSize uint32
	segmentCount       uint32
}

// New constructs an Index.
func New(cfg Config, logger *zap.Logger) *Index {
	if cfg.MaxDocsPerSegment == 0 {
		cfg.MaxDocsPerSegment = 100000
	}
	if cfg.K1 == 0 {
		cfg.K1 = 1.5
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}
	return &Index{
		cfg:        cfg,
		logger:     logger,
		inverted:   make(map[string][]crawl.Posting),
		forward:    make(map[uint64]crawl.Document),
		docLengths: make(map[uint64]uint32),
		nextDocID:  1,
	}
}

// IndexDocument admits a parsed document and returns its docId. Postings
// for each term are appended in docId order by construction: docIds are
// allocated monotonically and admission is serialized by the index lock.
func (x *Index) IndexDocument(doc crawl.ParsedDocument, metadata map[string]string) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	docID := x.nextDocID
	x.nextDocID++

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	var docLength uint32
	for term, positions := range doc.TermPositions {
		if term == "" {
			continue
		}
		x.inverted[term] = append(x.inverted[term], crawl.Posting{
			DocID:     docID,
			Positions: positions,
			TF:        uint32(len(positions)),
		})
		docLength += uint32(len(positions))
	}

	x.forward[docID] = crawl.Document{
		DocID:    docID,
		URL:      doc.URL,
		Title:    doc.Title,
		Text:     doc.Text,
		Length:   docLength,
		Metadata: meta,
	}
	x.docLengths[docID] = docLength

	x.avgDocLength = (x.avgDocLength*float64(x.docCount) + float64(docLength)) / float64(x.docCount+1)
	x.docCount++

	x.currentSegmentSize++
	if x.currentSegmentSize >= x.cfg.MaxDocsPerSegment {
		if err := x.flushLocked(); err != nil {
			// Segment I/O never fails admission; the in-memory index is
			// already consistent.
			x.logger.Error("segment flush failed", zap.Error(err))
		}
	}

	return docID, nil
}

// Search tokenizes the query by whitespace, lowercasing each term, and
// ranks matching documents by BM25. Query terms are not stripped of
// punctuation, unlike document terms; a punctuated query term therefore
// misses the index. Ties break by ascending docId for determinism.
func (x *Index) Search(query string, topK int) []crawl.SearchResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	if topK <= 0 {
		return nil
	}

	scores := make(map[uint64]float64)
	for _, raw := range strings.Fields(query) {
		term := strings.ToLower(raw)
		postings, ok := x.inverted[term]
		if !ok {
			continue
		}
		idf := math.Log(float64(x.docCount) / float64(len(postings)))
		for _, p := range postings {
			scores[p.DocID] += x.bm25(p) * idf
		}
	}

	ranked := make([]crawl.SearchResult, 0, len(scores))
	for docID, score := range scores {
		ranked = append(ranked, crawl.SearchResult{DocID: docID, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].DocID < ranked[j].DocID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	for i := range ranked {
		doc, ok := x.forward[ranked[i].DocID]
		if !ok {
			continue
		}
		ranked[i].URL = doc.URL
		ranked[i].Title = doc.Title
		ranked[i].Snippet = snippet(doc.Text)
	}
	return ranked
}

func (x *Index) bm25(p crawl.Posting) float64 {
	tf := float64(p.TF)
	normLen := float64(x.docLengths[p.DocID]) / x.avgDocLength
	return tf * (x.cfg.K1 + 1) / (tf + x.cfg.K1*(1-x.cfg.B+x.cfg.B*normLen))
}

// Recommend returns documents related to the one carrying the given sku in
// its metadata: same-category documents, same-brand first, then by
// ascending docId. An unknown sku yields an empty list.
func (x *Index) Recommend(sku string) []crawl.SearchResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	var source crawl.Document
	found := false
	for _, doc := range x.forward {
		if doc.Metadata["sku"] == sku && sku != "" {
			source = doc
			found = true
			break
		}
	}
	if !found || source.Metadata["category"] == "" {
		return nil
	}

	var related []crawl.SearchResult
	for docID, doc := range x.forward {
		if docID == source.DocID || doc.Metadata["category"] != source.Metadata["category"] {
			continue
		}
		score := 1.0
		if doc.Metadata["brand"] != "" && doc.Metadata["brand"] == source.Metadata["brand"] {
			score = 2.0
		}
		related = append(related, crawl.SearchResult{
			DocID:   docID,
			URL:     doc.URL,
			Title:   doc.Title,
			Snippet: snippet(doc.Text),
			Score:   score,
		})
	}
	sort.Slice(related, func(i, j int) bool {
		if related[i].Score != related[j].Score {
			return related[i].Score > related[j].Score
		}
		return related[i].DocID < related[j].DocID
	})
	if len(related) > 10 {
		related = related[:10]
	}
	return related
}

// FlushSegment persists the in-memory index as a durability checkpoint.
// The in-memory layer is not evicted; queries keep running against it.
func (x *Index) FlushSegment() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.flushLocked()
}

// MergeSegments is reserved; it currently flushes.
func (x *Index) MergeSegments() error {
	return x.FlushSegment()
}

// TotalDocuments returns the number of indexed documents.
func (x *Index) TotalDocuments() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.docCount
}

// TotalTerms returns the number of distinct terms in the inverted index.
func (x *Index) TotalTerms() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return uint64(len(x.inverted))
}

// SegmentCount returns how many segments have been flushed.
func (x *Index) SegmentCount() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.segmentCount
}

// NextDocID returns the next docId to be allocated, for checkpointing.
func (x *Index) NextDocID() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.nextDocID
}

const snippetLength = 200

func snippet(text string) string {
	if len(text) <= snippetLength {
		return text
	}
	return text[:snippetLength] + "…"
}
