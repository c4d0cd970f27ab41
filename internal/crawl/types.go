// Package crawl defines core types shared across pipeline subsystems.
package crawl

import "time"

// Task is a unit of work in the frontier. Tasks are created on admission,
// mutated only by the frontier (retry bookkeeping), and destroyed when
// completed or permanently failed.
type Task struct {
	URL            string
	Priority       int32
	RetryCount     int32
	ReadyAt        time.Time
	DiscoveryDepth int32
}

// ErrorKind classifies fetch failures at the pipeline boundary.
type ErrorKind int

// Fetch error kinds.
const (
	ErrorNone ErrorKind = iota
	ErrorConnect
	ErrorRead
	ErrorTooManyRedirects
	ErrorTLS
	ErrorOther
)

// String returns the error kind label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorConnect:
		return "connect"
	case ErrorRead:
		return "read"
	case ErrorTooManyRedirects:
		return "too_many_redirects"
	case ErrorTLS:
		return "tls"
	default:
		return "other"
	}
}

// FetchResult is the immutable outcome of one fetch, redirect chain included.
type FetchResult struct {
	Success       bool
	HTTPStatus    int
	FinalURL      string
	ContentType   string
	Body          []byte
	Latency       time.Duration
	RedirectChain []string
	ContentDigest uint64
	ErrorKind     ErrorKind
	ErrorMessage  string
}

// Link is an outbound link with its anchor text, already resolved against
// the document URL.
type Link struct {
	URL        string
	AnchorText string
}

// ParsedDocument is the parser's output for one HTML page.
type ParsedDocument struct {
	URL           string
	Title         string
	Text          string
	Tokens        []string
	TermPositions map[string][]uint32
	OutboundLinks []Link
}

// Posting records a term's occurrences in one document. Unique per
// (term, doc); positions ascend.
type Posting struct {
	DocID     uint64
	Positions []uint32
	TF        uint32
}

// Document is the forward-index entry for an indexed page.
type Document struct {
	DocID    uint64
	URL      string
	Title    string
	Text     string
	Length   uint32
	Metadata map[string]string
}

// SearchResult is one ranked hit returned by the indexer.
type SearchResult struct {
	DocID   uint64  `json:"doc_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}
