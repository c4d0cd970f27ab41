// Package fetch implements bounded-time HTTP retrieval with a manual
// redirect chain.
package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/crawl"
	"github.com/crawlidx/crawlidx/internal/urlx"
)

// Config controls fetch policy.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRedirects   int
	UserAgent      string
}

// Fetcher issues HTTP GETs. Redirects are followed manually so the chain
// is observable and bounded; cycles are broken by the depth bound alone.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger

	totalFetches      atomic.Int64
	successfulFetches atomic.Int64
	failedFetches     atomic.Int64
	totalLatencyMs    atomic.Int64
}

// New constructs a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawlidx/1.0"
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.ReadTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// Fetch retrieves url. Failures are carried in the result, never returned
// as errors; the caller decides whether to retry. Latency spans the whole
// call including the redirect chain.
func (f *Fetcher) Fetch(ctx context.Context, url string) crawl.FetchResult {
	f.totalFetches.Add(1)
	start := time.Now()

	result := f.follow(ctx, url)

	result.Latency = time.Since(start)
	f.totalLatencyMs.Add(result.Latency.Milliseconds())

	if result.Success {
		f.successfulFetches.Add(1)
		result.ContentDigest = urlx.ContentDigest(result.Body)
	} else {
		f.failedFetches.Add(1)
		f.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.Int("status", result.HTTPStatus),
			zap.String("kind", result.ErrorKind.String()),
			zap.String("error", result.ErrorMessage),
		)
	}
	return result
}

func (f *Fetcher) follow(ctx context.Context, url string) crawl.FetchResult {
	result := crawl.FetchResult{FinalURL: url}
	current := url

	for {
		resp, err := f.get(ctx, current)
		if err != nil {
			result.ErrorKind, result.ErrorMessage = classify(err)
			return result
		}

		body, readErr := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if readErr != nil {
			result.ErrorKind = crawl.ErrorRead
			result.ErrorMessage = readErr.Error()
			return result
		}
		if closeErr != nil {
			f.logger.Debug("response body close failed", zap.Error(closeErr))
		}

		result.HTTPStatus = resp.StatusCode
		result.ContentType = resp.Header.Get("Content-Type")
		result.FinalURL = current

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result.Success = true
			result.Body = body
			return result

		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			location := resp.Header.Get("Location")
			if location == "" {
				result.ErrorKind = crawl.ErrorOther
				result.ErrorMessage = fmt.Sprintf("status %d without Location", resp.StatusCode)
				return result
			}
			if len(result.RedirectChain) >= f.cfg.MaxRedirects {
				result.ErrorKind = crawl.ErrorTooManyRedirects
				result.ErrorMessage = "too many redirects"
				return result
			}
			next, err := urlx.Resolve(current, location)
			if err != nil {
				result.ErrorKind = crawl.ErrorOther
				result.ErrorMessage = err.Error()
				return result
			}
			result.RedirectChain = append(result.RedirectChain, current)
			current = next

		default:
			// 4xx/5xx: the status code is the whole story.
			return result
		}
	}
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// TotalFetches returns how many fetches were attempted.
func (f *Fetcher) TotalFetches() int64 { return f.totalFetches.Load() }

// SuccessfulFetches returns how many fetches returned 2xx.
func (f *Fetcher) SuccessfulFetches() int64 { return f.successfulFetches.Load() }

// FailedFetches returns how many fetches did not return 2xx.
func (f *Fetcher) FailedFetches() int64 { return f.failedFetches.Load() }

// AverageLatencyMs returns the mean fetch latency across all calls.
func (f *Fetcher) AverageLatencyMs() float64 {
	total := f.totalFetches.Load()
	if total == 0 {
		return 0
	}
	return float64(f.totalLatencyMs.Load()) / float64(total)
}

func classify(err error) (crawl.ErrorKind, string) {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return crawl.ErrorTLS, err.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return crawl.ErrorConnect, err.Error()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return crawl.ErrorRead, err.Error()
	}

	return crawl.ErrorOther, err.Error()
}
