package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/crawl"
	"github.com/crawlidx/crawlidx/internal/urlx"
)

func newTestFetcher(maxRedirects int) *Fetcher {
	return New(Config{
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		MaxRedirects:   maxRedirects,
		UserAgent:      "crawlidx-test/1.0",
	}, zap.NewNop())
}

func TestFetcher_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "crawlidx-test/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer srv.Close()

	f := newTestFetcher(5)
	result := f.Fetch(context.Background(), srv.URL)

	require.True(t, result.Success)
	require.Equal(t, http.StatusOK, result.HTTPStatus)
	require.Equal(t, []byte("<html>ok</html>"), result.Body)
	require.Equal(t, "text/html", result.ContentType)
	require.Empty(t, result.RedirectChain)
	require.Equal(t, urlx.ContentDigest([]byte("<html>ok</html>")), result.ContentDigest)
	require.Greater(t, result.Latency, time.Duration(0))
	require.Equal(t, int64(1), f.SuccessfulFetches())
}

func TestFetcher_RedirectChain(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, srv.URL+"/middle", http.StatusFound)
		case "/middle":
			http.Redirect(w, r, "/end", http.StatusMovedPermanently)
		case "/end":
			fmt.Fprint(w, "final")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(5)
	result := f.Fetch(context.Background(), srv.URL+"/start")

	require.True(t, result.Success)
	require.Equal(t, []byte("final"), result.Body)
	require.Equal(t, srv.URL+"/end", result.FinalURL)
	require.Equal(t, []string{srv.URL + "/start", srv.URL + "/middle"}, result.RedirectChain)
}

func TestFetcher_RedirectBoundary(t *testing.T) {
	t.Parallel()

	// /0 -> /1 -> ... -> /n with the terminal page at /3.
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0":
			http.Redirect(w, r, "/1", http.StatusFound)
		case "/1":
			http.Redirect(w, r, "/2", http.StatusFound)
		case "/2":
			http.Redirect(w, r, "/3", http.StatusFound)
		default:
			fmt.Fprint(w, "done")
		}
	}))
	defer srv.Close()

	// A chain of exactly maxRedirects succeeds.
	f := newTestFetcher(3)
	result := f.Fetch(context.Background(), srv.URL+"/0")
	require.True(t, result.Success)
	require.Len(t, result.RedirectChain, 3)

	// One more hop than allowed fails with TooManyRedirects.
	f = newTestFetcher(2)
	result = f.Fetch(context.Background(), srv.URL+"/0")
	require.False(t, result.Success)
	require.Equal(t, crawl.ErrorTooManyRedirects, result.ErrorKind)
}

func TestFetcher_HTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(5)

	result := f.Fetch(context.Background(), srv.URL+"/missing")
	require.False(t, result.Success)
	require.Equal(t, http.StatusNotFound, result.HTTPStatus)
	require.Equal(t, crawl.ErrorNone, result.ErrorKind)

	result = f.Fetch(context.Background(), srv.URL+"/broken")
	require.False(t, result.Success)
	require.Equal(t, http.StatusServiceUnavailable, result.HTTPStatus)

	require.Equal(t, int64(2), f.FailedFetches())
	require.Equal(t, int64(2), f.TotalFetches())
}

func TestFetcher_ConnectFailure(t *testing.T) {
	t.Parallel()

	// A closed server yields a connection error, classified as connect.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newTestFetcher(5)
	result := f.Fetch(context.Background(), url)
	require.False(t, result.Success)
	require.Equal(t, crawl.ErrorConnect, result.ErrorKind)
	require.NotEmpty(t, result.ErrorMessage)
}

func TestFetcher_ReadTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(Config{
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
		MaxRedirects:   5,
	}, zap.NewNop())

	result := f.Fetch(context.Background(), srv.URL)
	require.False(t, result.Success)
	require.Equal(t, crawl.ErrorRead, result.ErrorKind)
}

func TestFetcher_RedirectWithoutLocation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	f := newTestFetcher(5)
	result := f.Fetch(context.Background(), srv.URL)
	require.False(t, result.Success)
	require.Equal(t, crawl.ErrorOther, result.ErrorKind)
}
