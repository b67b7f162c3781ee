package fetcher

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/urlsafety"
)

func newTestFetcher() *Fetcher {
	return New(urlsafety.New(urlsafety.Options{}), 2*time.Second, 1024, "test-agent", 5)
}

// newLocalFetcher targets httptest.NewServer, which binds 127.0.0.1 — the
// validator's loopback rejection must be relaxed explicitly for these
// fixtures, it is never relaxed for a real ingest request.
func newLocalFetcher() *Fetcher {
	return New(urlsafety.New(urlsafety.Options{AllowPrivateNetworks: true}), 2*time.Second, 1024, "test-agent", 5)
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	f := newLocalFetcher()
	res, err := f.Fetch(t.Context(), srv.URL, map[string]bool{"text/html": true})
	require.NoError(t, err)
	require.Equal(t, "<html>hello</html>", string(res.Bytes))
	require.Equal(t, 200, res.Status)
}

func TestFetch_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer srv.Close()

	f := newLocalFetcher()
	_, err := f.Fetch(t.Context(), srv.URL, nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.TooLarge))
}

func TestFetch_UnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("binary"))
	}))
	defer srv.Close()

	f := newLocalFetcher()
	_, err := f.Fetch(t.Context(), srv.URL, map[string]bool{"text/html": true})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidInput))
}

func TestFetch_RejectsSSRFTarget(t *testing.T) {
	f := newTestFetcher()
	_, err := f.Fetch(t.Context(), "http://127.0.0.1:9/admin", nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidInput))
}
