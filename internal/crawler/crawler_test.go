package crawler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/fetcher"
	"github.com/DiscipleTools/agent-ai-sub001/internal/urlsafety"
)

// fixture serves a small same-origin link graph: / -> /a -> /b -> /c ... (10 pages)
func newFixtureServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	pageCount := 10
	for i := 0; i < pageCount; i++ {
		i := i
		path := "/"
		if i > 0 {
			path = fmt.Sprintf("/page%d", i)
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			next := i + 1
			link := ""
			if next < pageCount {
				link = fmt.Sprintf(`<a href="/page%d">next</a>`, next)
			}
			fmt.Fprintf(w, `<html><head><title>Page %d</title></head><body><p>content of page %d</p>%s</body></html>`, i, i, link)
		})
	}
	return httptest.NewServer(mux)
}

// newTestCrawler targets httptest.NewServer fixtures, which bind 127.0.0.1 —
// the validator's loopback rejection is relaxed explicitly for these tests
// only, never for a real crawl.
func newTestCrawler(allowedPorts map[string]bool) *Crawler {
	v := urlsafety.New(urlsafety.Options{AllowedPorts: allowedPorts, AllowPrivateNetworks: true})
	f := fetcher.New(v, 5*time.Second, 1<<20, "test-crawler", 5)
	return New(f, nil)
}

func TestCrawl_RespectsMaxPagesAndMaxDepth(t *testing.T) {
	srv := newFixtureServer(t)
	defer srv.Close()

	port := srv.URL[len("http://127.0.0.1:"):]
	c := newTestCrawler(map[string]bool{port: true})

	limits := DefaultLimits()
	limits.MaxPages = 3
	limits.MaxDepth = 2
	limits.SameDomainOnly = true

	var progressed []int
	result, err := c.Crawl(t.Context(), srv.URL+"/", limits, func(cur, total int, url string) {
		progressed = append(progressed, cur)
	})
	require.NoError(t, err)
	require.LessOrEqual(t, result.TotalPages, 3)
	require.True(t, result.Partial)
	require.NotEmpty(t, progressed)
}

func TestCrawl_StaysSameDomain(t *testing.T) {
	srv := newFixtureServer(t)
	defer srv.Close()
	port := srv.URL[len("http://127.0.0.1:"):]
	c := newTestCrawler(map[string]bool{port: true})

	limits := DefaultLimits()
	limits.MaxPages = 50
	limits.MaxDepth = 3
	limits.SameDomainOnly = true

	result, err := c.Crawl(t.Context(), srv.URL+"/", limits, nil)
	require.NoError(t, err)
	for _, p := range result.Pages {
		require.Contains(t, p.URL, srv.URL)
	}
}

// TestCrawl_LevelPagesFetchConcurrentlyUnderHostCap serves a root linking
// to six slow sibling pages and asserts the level-1 fetches overlap but
// never exceed the per-host worker cap, and that results keep link order.
func TestCrawl_LevelPagesFetchConcurrentlyUnderHostCap(t *testing.T) {
	const siblings = 6

	var inFlight, maxInFlight atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		links := ""
		for i := 0; i < siblings; i++ {
			links += fmt.Sprintf(`<a href="/leaf%d">leaf %d</a>`, i, i)
		}
		fmt.Fprintf(w, `<html><head><title>Root</title></head><body><p>root page</p>%s</body></html>`, links)
	})
	for i := 0; i < siblings; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/leaf%d", i), func(w http.ResponseWriter, r *http.Request) {
			cur := inFlight.Add(1)
			for {
				seen := maxInFlight.Load()
				if cur <= seen || maxInFlight.CompareAndSwap(seen, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><title>Leaf %d</title></head><body><p>content of leaf %d</p></body></html>`, i, i)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	port := srv.URL[len("http://127.0.0.1:"):]
	c := newTestCrawler(map[string]bool{port: true})

	limits := DefaultLimits()
	limits.MaxPages = 20
	limits.MaxDepth = 1
	limits.SameDomainOnly = true
	limits.PerHostWorkers = 4

	result, err := c.Crawl(t.Context(), srv.URL+"/", limits, nil)
	require.NoError(t, err)
	require.Equal(t, siblings+1, result.TotalPages)

	require.GreaterOrEqual(t, maxInFlight.Load(), int64(2), "sibling fetches must overlap")
	require.LessOrEqual(t, maxInFlight.Load(), int64(4), "per-host cap must hold")

	// Level order: root first, then leaves in link order.
	require.Equal(t, "Root", result.Pages[0].Title)
	for i := 0; i < siblings; i++ {
		require.Equal(t, fmt.Sprintf("Leaf %d", i), result.Pages[i+1].Title)
	}
}

func TestNormalizeKey_TreatsHTTPAndHTTPSAsEquivalent(t *testing.T) {
	require.Equal(t, normalizeKey("http://example.com/a?b=2&a=1"), normalizeKey("https://example.com/a?a=1&b=2"))
}

func TestHasDisallowAll(t *testing.T) {
	require.True(t, hasDisallowAll("User-agent: *\nDisallow: /\n"))
	require.False(t, hasDisallowAll("User-agent: *\nDisallow: /private\n"))
	require.False(t, hasDisallowAll("User-agent: Googlebot\nDisallow: /\n"))
}
