// Package crawler performs a bounded, same-origin BFS website crawl:
// frontier queue plus visited set, with page, depth, byte, and wall-clock
// budgets enforced on every iteration. Pages within a BFS level are fetched
// concurrently, capped by a per-host semaphore; results are assembled in
// level order so the concatenated document is deterministic. Budget
// exhaustion marks the crawl partial rather than failing it.
package crawler

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/domain"
	"github.com/DiscipleTools/agent-ai-sub001/internal/extractor"
	"github.com/DiscipleTools/agent-ai-sub001/internal/fetcher"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
)

// Page is one successfully crawled page.
type Page struct {
	URL     string
	Title   string
	Content string
}

// Result is the crawl's aggregate output.
type Result struct {
	BaseURL            string
	Pages              []Page
	TotalPages         int
	TotalContentLength int
	Summary            string
	Partial            bool // true if any budget was exhausted (reaching MaxPages counts) or the frontier was left undrained
}

// ProgressFunc receives one CrawlProgress-shaped update per page processed.
type ProgressFunc func(currentPage, totalEstimate int, currentURL string)

// Limits bounds a crawl.
type Limits struct {
	MaxPages        int
	MaxDepth        int
	SameDomainOnly  bool
	IncludePatterns []string
	ExcludePatterns []string
	PerPageTimeout  time.Duration
	MaxTotalTime    time.Duration
	MaxPageSize     int64
	MaxTotalSize    int64
	PerHostWorkers  int // in-flight fetches per host, default 4
}

// DefaultLimits is the standard budget for an unconfigured crawl.
func DefaultLimits() Limits {
	return Limits{
		MaxPages:       10,
		MaxDepth:       2,
		SameDomainOnly: true,
		PerPageTimeout: 30 * time.Second,
		MaxTotalTime:   10 * time.Minute,
		MaxPageSize:    1 * 1024 * 1024,
		MaxTotalSize:   10 * 1024 * 1024,
		PerHostWorkers: 4,
	}
}

// FromOptions converts domain.CrawlOptions into Limits, applying
// the hard caps (maxPages<=200, maxDepth<=3) regardless of what the caller
// requested.
func FromOptions(opts domain.CrawlOptions) Limits {
	l := DefaultLimits()
	if opts.MaxPages > 0 {
		l.MaxPages = opts.MaxPages
	}
	if opts.MaxPages > 200 {
		l.MaxPages = 200
	}
	if opts.MaxDepth > 0 {
		l.MaxDepth = opts.MaxDepth
	}
	if opts.MaxDepth > 3 {
		l.MaxDepth = 3
	}
	l.SameDomainOnly = opts.SameDomainOnly
	l.IncludePatterns = opts.IncludePatterns
	l.ExcludePatterns = opts.ExcludePatterns
	return l
}

type frontierEntry struct {
	url   string
	depth int
}

// pageResult is one worker's output, held until the whole level settles so
// pages are appended in frontier order.
type pageResult struct {
	page     Page
	bytes    int64
	outlinks []string
}

// hostSemaphores caps in-flight fetches per host so a crawl stays polite no
// matter how wide a level fans out.
type hostSemaphores struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
	size int
}

func newHostSemaphores(size int) *hostSemaphores {
	return &hostSemaphores{sems: make(map[string]chan struct{}), size: size}
}

func (h *hostSemaphores) acquire(host string) (release func()) {
	h.mu.Lock()
	sem, ok := h.sems[host]
	if !ok {
		sem = make(chan struct{}, h.size)
		h.sems[host] = sem
	}
	h.mu.Unlock()
	sem <- struct{}{}
	return func() { <-sem }
}

// RobotsChecker abstracts robots.txt lookups so the crawler can be tested
// without a network-backed robots fetch, and so the real implementation can
// cache lookups with a TTL.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// AllowAllRobots is a RobotsChecker that never disallows anything, used
// when the caller has not wired a real robots.txt fetcher.
type AllowAllRobots struct{}

func (AllowAllRobots) Allowed(context.Context, string) (bool, error) { return true, nil }

// Crawler performs bounded BFS crawls.
type Crawler struct {
	Fetcher *fetcher.Fetcher
	Robots  RobotsChecker
}

// New builds a Crawler. If robots is nil, AllowAllRobots is used.
func New(f *fetcher.Fetcher, robots RobotsChecker) *Crawler {
	if robots == nil {
		robots = AllowAllRobots{}
	}
	return &Crawler{Fetcher: f, Robots: robots}
}

// Crawl runs the bounded BFS starting at startURL. Each level's pages are
// fetched in parallel under the per-host cap; per-page failures are logged
// and skipped rather than failing the crawl.
func (c *Crawler) Crawl(ctx context.Context, startURL string, limits Limits, onProgress ProgressFunc) (*Result, error) {
	log := logging.WithComponent("crawler")

	base, err := url.Parse(startURL)
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "invalid start url", err)
	}

	allowed, err := c.Robots.Allowed(ctx, startURL)
	if err != nil {
		log.WithError(err).Warn("robots.txt lookup failed; proceeding as allowed")
	} else if !allowed {
		return nil, apperr.New(apperr.AccessDenied, "crawl blocked by robots.txt", nil)
	}

	deadline := time.Now().Add(limits.MaxTotalTime)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	workers := limits.PerHostWorkers
	if workers <= 0 {
		workers = 4
	}
	sems := newHostSemaphores(workers)

	// visited is keyed on the normalized form; the frontier keeps the URL
	// as found so fetches preserve the original scheme.
	visited := map[string]bool{normalizeKey(startURL): true}
	level := []frontierEntry{{url: startURL, depth: 0}}

	var pages []Page
	var totalBytes int64
	partial := false

	for len(level) > 0 {
		if ctx.Err() != nil || totalBytes >= limits.MaxTotalSize {
			partial = true
			break
		}
		remaining := limits.MaxPages - len(pages)
		if remaining <= 0 {
			partial = true
			break
		}

		var runnable []frontierEntry
		for _, entry := range level {
			if limits.SameDomainOnly && !sameDomain(entry.url, base.Host) {
				continue
			}
			if !patternsAllow(entry.url, limits.IncludePatterns, limits.ExcludePatterns) {
				continue
			}
			runnable = append(runnable, entry)
		}
		if len(runnable) > remaining {
			runnable = runnable[:remaining]
			partial = true
		}

		// One task per page, bounded per host. Workers record failures and
		// return nil so a bad page never cancels its siblings.
		results := make([]*pageResult, len(runnable))
		g, gctx := errgroup.WithContext(ctx)
		for i, entry := range runnable {
			i, entry := i, entry
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				release := sems.acquire(hostOf(entry.url))
				defer release()

				pageCtx, pageCancel := context.WithTimeout(gctx, limits.PerPageTimeout)
				defer pageCancel()
				res, err := c.Fetcher.Fetch(pageCtx, entry.url, map[string]bool{"text/html": true})
				if err != nil {
					log.WithError(err).WithField("url", entry.url).Warn("page fetch failed; skipping")
					return nil
				}
				if int64(len(res.Bytes)) > limits.MaxPageSize {
					log.WithField("url", entry.url).Warn("page exceeded max page size; skipping")
					return nil
				}
				extracted, err := extractor.ExtractHTML(res.Bytes, res.FinalURL)
				if err != nil {
					log.WithError(err).WithField("url", entry.url).Warn("extraction failed; skipping")
					return nil
				}
				results[i] = &pageResult{
					page:     Page{URL: res.FinalURL, Title: extracted.Title, Content: extracted.Text},
					bytes:    int64(len(res.Bytes)),
					outlinks: extracted.Outlinks,
				}
				return nil
			})
		}
		_ = g.Wait()

		// Assemble in frontier order so later concatenation is stable.
		var next []frontierEntry
		for i, r := range results {
			if r == nil {
				continue
			}
			if totalBytes >= limits.MaxTotalSize {
				partial = true
				break
			}
			pages = append(pages, r.page)
			totalBytes += r.bytes

			if onProgress != nil {
				estimate := len(pages) + (len(results) - i - 1) + len(next)
				if estimate > limits.MaxPages {
					estimate = limits.MaxPages
				}
				onProgress(len(pages), estimate, runnable[i].url)
			}

			if runnable[i].depth < limits.MaxDepth {
				for _, link := range r.outlinks {
					key := normalizeKey(link)
					if visited[key] {
						continue
					}
					visited[key] = true
					next = append(next, frontierEntry{url: link, depth: runnable[i].depth + 1})
				}
			}
		}
		level = next
	}

	if len(level) > 0 || len(pages) >= limits.MaxPages {
		partial = true
	}

	var contentLen int
	for _, p := range pages {
		contentLen += len(p.Content)
	}

	return &Result{
		BaseURL:            startURL,
		Pages:              pages,
		TotalPages:         len(pages),
		TotalContentLength: contentLen,
		Summary:            summarize(startURL, len(pages), partial),
		Partial:            partial,
	}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func summarize(startURL string, pageCount int, partial bool) string {
	status := "complete"
	if partial {
		status = "partial"
	}
	return "crawl of " + startURL + " (" + status + "): " + itoa(pageCount) + " page(s)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// normalizeKey builds the visited-set key: scheme normalized to https,
// host, path, sorted query. The http and https variants of the same
// host+path dedupe to the same entry.
func normalizeKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = "https"
	u.Fragment = ""
	query := u.Query()
	u.RawQuery = query.Encode() // url.Values.Encode sorts keys
	return u.String()
}

func sameDomain(rawURL, host string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == host
}

func patternsAllow(rawURL string, include, exclude []string) bool {
	for _, pat := range exclude {
		if strings.Contains(rawURL, pat) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pat := range include {
		if strings.Contains(rawURL, pat) {
			return true
		}
	}
	return false
}

// robotsCacheTTL bounds how long a cached robots.txt verdict is trusted.
const robotsCacheTTL = 10 * time.Minute

// CachingRobotsChecker fetches and caches robots.txt per host with a
// process-local TTL cache.
type CachingRobotsChecker struct {
	Fetcher *fetcher.Fetcher

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	disallowAll bool
	fetchedAt   time.Time
}

// NewCachingRobotsChecker builds a RobotsChecker backed by f.
func NewCachingRobotsChecker(f *fetcher.Fetcher) *CachingRobotsChecker {
	return &CachingRobotsChecker{Fetcher: f, cache: make(map[string]robotsEntry)}
}

// Allowed performs a crude but safe robots.txt check: disallow the whole
// crawl only when the site-wide rule "Disallow: /" appears for user-agent
// "*". Finer-grained path rules are left to the fetcher's own per-page
// failure handling.
func (r *CachingRobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, apperr.New(apperr.InvalidInput, "invalid url for robots check", err)
	}
	host := u.Host

	r.mu.Lock()
	entry, ok := r.cache[host]
	r.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < robotsCacheTTL {
		return !entry.disallowAll, nil
	}

	robotsURL := u.Scheme + "://" + host + "/robots.txt"
	res, err := r.Fetcher.Fetch(ctx, robotsURL, nil)
	disallowAll := false
	if err == nil {
		disallowAll = hasDisallowAll(string(res.Bytes))
	}
	r.mu.Lock()
	r.cache[host] = robotsEntry{disallowAll: disallowAll, fetchedAt: time.Now()}
	r.mu.Unlock()
	return !disallowAll, nil
}

func hasDisallowAll(robotsTxt string) bool {
	lines := strings.Split(robotsTxt, "\n")
	activeForAll := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "user-agent:"):
			agent := strings.TrimSpace(line[len("user-agent:"):])
			activeForAll = agent == "*"
		case activeForAll && strings.HasPrefix(lower, "disallow:"):
			path := strings.TrimSpace(line[len("disallow:"):])
			if path == "/" {
				return true
			}
		}
	}
	return false
}
