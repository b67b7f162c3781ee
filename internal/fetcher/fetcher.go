// Package fetcher performs validated, bounded HTTP GETs: timeout, byte cap,
// content-type discrimination, and redirect re-validation. Every redirect
// hop passes back through the URL validator, so a public URL can never
// bounce a request into private address space.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/ratelimit"
	"github.com/DiscipleTools/agent-ai-sub001/internal/urlsafety"
)

// Result is the outcome of a successful fetch.
type Result struct {
	Bytes       []byte
	ContentType string
	FinalURL    string
	Status      int
}

// Fetcher performs SSRF-safe, size- and time-bounded HTTP GETs.
type Fetcher struct {
	Validator    *urlsafety.Validator
	Client       *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	MaxRedirects int

	// Limiter, when set, applies per-host politeness before each request.
	Limiter *ratelimit.HostLimiter
}

// New builds a Fetcher whose underlying client re-validates every redirect
// hop against validator and refuses to follow more than maxRedirects.
func New(validator *urlsafety.Validator, timeout time.Duration, maxBodyBytes int64, userAgent string, maxRedirects int) *Fetcher {
	f := &Fetcher{
		Validator:    validator,
		Timeout:      timeout,
		MaxBodyBytes: maxBodyBytes,
		UserAgent:    userAgent,
		MaxRedirects: maxRedirects,
	}
	f.Client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= f.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", f.MaxRedirects)
			}
			if _, err := f.Validator.ValidateHop(req.URL.String()); err != nil {
				return err
			}
			return nil
		},
	}
	return f
}

// allowedContentTypes is nil for "accept anything"; single-page URL ingest
// and the website crawler pass {"text/html"}.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, allowedContentTypes map[string]bool) (*Result, error) {
	canonical, err := f.Validator.Validate(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "could not build request", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx, req.URL.Host); err != nil {
			return nil, apperr.New(apperr.Cancelled, "cancelled while rate limited", err)
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.Cancelled, "fetch timed out or was cancelled", err)
		}
		return nil, apperr.New(apperr.RemoteFailed, "fetch failed", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if allowedContentTypes != nil && !contentTypeAllowed(contentType, allowedContentTypes) {
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("unsupported content type %q", contentType), nil)
	}

	limited := io.LimitReader(resp.Body, f.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, apperr.New(apperr.RemoteFailed, "failed reading response body", err)
	}
	if int64(len(body)) > f.MaxBodyBytes {
		return nil, apperr.New(apperr.TooLarge, "response exceeded maximum byte cap", nil)
	}

	return &Result{
		Bytes:       body,
		ContentType: contentType,
		FinalURL:    resp.Request.URL.String(),
		Status:      resp.StatusCode,
	}, nil
}

func contentTypeAllowed(contentType string, allowed map[string]bool) bool {
	for prefix := range allowed {
		if len(contentType) >= len(prefix) && contentType[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
