package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/ports"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; jobpipe/1.0; +https://github.com/manthysbr/jobpipe)"
	maxBodyBytes     = 2 << 20
	pageCacheTTL     = 15 * time.Minute
)

// PageCache stores fetched pages between runs. A miss returns ok=false.
type PageCache interface {
	GetPage(ctx context.Context, url string) (*ports.Page, bool)
	SetPage(ctx context.Context, page *ports.Page, ttl time.Duration) error
}

type FetcherOptions struct {
	Timeout      time.Duration
	UserAgent    string
	AllowPrivate bool
	Cache        PageCache
}

// HTTPFetcher fetches single pages and reduces them to markdown.
type HTTPFetcher struct {
	logger    *slog.Logger
	client    *http.Client
	userAgent string
	allowPriv bool
	cache     PageCache
}

func NewHTTPFetcher(logger *slog.Logger, opts FetcherOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &HTTPFetcher{
		logger:    logger,
		client:    newHTTPClient(opts.Timeout, opts.AllowPrivate),
		userAgent: opts.UserAgent,
		allowPriv: opts.AllowPrivate,
		cache:     opts.Cache,
	}
}

func newHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !allowPrivate {
		dialer.Control = dialControl
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if !allowPrivate && IsSSRFTarget(req.URL.String()) {
				return fmt.Errorf("%w: redirect to %s", ErrBlockedTarget, req.URL.Host)
			}
			return nil
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*ports.Page, error) {
	if !f.allowPriv && IsSSRFTarget(url) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedTarget, url)
	}
	if f.cache != nil {
		if page, ok := f.cache.GetPage(ctx, url); ok {
			f.logger.Debug("page cache hit", "url", url)
			return page, nil
		}
	}

	html, finalURL, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	page, err := BuildPage(finalURL, html)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	page.URL = url

	if f.cache != nil {
		if err := f.cache.SetPage(ctx, page, pageCacheTTL); err != nil {
			f.logger.Warn("page cache write failed", "url", url, "error", err)
		}
	}
	return page, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text") {
		return "", "", fmt.Errorf("unsupported content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(body), resp.Request.URL.String(), nil
}
