package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

// companyPathHints select which same-site links are worth reading when
// researching a company.
var companyPathHints = []string{"about", "company", "team", "careers", "culture", "mission", "values", "who-we-are"}

type CrawlerOptions struct {
	MaxPages     int
	Timeout      time.Duration
	UserAgent    string
	AllowPrivate bool
}

// CollyCrawler gathers a company's homepage plus a handful of about/careers
// pages from the same host.
type CollyCrawler struct {
	logger *slog.Logger
	opts   CrawlerOptions
}

func NewCollyCrawler(logger *slog.Logger, opts CrawlerOptions) *CollyCrawler {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &CollyCrawler{logger: logger, opts: opts}
}

func (c *CollyCrawler) CrawlCompany(ctx context.Context, rawURL string) ([]ports.Page, error) {
	start, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || start.Host == "" {
		return nil, fmt.Errorf("invalid company URL %q", rawURL)
	}
	if !c.opts.AllowPrivate && IsSSRFTarget(start.String()) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedTarget, rawURL)
	}
	host := strings.TrimPrefix(strings.ToLower(start.Hostname()), "www.")

	collector := colly.NewCollector(
		colly.MaxDepth(2),
		colly.Async(true),
		colly.UserAgent(c.opts.UserAgent),
	)
	collector.SetRequestTimeout(c.opts.Timeout)
	collector.WithTransport(newHTTPClient(c.opts.Timeout, c.opts.AllowPrivate).Transport)
	_ = collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 2, RandomDelay: 200 * time.Millisecond})

	var (
		mu       sync.Mutex
		pages    []ports.Page
		requests int
		lastErr  error
	)

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if !c.opts.AllowPrivate && IsSSRFTarget(r.URL.String()) {
			r.Abort()
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if requests >= c.opts.MaxPages {
			r.Abort()
			return
		}
		requests++
	})

	collector.OnResponse(func(r *colly.Response) {
		if ct := r.Headers.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
			return
		}
		body := r.Body
		if len(body) > maxBodyBytes {
			body = body[:maxBodyBytes]
		}
		page, err := BuildPage(r.Request.URL.String(), string(body))
		if err != nil {
			return
		}
		page.HTML = ""
		mu.Lock()
		pages = append(pages, *page)
		mu.Unlock()
	})

	collector.OnError(func(r *colly.Response, err error) {
		c.logger.Debug("company crawl request failed", "url", r.Request.URL.String(), "error", err)
		mu.Lock()
		lastErr = err
		mu.Unlock()
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		u, err := url.Parse(link)
		if err != nil || strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.") != host {
			return
		}
		if !hasCompanyHint(u.Path) {
			return
		}
		u.Fragment = ""
		u.RawQuery = ""
		_ = e.Request.Visit(u.String())
	})

	if err := collector.Visit(start.String()); err != nil {
		return nil, fmt.Errorf("crawl %s: %w", rawURL, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("crawl %s: %w", rawURL, lastErr)
		}
		return nil, errors.New("crawl " + rawURL + ": no pages retrieved")
	}

	homepage := strings.TrimRight(start.String(), "/")
	sort.SliceStable(pages, func(i, j int) bool {
		hi := strings.TrimRight(pages[i].URL, "/") == homepage
		hj := strings.TrimRight(pages[j].URL, "/") == homepage
		if hi != hj {
			return hi
		}
		return pages[i].URL < pages[j].URL
	})
	return pages, nil
}

func hasCompanyHint(path string) bool {
	lower := strings.ToLower(path)
	for _, hint := range companyPathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
