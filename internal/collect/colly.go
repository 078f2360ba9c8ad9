// Package collect gathers raw stylesheet text from web pages. Collection
// never interprets CSS; it only finds and downloads it.
package collect

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/tokenlens/tokenlens/internal/scan"
)

// CollyConfig controls the plain-HTTP collector.
type CollyConfig struct {
	UserAgent string
	Timeout   time.Duration
	// MaxSheets bounds how many external stylesheets are downloaded per page
	// (default 30).
	MaxSheets int
}

// CollyCollector fetches a page with gocolly, pulls inline <style> blocks
// from the HTML, and downloads linked stylesheets. JavaScript never runs, so
// styles injected at runtime are invisible; the render detector decides when
// that matters.
type CollyCollector struct {
	cfg  CollyConfig
	base *colly.Collector
}

// NewColly builds a CollyCollector.
func NewColly(cfg CollyConfig) *CollyCollector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxSheets <= 0 {
		cfg.MaxSheets = 30
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.WithTransport(newHTTPTransport())
	return &CollyCollector{cfg: cfg, base: c}
}

// Collect visits the page and returns its stylesheets as raw text.
func (c *CollyCollector) Collect(ctx context.Context, url string) (scan.CollectResult, error) {
	var (
		mu       sync.Mutex
		result   = scan.CollectResult{PageURL: url}
		sheetURL []string
		visitErr error
	)
	start := time.Now()

	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)

	collector.OnHTML("style", func(e *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		if src := strings.TrimSpace(e.Text); src != "" {
			result.Stylesheets = append(result.Stylesheets, scan.Stylesheet{
				Inline: true,
				Source: src,
			})
		}
	})
	collector.OnHTML(`link[rel="stylesheet"]`, func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(sheetURL) < c.cfg.MaxSheets {
			sheetURL = append(sheetURL, href)
		}
	})
	collector.OnHTML("script", func(*colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		result.ScriptCount++
	})
	collector.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		visitErr = err
	})

	if err := c.run(ctx, func() error { return collector.Visit(url) }); err != nil {
		return scan.CollectResult{}, err
	}
	if visitErr != nil {
		return scan.CollectResult{}, fmt.Errorf("visit page: %w", visitErr)
	}

	// Download the external sheets after the page parse so ordering is
	// stable: inline blocks first, then linked sheets in document order.
	for _, href := range sheetURL {
		sheet, err := c.fetchSheet(ctx, collector, href)
		if err != nil {
			return scan.CollectResult{}, err
		}
		result.Stylesheets = append(result.Stylesheets, sheet)
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (c *CollyCollector) fetchSheet(ctx context.Context, base *colly.Collector, href string) (scan.Stylesheet, error) {
	var (
		mu       sync.Mutex
		body     []byte
		fetchErr error
	)
	fetcher := base.Clone()
	fetcher.SetRequestTimeout(c.cfg.Timeout)
	// Stylesheet responses are not HTML; capture the raw bytes.
	fetcher.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		body = append([]byte(nil), r.Body...)
	})
	fetcher.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		fetchErr = err
	})

	if err := c.run(ctx, func() error { return fetcher.Visit(href) }); err != nil {
		return scan.Stylesheet{}, err
	}
	if fetchErr != nil {
		return scan.Stylesheet{}, fmt.Errorf("fetch stylesheet %s: %w", href, fetchErr)
	}
	return scan.Stylesheet{URL: href, Source: string(body)}, nil
}

func (c *CollyCollector) run(ctx context.Context, visit func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("collect canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("collect canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
