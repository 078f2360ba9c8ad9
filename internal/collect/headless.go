package collect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/tokenlens/tokenlens/internal/scan"
)

// HeadlessConfig controls the rendering collector.
type HeadlessConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay gives client-side frameworks a moment to inject styles
	// after the document is ready (default 500ms).
	SettleDelay time.Duration
	MaxSheets   int
}

// pageStyles is what the in-page script returns.
type pageStyles struct {
	Inline      []string `json:"inline"`
	Hrefs       []string `json:"hrefs"`
	ScriptCount int      `json:"scriptCount"`
}

// HeadlessCollector renders the page in headless Chrome before harvesting
// styles, so stylesheets injected by JavaScript are included. External sheets
// are downloaded over plain HTTP afterwards.
type HeadlessCollector struct {
	cfg         HeadlessConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	client      *http.Client
}

// NewHeadless creates a collector backed by chromedp.
func NewHeadless(cfg HeadlessConfig) (*HeadlessCollector, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.MaxSheets <= 0 {
		cfg.MaxSheets = 30
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &HeadlessCollector{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: newHTTPTransport(),
		},
	}, nil
}

// Close cancels the allocator context.
func (h *HeadlessCollector) Close() {
	h.allocCancel()
}

// Collect renders the page and returns its stylesheets as raw text.
func (h *HeadlessCollector) Collect(ctx context.Context, url string) (scan.CollectResult, error) {
	if err := h.acquire(ctx); err != nil {
		return scan.CollectResult{}, err
	}
	defer h.release()

	taskCtx, taskCancel := chromedp.NewContext(h.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, h.cfg.NavigationTimeout)
	defer cancel()

	start := time.Now()
	var styles pageStyles
	actions := []chromedp.Action{
		h.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(h.cfg.SettleDelay),
		chromedp.Evaluate(harvestScript, &styles),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return scan.CollectResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	result := scan.CollectResult{
		PageURL:     url,
		ScriptCount: styles.ScriptCount,
		Rendered:    true,
	}
	for _, src := range styles.Inline {
		if src = strings.TrimSpace(src); src != "" {
			result.Stylesheets = append(result.Stylesheets, scan.Stylesheet{Inline: true, Source: src})
		}
	}
	hrefs := styles.Hrefs
	if len(hrefs) > h.cfg.MaxSheets {
		hrefs = hrefs[:h.cfg.MaxSheets]
	}
	for _, href := range hrefs {
		sheet, err := h.fetchSheet(ctx, href)
		if err != nil {
			return scan.CollectResult{}, err
		}
		result.Stylesheets = append(result.Stylesheets, sheet)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (h *HeadlessCollector) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if h.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(h.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (h *HeadlessCollector) fetchSheet(ctx context.Context, href string) (scan.Stylesheet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return scan.Stylesheet{}, fmt.Errorf("build stylesheet request: %w", err)
	}
	if h.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", h.cfg.UserAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return scan.Stylesheet{}, fmt.Errorf("fetch stylesheet %s: %w", href, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return scan.Stylesheet{}, fmt.Errorf("fetch stylesheet %s: status %d", href, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return scan.Stylesheet{}, fmt.Errorf("read stylesheet %s: %w", href, err)
	}
	return scan.Stylesheet{URL: href, Source: string(body)}, nil
}

func (h *HeadlessCollector) acquire(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	select {
	case h.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless collect canceled: %w", ctx.Err())
	}
}

func (h *HeadlessCollector) release() {
	if h.limiter != nil {
		<-h.limiter
	}
}

// harvestScript runs in the page and gathers inline style blocks, stylesheet
// link hrefs, and the script element count.
const harvestScript = `(() => {
	const inline = Array.from(document.querySelectorAll('style')).map(s => s.textContent || '');
	const hrefs = Array.from(document.querySelectorAll('link[rel="stylesheet"]'))
		.map(l => l.href).filter(h => !!h);
	const scriptCount = document.querySelectorAll('script').length;
	return {inline, hrefs, scriptCount};
})()`
