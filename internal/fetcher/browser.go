package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/f4ah6o/site-snacker-go/internal/config"
)

// RenderOptions bounds one browser navigation.
type RenderOptions struct {
	// Wait is the settle delay after the page reports idle, giving challenge
	// scripts time to finish and redirect.
	Wait time.Duration
	// Timeout bounds the whole navigation.
	Timeout time.Duration
}

// Browser renders a page with a JavaScript-capable engine and returns its final HTML.
type Browser interface {
	Render(ctx context.Context, targetURL string, opts RenderOptions) (string, error)
}

// ChromeBrowser renders pages in a fresh headless Chrome per call.
type ChromeBrowser struct {
	cfg     config.BrowserConfig
	headers map[string]string
	logger  *slog.Logger
}

// NewChromeBrowser creates a Chrome-backed Browser.
func NewChromeBrowser(cfg config.BrowserConfig, headers map[string]string, logger *slog.Logger) *ChromeBrowser {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeBrowser{cfg: cfg, headers: headers, logger: logger}
}

// Render navigates to targetURL, waits for the body and for the document to
// settle, sleeps opts.Wait and returns the outer HTML of the document.
func (b *ChromeBrowser) Render(ctx context.Context, targetURL string, opts RenderOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	width, height := b.cfg.Viewport.Width, b.cfg.Viewport.Height
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	ua := b.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(ua),
		chromedp.WindowSize(width, height),
	)
	if b.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		b.logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
	}))
	defer cancelBrowser()

	headers := network.Headers{"Accept-Language": "en-US,en;q=0.9"}
	for k, v := range b.headers {
		headers[k] = v
	}

	var html string
	err := chromedp.Run(browserCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForIdle(250*time.Millisecond),
		chromedp.Sleep(opts.Wait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("browser render of %s failed: %w", targetURL, err)
	}
	return html, nil
}

// waitForIdle polls document.readyState until the page reports complete.
func waitForIdle(interval time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for {
			var state string
			if err := chromedp.Evaluate("document.readyState", &state).Do(ctx); err != nil {
				return err
			}
			if state == "complete" {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	})
}
