// Package fetcher retrieves raw HTML for a URL.
//
// A fetch checks the on-disk cache first, then tries a lightweight HTTP GET
// with browser-like headers, retrying on rate limits, transient failures and
// bot-challenge interstitials. When the light retry budget is spent on a
// challenge the request escalates to a scripted browser. Successful results
// from either strategy are written to the cache before being returned.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/f4ah6o/site-snacker-go/internal/config"
	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
	"github.com/f4ah6o/site-snacker-go/internal/urlpath"
)

// Strategy names the path that produced a Result.
type Strategy string

const (
	StrategyCache   Strategy = "cache"
	StrategyLight   Strategy = "light"
	StrategyBrowser Strategy = "browser"
)

// FetchOptions adjusts a single fetch.
type FetchOptions struct {
	// ForceBrowser skips the light strategy.
	ForceBrowser bool
	// NoCache bypasses both cache read and cache write.
	NoCache bool
	// Wait is the browser settle delay. Zero uses the configured challenge wait.
	Wait time.Duration
	// Timeout bounds each attempt. Zero uses the configured timeout.
	Timeout time.Duration
	// Accept overrides the Accept header of the light strategy.
	Accept string
}

// Result is a retrieved page.
type Result struct {
	URL       string
	HTML      []byte
	Path      string
	Strategy  Strategy
	FromCache bool
}

// Fetcher is the resilient HTML retriever. It is safe for concurrent use.
type Fetcher struct {
	cfg      config.FetcherConfig
	baseDir  string
	light    *lightClient
	browser  Browser
	detector *Detector
	logger   *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// Options configures a Fetcher.
type Options struct {
	Config  config.FetcherConfig
	BaseDir string
	// Browser is used for forced and escalated fetches. Nil disables escalation.
	Browser Browser
	Logger  *slog.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRedirects := opts.Config.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	return &Fetcher{
		cfg:      opts.Config,
		baseDir:  opts.BaseDir,
		light:    newLightClient(maxRedirects, opts.Config.Browser.UserAgent, opts.Config.Headers),
		browser:  opts.Browser,
		detector: NewDetector(opts.Config.ChallengeMarkers...),
		logger:   logger,
		sleep:    sleepContext,
		jitter: func() time.Duration {
			return time.Second + rand.N(2*time.Second)
		},
	}
}

// Detector exposes the challenge detector so callers can register signatures.
func (f *Fetcher) Detector() *Detector {
	return f.detector
}

// CachePath returns where the HTML for targetURL is cached.
func (f *Fetcher) CachePath(targetURL string) (string, error) {
	base, err := urlpath.Basename(targetURL)
	if err != nil {
		return "", err
	}
	return urlpath.ToFilePath(targetURL, f.baseDir, base+".html")
}

// Fetch returns the HTML for targetURL, from cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, opts FetchOptions) (*Result, error) {
	cachePath, err := f.CachePath(targetURL)
	if err != nil {
		return nil, err
	}

	useCache := !opts.NoCache && f.cfg.Cache.Enabled && !f.skipDomain(targetURL)
	if useCache {
		if data, err := os.ReadFile(cachePath); err == nil {
			f.logger.Debug("using cached html", "url", targetURL, "path", cachePath)
			return &Result{URL: targetURL, HTML: data, Path: cachePath, Strategy: StrategyCache, FromCache: true}, nil
		}
	}

	html, strategy, err := f.Retrieve(ctx, targetURL, opts)
	if err != nil {
		return nil, err
	}

	if useCache {
		if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		if err := os.WriteFile(cachePath, html, 0644); err != nil {
			return nil, fmt.Errorf("failed to write cache file: %w", err)
		}
		f.logger.Info("cached html", "url", targetURL, "path", cachePath, "strategy", strategy)
	}

	return &Result{URL: targetURL, HTML: html, Path: cachePath, Strategy: strategy}, nil
}

// Retrieve fetches targetURL over the network without touching the cache.
// It runs the light strategy and escalates to the browser on a detected
// challenge when auto-detection is enabled.
func (f *Fetcher) Retrieve(ctx context.Context, targetURL string, opts FetchOptions) ([]byte, Strategy, error) {
	if !urlpath.IsURL(targetURL) {
		return nil, "", snackerrors.NewInvalidURL(targetURL, nil)
	}

	if opts.ForceBrowser {
		html, err := f.render(ctx, targetURL, f.browserWait(opts.Wait, false), f.browserTimeout(opts.Timeout, false))
		return html, StrategyBrowser, err
	}

	html, err := f.fetchLight(ctx, targetURL, opts)
	if err == nil {
		return html, StrategyLight, nil
	}
	if !snackerrors.Is(err, snackerrors.ErrChallengeDetected) || !f.cfg.Cloudflare.AutoDetect || f.browser == nil {
		return nil, "", err
	}

	f.logger.Warn("challenge detected, escalating to browser", "url", targetURL, "error", err)
	html, err = f.render(ctx, targetURL, f.browserWait(opts.Wait, true), f.browserTimeout(opts.Timeout, true))
	return html, StrategyBrowser, err
}

// fetchLight runs the bounded light retry loop.
func (f *Fetcher) fetchLight(ctx context.Context, targetURL string, opts FetchOptions) ([]byte, error) {
	maxAttempts := f.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.GetTimeout()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		final := attempt == maxAttempts
		backoff := f.jitter() + f.cfg.GetRetryDelay()

		resp, err := f.light.get(ctx, targetURL, opts.Accept, timeout)
		switch {
		case err != nil:
			lastErr = err
			f.logger.Warn("fetch attempt failed", "url", targetURL, "attempt", attempt, "error", err)
			if final {
				return nil, snackerrors.NewFetchFailed(targetURL, attempt, lastErr)
			}

		case resp.status == http.StatusTooManyRequests:
			f.logger.Warn("rate limited", "url", targetURL, "attempt", attempt)
			if final {
				return nil, snackerrors.NewRateLimited(targetURL, attempt)
			}
			backoff *= 2

		case resp.status >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("server returned status %d", resp.status)
			f.logger.Warn("fetch attempt failed", "url", targetURL, "attempt", attempt, "status", resp.status)
			if final {
				return nil, snackerrors.NewFetchFailed(targetURL, attempt, lastErr)
			}

		default:
			sig := f.detector.Detect(resp.status, resp.header, resp.body)
			if sig == "" {
				if resp.status >= http.StatusBadRequest {
					f.logger.Warn("returning error page body", "url", targetURL, "status", resp.status)
				}
				return resp.body, nil
			}
			f.logger.Warn("challenge page received", "url", targetURL, "attempt", attempt, "signature", sig)
			if final {
				return nil, snackerrors.NewChallengeDetected(targetURL, sig)
			}
		}

		if err := f.sleep(ctx, backoff); err != nil {
			return nil, snackerrors.NewFetchFailed(targetURL, attempt, err)
		}
	}

	return nil, snackerrors.NewFetchFailed(targetURL, maxAttempts, lastErr)
}

// render fetches through the browser and rejects still-challenged output.
func (f *Fetcher) render(ctx context.Context, targetURL string, wait, timeout time.Duration) ([]byte, error) {
	if f.browser == nil {
		return nil, snackerrors.NewFetchFailed(targetURL, 0, fmt.Errorf("no browser configured"))
	}
	f.logger.Info("rendering with browser", "url", targetURL, "wait", wait, "timeout", timeout)

	html, err := f.browser.Render(ctx, targetURL, RenderOptions{Wait: wait, Timeout: timeout})
	if err != nil {
		return nil, snackerrors.NewFetchFailed(targetURL, 1, err)
	}
	body := []byte(html)
	if sig := f.detector.Detect(http.StatusOK, nil, body); sig != "" {
		return nil, snackerrors.NewStillChallenged(targetURL, sig)
	}
	return body, nil
}

// browserWait picks the settle delay. Escalations wait at least the configured challenge wait.
func (f *Fetcher) browserWait(requested time.Duration, escalated bool) time.Duration {
	wait := f.cfg.Cloudflare.GetChallengeWait()
	if !escalated && requested > 0 {
		return requested
	}
	if requested > wait {
		return requested
	}
	return wait
}

func (f *Fetcher) browserTimeout(requested time.Duration, escalated bool) time.Duration {
	timeout := f.cfg.Cloudflare.GetChallengeTimeout()
	if !escalated && requested > 0 {
		return requested
	}
	if requested > timeout {
		return requested
	}
	return timeout
}

func (f *Fetcher) skipDomain(targetURL string) bool {
	u, err := urlpath.Parse(targetURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range f.cfg.Cache.SkipDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
