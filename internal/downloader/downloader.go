// Package downloader fetches embedded media bytes for enrichment.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
	"github.com/f4ah6o/site-snacker-go/internal/fetcher"
)

const (
	maxMediaSize  = 100 * 1024 * 1024
	previewLength = 100
)

// Result is a downloaded asset.
type Result struct {
	Data        []byte
	ContentType string
	// URL is the address actually downloaded.
	URL string
	// OriginalURL is the pre-unwrap address when an image proxy was unwrapped, else "".
	OriginalURL string
}

// Downloader performs single GETs with browser-like headers.
type Downloader struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// Options configures a Downloader.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// New creates a Downloader.
func New(opts Options) *Downloader {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}
}

// Resolve resolves rawURL against baseURL and unwraps a known image proxy.
// It returns the URL to download and, when unwrapping happened, the proxy URL.
func Resolve(rawURL, baseURL string) (target, original string, err error) {
	ref, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", snackerrors.NewInvalidURL(rawURL, err)
	}

	resolved := ref
	var base *url.URL
	if baseURL != "" {
		base, err = url.Parse(baseURL)
		if err != nil {
			return "", "", snackerrors.NewInvalidURL(baseURL, err)
		}
		resolved = base.ResolveReference(ref)
	}
	if !resolved.IsAbs() {
		return "", "", snackerrors.NewInvalidURL(rawURL, fmt.Errorf("cannot resolve without an absolute base"))
	}

	inner, ok := UnwrapProxy(resolved)
	if !ok {
		return resolved.String(), "", nil
	}
	innerURL, err := url.Parse(inner)
	if err != nil {
		return "", "", snackerrors.NewInvalidURL(inner, err)
	}
	return resolved.ResolveReference(innerURL).String(), resolved.String(), nil
}

// UnwrapProxy extracts the origin asset from an image-optimizer URL such as
// /_next/image?url=%2Fimg%2Fa.png&w=640. The returned URL may be relative.
func UnwrapProxy(u *url.URL) (string, bool) {
	if !strings.HasSuffix(u.Path, "/_next/image") {
		return "", false
	}
	inner := u.Query().Get("url")
	if inner == "" {
		return "", false
	}
	return inner, true
}

// Download fetches rawURL resolved against baseURL with the fetcher's browser
// headers adjusted for a subresource request. headers override those, for
// example Accept: audio/*. Without overrides the request looks like an image.
func (d *Downloader) Download(ctx context.Context, rawURL, baseURL string, headers map[string]string) (*Result, error) {
	target, original, err := Resolve(rawURL, baseURL)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(target, "file://") {
		return d.readLocal(target, original)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = fetcher.BrowserHeaders(d.userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
	req.Header.Set("Sec-Fetch-Dest", "image")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Del("Sec-Fetch-User")
	req.Header.Del("Upgrade-Insecure-Requests")
	if baseURL != "" {
		req.Header.Set("Referer", baseURL)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	d.logger.Debug("downloading asset", "url", target, "proxy", original)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, previewLength))
		return nil, snackerrors.NewDownloadFailed(target, resp.StatusCode, string(preview))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}

	return &Result{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         target,
		OriginalURL: original,
	}, nil
}

func (d *Downloader) readLocal(target, original string) (*Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, snackerrors.NewInvalidURL(target, err)
	}
	path := filepath.FromSlash(u.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, snackerrors.NewFileNotFound(path, err)
	}
	return &Result{
		Data:        data,
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		URL:         target,
		OriginalURL: original,
	}, nil
}
