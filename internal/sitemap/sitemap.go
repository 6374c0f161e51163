// Package sitemap expands a sitemap source into the list of page URLs it
// names. Sitemap indexes are followed recursively; an HTML page is mined for
// same-host links when it is not a sitemap at all.
package sitemap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	sitemapparser "github.com/oxffaa/gopher-parse-sitemap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
	"github.com/f4ah6o/site-snacker-go/internal/fetcher"
	"github.com/f4ah6o/site-snacker-go/internal/urlpath"
)

// XMLAccept is sent when requesting sitemap documents.
const XMLAccept = "application/xml,text/xml;q=0.9,*/*;q=0.8"

const maxDepth = 5

var rawURLRe = regexp.MustCompile(`https?://[^\s"'<>()]+`)

// Retriever loads a remote document without touching the page cache.
type Retriever interface {
	Retrieve(ctx context.Context, targetURL string, opts fetcher.FetchOptions) ([]byte, fetcher.Strategy, error)
}

// SitemapLister returns the Sitemap directives of a host's robots.txt.
type SitemapLister interface {
	Sitemaps(ctx context.Context, targetURL string) []string
}

// Options configures a Walker.
type Options struct {
	Retriever Retriever
	// Robots is optional; without it the robots.txt fallback is skipped.
	Robots        SitemapLister
	Parallel      bool
	MaxConcurrent int
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Walker expands sitemap sources.
type Walker struct {
	retriever     Retriever
	robots        SitemapLister
	parallel      bool
	maxConcurrent int
	timeout       time.Duration
	logger        *slog.Logger
}

// New creates a Walker.
func New(opts Options) *Walker {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Walker{
		retriever:     opts.Retriever,
		robots:        opts.Robots,
		parallel:      opts.Parallel,
		maxConcurrent: opts.MaxConcurrent,
		timeout:       opts.Timeout,
		logger:        opts.Logger,
	}
}

// IsSitemapSource reports whether source should be walked as a sitemap
// rather than fetched as a single page.
func IsSitemapSource(source string) bool {
	if strings.HasSuffix(strings.ToLower(source), ".xml") {
		if info, err := os.Stat(source); err == nil && !info.IsDir() {
			return true
		}
	}
	if !urlpath.IsURL(source) {
		return false
	}
	lower := strings.ToLower(source)
	if strings.Contains(lower, "sitemap") {
		return true
	}
	if u, err := url.Parse(source); err == nil {
		return strings.HasSuffix(strings.ToLower(u.Path), ".xml")
	}
	return false
}

// Walk returns the page URLs named by source, deduplicated in first-seen order.
func (w *Walker) Walk(ctx context.Context, source string) ([]string, error) {
	urls, err := w.walk(ctx, source, 0)
	if err != nil {
		return nil, err
	}
	return dedupe(urls), nil
}

func (w *Walker) walk(ctx context.Context, source string, depth int) ([]string, error) {
	if depth > maxDepth {
		w.logger.Warn("sitemap nesting too deep, skipping", "source", source)
		return nil, nil
	}
	data, err := w.load(ctx, source)
	if err != nil {
		return nil, err
	}

	switch rootElement(data) {
	case "sitemapindex":
		var children []string
		err := sitemapparser.ParseIndex(bytes.NewReader(data), func(e sitemapparser.IndexEntry) error {
			if loc := strings.TrimSpace(e.GetLocation()); loc != "" {
				children = append(children, loc)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to parse sitemap index %s: %w", source, err)
		}
		w.logger.Info("sitemap index", "source", source, "children", len(children))
		return w.walkChildren(ctx, children, depth+1)

	case "urlset":
		var urls []string
		err := sitemapparser.Parse(bytes.NewReader(data), func(e sitemapparser.Entry) error {
			if loc := strings.TrimSpace(e.GetLocation()); loc != "" {
				urls = append(urls, loc)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to parse sitemap %s: %w", source, err)
		}
		w.logger.Debug("sitemap urlset", "source", source, "urls", len(urls))
		return urls, nil
	}

	if looksLikeHTML(data) {
		if urls := w.cascade(ctx, data, source, depth); len(urls) > 0 {
			return urls, nil
		}
	}
	return nil, snackerrors.NewInvalidSitemap(source)
}

// walkChildren walks index children in order, or in bounded parallel
// batches. A failing child is logged and skipped.
func (w *Walker) walkChildren(ctx context.Context, children []string, depth int) ([]string, error) {
	results := make([][]string, len(children))

	if !w.parallel {
		for i, child := range children {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			urls, err := w.walk(ctx, child, depth)
			if err != nil {
				w.logger.Warn("failed to walk child sitemap", "sitemap", child, "error", err)
				continue
			}
			results[i] = urls
		}
		return flatten(results), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxConcurrent)
	for i, child := range children {
		g.Go(func() error {
			urls, err := w.walk(gctx, child, depth)
			if err != nil {
				w.logger.Warn("failed to walk child sitemap", "sitemap", child, "error", err)
				return nil
			}
			results[i] = urls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return flatten(results), nil
}

func (w *Walker) load(ctx context.Context, source string) ([]byte, error) {
	if !urlpath.IsURL(source) {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, snackerrors.NewFileNotFound(source, err)
		}
		return data, nil
	}
	data, _, err := w.retriever.Retrieve(ctx, source, fetcher.FetchOptions{
		NoCache: true,
		Accept:  XMLAccept,
		Timeout: w.timeout,
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// cascade tries each link source in turn; the first that yields any URL wins.
func (w *Walker) cascade(ctx context.Context, data []byte, source string, depth int) []string {
	base, _ := url.Parse(source)
	if !urlpath.IsURL(source) {
		base = nil
	}

	steps := []struct {
		name string
		run  func() []string
	}{
		{"anchors", func() []string { return anchorLinks(data, base) }},
		{"href attributes", func() []string { return hrefAttributes(data, base) }},
		{"raw text", func() []string { return rawTextLinks(data, base) }},
		{"robots.txt", func() []string { return w.robotsSitemaps(ctx, source, depth) }},
	}
	for _, step := range steps {
		if urls := step.run(); len(urls) > 0 {
			w.logger.Info("extracted links from HTML", "source", source, "method", step.name, "urls", len(urls))
			return urls
		}
	}
	return nil
}

func (w *Walker) robotsSitemaps(ctx context.Context, source string, depth int) []string {
	if w.robots == nil || depth > 0 || !urlpath.IsURL(source) {
		return nil
	}
	var urls []string
	for _, sm := range w.robots.Sitemaps(ctx, source) {
		found, err := w.walk(ctx, sm, depth+1)
		if err != nil {
			w.logger.Warn("robots.txt sitemap failed", "sitemap", sm, "error", err)
			continue
		}
		urls = append(urls, found...)
	}
	return urls
}

func anchorLinks(data []byte, base *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	var urls []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if u, ok := sameHost(href, base); ok {
			urls = append(urls, u)
		}
	})
	return urls
}

func hrefAttributes(data []byte, base *url.URL) []string {
	z := html.NewTokenizer(bytes.NewReader(data))
	var urls []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return urls
		case html.StartTagToken, html.SelfClosingTagToken:
			_, hasAttr := z.TagName()
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) != "href" {
					continue
				}
				if u, ok := sameHost(string(val), base); ok {
					urls = append(urls, u)
				}
			}
		}
	}
}

func rawTextLinks(data []byte, base *url.URL) []string {
	var urls []string
	for _, m := range rawURLRe.FindAll(data, -1) {
		if u, ok := sameHost(strings.TrimRight(string(m), ".,;"), base); ok {
			urls = append(urls, u)
		}
	}
	return urls
}

// sameHost resolves href against base and keeps it when it is an http(s)
// URL on base's host. Without a base any absolute http(s) URL is kept.
func sameHost(href string, base *url.URL) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	if base != nil && !strings.EqualFold(u.Hostname(), base.Hostname()) {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// rootElement returns the local name of the first element in data, or "".
func rootElement(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return strings.ToLower(se.Name.Local)
		}
	}
}

func looksLikeHTML(data []byte) bool {
	lower := bytes.ToLower(data)
	for _, marker := range []string{"<html", "<body", "<a "} {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}

func flatten(parts [][]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
