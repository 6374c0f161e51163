// Package pipeline wires fetch, conversion, enrichment and merging into the
// single-page and sitemap flows.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/f4ah6o/site-snacker-go/internal/ai"
	"github.com/f4ah6o/site-snacker-go/internal/config"
	"github.com/f4ah6o/site-snacker-go/internal/converter"
	"github.com/f4ah6o/site-snacker-go/internal/cost"
	"github.com/f4ah6o/site-snacker-go/internal/downloader"
	"github.com/f4ah6o/site-snacker-go/internal/enrich"
	"github.com/f4ah6o/site-snacker-go/internal/fetcher"
	"github.com/f4ah6o/site-snacker-go/internal/merger"
	"github.com/f4ah6o/site-snacker-go/internal/registry"
	"github.com/f4ah6o/site-snacker-go/internal/sitemap"
	"github.com/f4ah6o/site-snacker-go/internal/urlpath"
)

// Flow defaults, applied when Options leaves Wait or Timeout at zero.
const (
	PageWait       = 10 * time.Second
	PageTimeout    = 30 * time.Second
	SitemapWait    = 20 * time.Second
	SitemapTimeout = 60 * time.Second
)

// PageFetcher retrieves pages into the HTML cache.
type PageFetcher interface {
	Fetch(ctx context.Context, targetURL string, opts fetcher.FetchOptions) (*fetcher.Result, error)
	Retrieve(ctx context.Context, targetURL string, opts fetcher.FetchOptions) ([]byte, fetcher.Strategy, error)
}

// Robots answers robots.txt questions for the sitemap flow.
type Robots interface {
	IsAllowed(ctx context.Context, targetURL string) bool
	Sitemaps(ctx context.Context, targetURL string) []string
}

// Options adjusts one run.
type Options struct {
	ForceBrowser bool
	Wait         time.Duration
	Timeout      time.Duration
	NoCache      bool
	NoMerge      bool
}

// Deps are the collaborators that tests or callers may substitute. Nil
// fields are built from the configuration.
type Deps struct {
	Fetcher     PageFetcher
	Robots      Robots
	Describer   ai.Describer
	Transcriber ai.Transcriber
	Logger      *slog.Logger
}

// Result describes one processed page.
type Result struct {
	URL           string
	HTMLPath      string
	MarkdownPath  string
	ProcessedPath string
	Strategy      fetcher.Strategy
	CostSummary   string
}

// FailedURL records a page that could not be processed.
type FailedURL struct {
	URL          string
	Error        string
	RetryCommand string
}

// SitemapResult describes a sitemap run.
type SitemapResult struct {
	Source           string
	Processed        []*Result
	Failed           []FailedURL
	MergedPath       string
	TotalCostSummary string
}

// Outcome is what Run produced; exactly one field is set.
type Outcome struct {
	Page    *Result
	Sitemap *SitemapResult
}

// Pipeline owns the long-lived components of a process.
type Pipeline struct {
	cfg       *config.Config
	fetcher   PageFetcher
	robots    Robots
	converter *converter.Converter
	registry  *registry.Registry
	costs     *cost.Tracker
	stage     *enrich.Stage
	walker    *sitemap.Walker
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Pipeline from cfg. Describer and Transcriber must be supplied.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if deps.Describer == nil || deps.Transcriber == nil {
		return nil, fmt.Errorf("pipeline needs a describer and a transcriber")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if deps.Fetcher == nil {
		deps.Fetcher = fetcher.New(fetcher.Options{
			Config:  cfg.Fetcher,
			BaseDir: cfg.Directories.Base,
			Browser: fetcher.NewChromeBrowser(cfg.Fetcher.Browser, cfg.Fetcher.Headers, logger),
			Logger:  logger,
		})
	}
	if deps.Robots == nil {
		deps.Robots = fetcher.NewRobotsChecker(cfg.Fetcher.Browser.UserAgent, logger)
	}

	reg, err := registry.Open(registry.Options{
		Path:     cfg.Registry.Path,
		AutoSave: cfg.Registry.AutoSave,
		Backup:   cfg.Registry.Backup,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	costs := cost.New(cfg.OpenAI.Pricing, cfg.CostTracking)

	p := &Pipeline{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		robots:    deps.Robots,
		converter: converter.New(converter.Options{Logger: logger}),
		registry:  reg,
		costs:     costs,
		stage: enrich.New(enrich.Options{
			Image:    cfg.Processor.Image,
			Audio:    cfg.Processor.Audio,
			Registry: reg,
			Costs:    costs,
			Downloader: downloader.New(downloader.Options{
				Timeout:   cfg.Fetcher.GetTimeout(),
				UserAgent: cfg.Fetcher.Browser.UserAgent,
				Logger:    logger,
			}),
			Describer:   deps.Describer,
			Transcriber: deps.Transcriber,
			Logger:      logger,
		}),
		walker: sitemap.New(sitemap.Options{
			Retriever:     deps.Fetcher,
			Robots:        deps.Robots,
			Parallel:      cfg.Sitemap.Parallel,
			MaxConcurrent: cfg.Sitemap.GetMaxConcurrent(),
			Timeout:       cfg.Fetcher.GetTimeout(),
			Logger:        logger,
		}),
		logger: logger,
		now:    time.Now,
	}
	return p, nil
}

// Registry exposes the media registry.
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// Costs exposes the cost tracker.
func (p *Pipeline) Costs() *cost.Tracker {
	return p.costs
}

// Close flushes the registry.
func (p *Pipeline) Close() error {
	return p.registry.Save()
}

// Run processes source as a sitemap when it looks like one and as a single
// page otherwise.
func (p *Pipeline) Run(ctx context.Context, source string, opts Options) (*Outcome, error) {
	if sitemap.IsSitemapSource(source) {
		res, err := p.ProcessSitemap(ctx, source, opts)
		return &Outcome{Sitemap: res}, err
	}
	res, err := p.ProcessURL(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return &Outcome{Page: res}, nil
}

// ProcessURL fetches, converts and enriches one page.
func (p *Pipeline) ProcessURL(ctx context.Context, pageURL string, opts Options) (*Result, error) {
	opts = withDefaults(opts, PageWait, PageTimeout)
	res, err := p.processURL(ctx, pageURL, opts)
	if err != nil {
		return nil, err
	}
	res.CostSummary = p.costs.Summary()
	return res, nil
}

func (p *Pipeline) processURL(ctx context.Context, pageURL string, opts Options) (*Result, error) {
	p.logger.Info("processing page", "url", pageURL)

	fetched, err := p.fetcher.Fetch(ctx, pageURL, fetcher.FetchOptions{
		ForceBrowser: opts.ForceBrowser,
		NoCache:      opts.NoCache,
		Wait:         opts.Wait,
		Timeout:      opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	// Uncached fetches still need the HTML on disk for conversion.
	if !fetched.FromCache {
		if err := writeFile(fetched.Path, fetched.HTML); err != nil {
			return nil, err
		}
	}

	mdPath := strings.TrimSuffix(fetched.Path, filepath.Ext(fetched.Path)) + ".md"
	if _, err := p.converter.ConvertFile(fetched.Path, mdPath, pageURL); err != nil {
		return nil, err
	}

	res, err := p.enrichFile(ctx, mdPath, pageURL)
	if err != nil {
		return nil, err
	}
	res.HTMLPath = fetched.Path
	res.Strategy = fetched.Strategy
	return res, nil
}

// ProcessMarkdown enriches an already converted Markdown file.
func (p *Pipeline) ProcessMarkdown(ctx context.Context, mdPath, pageURL string) (*Result, error) {
	res, err := p.enrichFile(ctx, mdPath, pageURL)
	if err != nil {
		return nil, err
	}
	res.CostSummary = p.costs.Summary()
	return res, nil
}

func (p *Pipeline) enrichFile(ctx context.Context, mdPath, pageURL string) (*Result, error) {
	data, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read markdown %s: %w", mdPath, err)
	}

	// Mirrors the cache layout so pages sharing a basename stay distinct.
	processedPath, err := urlpath.ToFilePath(pageURL, p.cfg.Directories.ProcessedDir(), filepath.Base(mdPath))
	if err != nil {
		return nil, err
	}
	out, err := p.stage.Process(ctx, string(data), enrich.Page{
		URL:      pageURL,
		Path:     processedPath,
		MediaDir: filepath.Join(filepath.Dir(mdPath), p.cfg.Directories.Media),
	})
	if err != nil {
		return nil, err
	}
	if err := writeFile(processedPath, []byte(out)); err != nil {
		return nil, err
	}
	p.logger.Info("page processed", "url", pageURL, "output", processedPath)

	return &Result{URL: pageURL, MarkdownPath: mdPath, ProcessedPath: processedPath}, nil
}

// ProcessSitemap processes every page a sitemap source names. Page failures
// are recorded and do not stop the run.
func (p *Pipeline) ProcessSitemap(ctx context.Context, source string, opts Options) (*SitemapResult, error) {
	opts = withDefaults(opts, SitemapWait, SitemapTimeout)

	urls, err := p.walker.Walk(ctx, source)
	if err != nil {
		return nil, err
	}
	if p.cfg.Sitemap.RespectRobots {
		urls = p.allowed(ctx, urls)
	}
	p.logger.Info("processing sitemap", "source", source, "pages", len(urls), "parallel", p.cfg.Sitemap.Parallel)

	results := make([]*Result, len(urls))
	errs := make([]error, len(urls))
	if p.cfg.Sitemap.Parallel {
		if err := p.processParallel(ctx, urls, opts, results, errs); err != nil {
			return nil, err
		}
	} else {
		for i, u := range urls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i], errs[i] = p.processURL(ctx, u, opts)
		}
	}

	out := &SitemapResult{Source: source}
	var pages []merger.Page
	for i, u := range urls {
		if errs[i] != nil {
			p.logger.Error("page failed", "url", u, "error", errs[i])
			out.Failed = append(out.Failed, FailedURL{
				URL:          u,
				Error:        errs[i].Error(),
				RetryCommand: RetryCommand(u, opts),
			})
			continue
		}
		out.Processed = append(out.Processed, results[i])
		pages = append(pages, merger.Page{URL: u, Path: results[i].ProcessedPath})
	}

	if !opts.NoMerge && p.cfg.Sitemap.AutoMerge && len(pages) > 0 {
		now := p.now()
		merged, err := merger.Merge(pages, source, merger.MergedPath(p.cfg.Directories.MergedDir(), source, now), now)
		if err != nil {
			return out, fmt.Errorf("failed to merge pages: %w", err)
		}
		out.MergedPath = merged
		p.logger.Info("merged pages", "path", merged, "pages", len(pages))
	}

	out.TotalCostSummary = p.costs.Summary()
	return out, nil
}

// processParallel runs pages concurrently, at most max_concurrent at a time.
// Results land at their URL's index so reporting keeps sitemap order.
func (p *Pipeline) processParallel(ctx context.Context, urls []string, opts Options, results []*Result, errs []error) error {
	sem := semaphore.NewWeighted(int64(p.cfg.Sitemap.GetMaxConcurrent()))
	var wg sync.WaitGroup
	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i], errs[i] = p.processURL(ctx, u, opts)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pipeline) allowed(ctx context.Context, urls []string) []string {
	out := urls[:0:0]
	for _, u := range urls {
		if p.robots.IsAllowed(ctx, u) {
			out = append(out, u)
			continue
		}
		p.logger.Info("skipping disallowed url", "url", u)
	}
	return out
}

// RetryCommand is the command line that retries one failed page with a
// doubled timeout.
func RetryCommand(pageURL string, opts Options) string {
	cmd := fmt.Sprintf("sitesnacker run %s --timeout=%d --wait=%d",
		pageURL, 2*opts.Timeout.Milliseconds(), opts.Wait.Milliseconds())
	if opts.ForceBrowser {
		cmd += " --puppeteer"
	}
	return cmd
}

func withDefaults(opts Options, wait, timeout time.Duration) Options {
	if opts.Wait <= 0 {
		opts.Wait = wait
	}
	if opts.Timeout <= 0 {
		opts.Timeout = timeout
	}
	return opts
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
