package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/f4ah6o/site-snacker-go/internal/ai"
	"github.com/f4ah6o/site-snacker-go/internal/config"
	"github.com/f4ah6o/site-snacker-go/internal/converter"
	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
	"github.com/f4ah6o/site-snacker-go/internal/fetcher"
	"github.com/f4ah6o/site-snacker-go/internal/pipeline"
	"github.com/f4ah6o/site-snacker-go/internal/registry"
	"github.com/f4ah6o/site-snacker-go/internal/report"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(stdout, stderr io.Writer) *cli.App {
	app := &cli.App{
		Name:      "sitesnacker",
		Usage:     "Convert web pages and sitemaps into AI-enriched Markdown",
		UsageText: "sitesnacker [run] <url|sitemap> [options]\nsitesnacker <command> [options] [arguments...]",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			runCmd(),
			fetchCmd(),
			convertCmd(),
			processCmd(),
			registryCmd(),
		},
	}
	// Errors are returned to main, which prints them and exits.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a YAML or TOML config file"},
		&cli.BoolFlag{Name: "verbose", Usage: "Enable debug logging"},
	}
}

func fetchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "puppeteer", Usage: "Render with the headless browser instead of a plain request"},
		&cli.IntFlag{Name: "wait", Usage: "Browser settle delay in milliseconds"},
		&cli.IntFlag{Name: "timeout", Usage: "Per-attempt timeout in milliseconds"},
		&cli.BoolFlag{Name: "no-cache", Usage: "Bypass the HTML cache"},
	}
}

// runCmd creates the run command.
func runCmd() *cli.Command {
	flags := append(commonFlags(), fetchFlags()...)
	flags = append(flags, &cli.BoolFlag{Name: "no-merge", Usage: "Do not merge sitemap pages into one document"})
	return &cli.Command{
		Name:      "run",
		Usage:     "Process a page or every page of a sitemap",
		ArgsUsage: "<url|sitemap>",
		Flags:     flags,
		Action: func(c *cli.Context) (err error) {
			if c.NArg() < 1 {
				return outputError(snackerrors.NewInvalidFormat("run needs a URL or sitemap"))
			}
			cfg, logger, err := setup(c)
			if err != nil {
				return outputError(err)
			}
			p, err := newPipeline(cfg, logger)
			if err != nil {
				return outputError(err)
			}
			defer closePipeline(p, logger, &err)

			out, err := p.Run(c.Context, c.Args().First(), runOptions(c))
			if err != nil {
				return outputError(err)
			}
			report.Print(c.App.Writer, out)
			return nil
		},
	}
}

// fetchCmd creates the fetch command.
func fetchCmd() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch a page into the HTML cache",
		ArgsUsage: "<url>",
		Flags:     append(commonFlags(), fetchFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(snackerrors.NewInvalidFormat("fetch needs a URL"))
			}
			cfg, logger, err := setup(c)
			if err != nil {
				return outputError(err)
			}
			f := fetcher.New(fetcher.Options{
				Config:  cfg.Fetcher,
				BaseDir: cfg.Directories.Base,
				Browser: fetcher.NewChromeBrowser(cfg.Fetcher.Browser, cfg.Fetcher.Headers, logger),
				Logger:  logger,
			})
			opts := runOptions(c)
			res, err := f.Fetch(c.Context, c.Args().First(), fetcher.FetchOptions{
				ForceBrowser: opts.ForceBrowser,
				NoCache:      opts.NoCache,
				Wait:         opts.Wait,
				Timeout:      opts.Timeout,
			})
			if err != nil {
				return outputError(err)
			}
			fmt.Fprintf(c.App.Writer, "%s (%s, %d bytes)\n", res.Path, res.Strategy, len(res.HTML))
			return nil
		},
	}
}

// convertCmd creates the convert command.
func convertCmd() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert a cached HTML file to Markdown",
		ArgsUsage: "<html-file> <url>",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Markdown path (defaults to the HTML path with .md)"},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return outputError(snackerrors.NewInvalidFormat("convert needs an HTML file and its URL"))
			}
			_, logger, err := setup(c)
			if err != nil {
				return outputError(err)
			}
			htmlPath := c.Args().Get(0)
			outPath := c.String("output")
			if outPath == "" {
				outPath = strings.TrimSuffix(htmlPath, filepath.Ext(htmlPath)) + ".md"
			}
			doc, err := converter.New(converter.Options{Logger: logger}).ConvertFile(htmlPath, outPath, c.Args().Get(1))
			if err != nil {
				return outputError(err)
			}
			fmt.Fprintf(c.App.Writer, "%s (%q, %d words)\n", outPath, doc.Metadata.Title, doc.Metadata.WordCount)
			return nil
		},
	}
}

// processCmd creates the process command.
func processCmd() *cli.Command {
	return &cli.Command{
		Name:      "process",
		Usage:     "Enrich the media of an existing Markdown file",
		ArgsUsage: "<markdown-file> <url>",
		Flags:     commonFlags(),
		Action: func(c *cli.Context) (err error) {
			if c.NArg() < 2 {
				return outputError(snackerrors.NewInvalidFormat("process needs a Markdown file and its URL"))
			}
			cfg, logger, err := setup(c)
			if err != nil {
				return outputError(err)
			}
			p, err := newPipeline(cfg, logger)
			if err != nil {
				return outputError(err)
			}
			defer closePipeline(p, logger, &err)

			res, err := p.ProcessMarkdown(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return outputError(err)
			}
			report.Page(c.App.Writer, res)
			return nil
		},
	}
}

// registryCmd creates the registry command.
func registryCmd() *cli.Command {
	return &cli.Command{
		Name:  "registry",
		Usage: "Show media registry statistics and entries",
		Flags: append(commonFlags(),
			&cli.BoolFlag{Name: "json", Usage: "Print the registry as JSON"},
		),
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return outputError(err)
			}
			reg, err := registry.Open(registry.Options{Path: cfg.Registry.Path, Logger: logger})
			if err != nil {
				return outputError(err)
			}
			if c.Bool("json") {
				return report.JSON(c.App.Writer, map[string]any{
					"entries": reg.Entries(),
					"stats":   reg.Stats(),
				})
			}
			report.Registry(c.App.Writer, reg.Stats(), reg.Entries())
			return nil
		},
	}
}

// closePipeline saves the media registry. A save failure is logged and
// becomes the command's error unless the command already failed.
func closePipeline(p io.Closer, logger *slog.Logger, errp *error) {
	if cerr := p.Close(); cerr != nil {
		logger.Error("failed to save media registry", "error", cerr)
		if *errp == nil {
			*errp = outputError(cerr)
		}
	}
}

// setup loads the configuration and installs the process logger.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newPipeline builds a pipeline backed by the OpenAI provider.
func newPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline.Pipeline, error) {
	key, err := config.APIKey()
	if err != nil {
		return nil, err
	}
	provider := ai.NewOpenAI(key, cfg, logger)
	return pipeline.New(cfg, pipeline.Deps{
		Describer:   provider,
		Transcriber: provider,
		Logger:      logger,
	})
}

func runOptions(c *cli.Context) pipeline.Options {
	return pipeline.Options{
		ForceBrowser: c.Bool("puppeteer"),
		Wait:         time.Duration(c.Int("wait")) * time.Millisecond,
		Timeout:      time.Duration(c.Int("timeout")) * time.Millisecond,
		NoCache:      c.Bool("no-cache"),
		NoMerge:      c.Bool("no-merge"),
	}
}

// outputError converts an error to a CLI exit error, prefixing the code of
// typed errors.
func outputError(err error) error {
	var snackErr *snackerrors.SnackError
	if stderrors.As(err, &snackErr) {
		msg := fmt.Sprintf("[%s] %s", snackErr.Code, snackErr.Message)
		if snackErr.Err != nil {
			msg += ": " + snackErr.Err.Error()
		}
		return cli.Exit(msg, 1)
	}
	return cli.Exit(err.Error(), 1)
}
