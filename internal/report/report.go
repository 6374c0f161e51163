// Package report prints run results for a terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/f4ah6o/site-snacker-go/internal/pipeline"
	"github.com/f4ah6o/site-snacker-go/internal/registry"
)

var (
	colorHeader  = color.New(color.FgHiMagenta, color.Bold)
	colorBold    = color.New(color.Bold)
	colorOK      = color.New(color.FgGreen)
	colorFailed  = color.New(color.FgRed)
	colorCyan    = color.New(color.FgCyan)
	colorWarning = color.New(color.FgYellow)
)

// Print writes whichever result o carries.
func Print(w io.Writer, o *pipeline.Outcome) {
	switch {
	case o == nil:
	case o.Sitemap != nil:
		Sitemap(w, o.Sitemap)
	case o.Page != nil:
		Page(w, o.Page)
	}
}

// Page writes the summary of one processed page.
func Page(w io.Writer, res *pipeline.Result) {
	colorOK.Fprintf(w, "✓ %s\n", res.URL)
	if res.HTMLPath != "" {
		fmt.Fprintf(w, "   HTML:      %s\n", res.HTMLPath)
	}
	fmt.Fprintf(w, "   Markdown:  %s\n", res.MarkdownPath)
	fmt.Fprintf(w, "   Processed: %s\n", res.ProcessedPath)
	costs(w, res.CostSummary)
}

// Sitemap writes the summary of a sitemap run.
func Sitemap(w io.Writer, res *pipeline.SitemapResult) {
	colorHeader.Fprintf(w, "\nSitemap: %s\n", res.Source)
	fmt.Fprintf(w, "Processed %d pages, %d failed.\n\n", len(res.Processed), len(res.Failed))

	for _, p := range res.Processed {
		colorOK.Fprintf(w, "✓ %s\n", p.URL)
		fmt.Fprintf(w, "   %s\n", p.ProcessedPath)
	}

	if len(res.Failed) > 0 {
		fmt.Fprintln(w)
		colorBold.Fprintln(w, "Failed URLs:")
		for _, f := range res.Failed {
			colorFailed.Fprintf(w, "✗ %s\n", f.URL)
			fmt.Fprintf(w, "   Error: %s\n", f.Error)
			colorWarning.Fprintf(w, "   Retry: %s\n", f.RetryCommand)
		}
	}

	if res.MergedPath != "" {
		fmt.Fprintln(w)
		colorBold.Fprintf(w, "Merged document: %s\n", res.MergedPath)
	}
	costs(w, res.TotalCostSummary)
}

func costs(w io.Writer, summary string) {
	if summary == "" {
		return
	}
	fmt.Fprintln(w)
	colorCyan.Fprintln(w, strings.TrimRight(summary, "\n"))
}

// Registry writes registry statistics followed by one block per entry.
func Registry(w io.Writer, stats registry.Stats, entries []*registry.Entry) {
	colorHeader.Fprintln(w, "\nMedia Registry")
	fmt.Fprintf(w, "Total files:     %d\n", stats.TotalFiles)
	fmt.Fprintf(w, "Unique images:   %d (%d duplicates)\n", stats.UniqueFiles.Image, stats.DuplicateCount.Image)
	fmt.Fprintf(w, "Unique audio:    %d (%d duplicates)\n", stats.UniqueFiles.Audio, stats.DuplicateCount.Audio)
	fmt.Fprintf(w, "Total API cost:  $%.4f\n", stats.TotalAPICost)
	if !stats.LastUpdated.IsZero() {
		fmt.Fprintf(w, "Last updated:    %s\n", stats.LastUpdated.UTC().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w)

	for i, e := range entries {
		colorBold.Fprintf(w, "%d. [%s] %s\n", i+1, e.Type, e.Hash[:min(12, len(e.Hash))])
		fmt.Fprintf(w, "   Used %d times | Cost: $%.4f\n", len(e.Occurrences), e.APICost)
		colorCyan.Fprintln(w, strings.Repeat("-", 40))
		fmt.Fprintln(w, truncate(e.Content, 200))
		fmt.Fprintln(w)
	}
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
