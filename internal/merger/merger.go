// Package merger concatenates processed pages into a single document.
package merger

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/f4ah6o/site-snacker-go/internal/normalizer"
)

// Page is one processed page to include.
type Page struct {
	URL  string
	Path string
}

// MergedPath returns <dir>/<host>-<timestamp>.md for a sitemap source.
func MergedPath(dir, source string, now time.Time) string {
	name := "sitemap"
	if u, err := url.Parse(source); err == nil && u.Hostname() != "" {
		name = u.Hostname()
	} else if source != "" {
		name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.md", name, now.UTC().Format("20060102-150405")))
}

// Merge writes the pages in order to outPath and returns outPath. Each page's
// frontmatter is dropped; enrichment annotations are kept as written.
func Merge(pages []Page, source, outPath string, now time.Time) (string, error) {
	var b strings.Builder
	b.WriteString("# Merged Documentation from Sitemap\n\n")
	fmt.Fprintf(&b, "Source: %s\n", source)
	fmt.Fprintf(&b, "Generated on: %s\n\n", now.UTC().Format(time.RFC3339))
	b.WriteString("## Included Pages\n\n")
	for i, p := range pages {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p.URL)
	}
	b.WriteString("\n---\n\n")

	for _, p := range pages {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", p.Path, err)
		}
		_, body, err := normalizer.Split(string(data))
		if err != nil {
			return "", fmt.Errorf("failed to read frontmatter of %s: %w", p.Path, err)
		}

		fmt.Fprintf(&b, "## %s\n\n", strings.TrimSuffix(filepath.Base(p.Path), filepath.Ext(p.Path)))
		fmt.Fprintf(&b, "URL: %s\n\n", p.URL)
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n\n---\n\n")
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create merge directory: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write merged file: %w", err)
	}
	return outPath, nil
}
