// Package normalizer reads and writes the YAML frontmatter of generated
// Markdown and rewrites relative links to absolute URLs.
package normalizer

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the metadata block at the top of every converted page.
type Frontmatter struct {
	Title       string   `yaml:"title"`
	SourceURL   string   `yaml:"source_url"`
	FetchedAt   string   `yaml:"fetched_at"`
	Breadcrumbs []string `yaml:"breadcrumbs,omitempty"`
}

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?(.*)$`)
	linkRe        = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)((?:\s+"[^"]*")?)\)`)
)

// Split separates the frontmatter from the body. Content without a
// frontmatter block returns a nil Frontmatter and the content unchanged.
func Split(content string) (*Frontmatter, string, error) {
	matches := frontmatterRe.FindStringSubmatch(content)
	if len(matches) != 3 {
		return nil, content, nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(matches[1]), &fm); err != nil {
		return nil, content, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	return &fm, strings.TrimLeft(matches[2], "\r\n"), nil
}

// Join renders fm as a YAML block followed by body.
func Join(fm *Frontmatter, body string) (string, error) {
	if fm == nil {
		return body, nil
	}
	out, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("failed to render frontmatter: %w", err)
	}
	return "---\n" + string(out) + "---\n\n" + body, nil
}

// ResolveLinks rewrites relative link and image destinations against
// sourceURL. Anchors and URLs that already carry a scheme are kept.
func ResolveLinks(body, sourceURL string) string {
	base, err := url.Parse(sourceURL)
	if err != nil || base.Host == "" {
		return body
	}

	return linkRe.ReplaceAllStringFunc(body, func(match string) string {
		sub := linkRe.FindStringSubmatch(match)
		if len(sub) != 4 {
			return match
		}
		text, dest, title := sub[1], sub[2], sub[3]

		if strings.HasPrefix(dest, "#") {
			return match
		}
		rel, err := url.Parse(dest)
		if err != nil || rel.Scheme != "" {
			return match
		}
		return fmt.Sprintf("[%s](%s%s)", text, base.ResolveReference(rel).String(), title)
	})
}
