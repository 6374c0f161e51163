// Package converter turns fetched HTML into Markdown with YAML frontmatter.
// The main content is located with readability, falling back to landmark
// selection, then cleaned of page chrome before conversion.
package converter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/f4ah6o/site-snacker-go/internal/normalizer"
)

const (
	extractorReadability = "readability"
	extractorLandmark    = "landmark"
)

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)

	metaCharsetRe      = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	httpEquivRe        = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?Content-Type["']?[^>]+content=["']?[^"']*charset=([^"'\s;>]+)`)
	httpEquivReverseRe = regexp.MustCompile(`(?i)<meta[^>]+content=["']?[^"']*charset=([^"'\s;>]+)[^>]+http-equiv=["']?Content-Type["']?`)
)

var unwantedSelectors = []string{
	"script", "style", "meta", "link", "noscript", "iframe", "svg",
	".sidebar", "header", "footer", "nav", ".nav", ".menu", "#sidebar",
	".navigation", ".toc", "#toc", ".footer", "#footer",
	".breadcrumb", ".breadcrumbs",
}

var breadcrumbSelectors = []string{
	`nav[aria-label="breadcrumb"]`,
	`nav[aria-label="Breadcrumb"]`,
	`[itemtype*="BreadcrumbList"]`,
	".breadcrumb",
	".breadcrumbs",
}

// Metadata summarises a converted page. It is written next to the Markdown
// as <name>.metadata.json.
type Metadata struct {
	Title           string   `json:"title"`
	SourceURL       string   `json:"sourceUrl"`
	FetchedAt       string   `json:"fetchedAt"`
	Breadcrumbs     []string `json:"breadcrumbs,omitempty"`
	Extractor       string   `json:"extractor"`
	WordCount       int      `json:"wordCount"`
	CharCount       int      `json:"charCount"`
	LineCount       int      `json:"lineCount"`
	EstimatedTokens int      `json:"estimatedTokens"`
}

// Document is a converted page.
type Document struct {
	Frontmatter normalizer.Frontmatter
	Body        string
	Metadata    Metadata
}

// Markdown renders the frontmatter and body.
func (d *Document) Markdown() (string, error) {
	return normalizer.Join(&d.Frontmatter, d.Body)
}

// Options configures a Converter.
type Options struct {
	Logger *slog.Logger
}

// Converter converts HTML content to Markdown with YAML frontmatter.
type Converter struct {
	mdConverter *md.Converter
	logger      *slog.Logger
}

// New creates a Converter with ATX headings, fenced code and GFM tables.
func New(opts Options) *Converter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:   "atx",
		CodeBlockStyle: "fenced",
	})
	conv.Use(plugin.GitHubFlavored())
	return &Converter{mdConverter: conv, logger: opts.Logger}
}

// Convert extracts the main content of rawHTML and renders it as Markdown.
func (c *Converter) Convert(rawHTML []byte, sourceURL string, fetchedAt time.Time) (*Document, error) {
	htmlString := decodeHTML(rawHTML)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlString))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	breadcrumbs := extractBreadcrumbs(doc)

	contentHTML, articleTitle, extractor := c.extractReadable(htmlString, sourceURL)
	if contentHTML == "" {
		contentHTML, err = landmarkContent(doc)
		if err != nil {
			return nil, err
		}
		extractor = extractorLandmark
	}

	content, err := goquery.NewDocumentFromReader(strings.NewReader(contentHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}
	cleanHTML(content.Selection)

	cleaned, err := content.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to get HTML: %w", err)
	}
	markdown, err := c.mdConverter.ConvertString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to markdown: %w", err)
	}
	body := normalizer.ResolveLinks(postProcessMarkdown(markdown), sourceURL)
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}

	fm := normalizer.Frontmatter{
		Title:       extractTitle(doc, articleTitle),
		SourceURL:   sourceURL,
		FetchedAt:   fetchedAt.UTC().Format(time.RFC3339),
		Breadcrumbs: breadcrumbs,
	}
	return &Document{
		Frontmatter: fm,
		Body:        body,
		Metadata:    computeMetadata(fm, body, extractor),
	}, nil
}

// ConvertFile converts the HTML at htmlPath and writes outPath plus its
// .metadata.json sibling. fetched_at is the HTML file's modification time so
// that reconverting an unchanged cache file yields identical output.
func (c *Converter) ConvertFile(htmlPath, outPath, sourceURL string) (*Document, error) {
	rawHTML, err := os.ReadFile(htmlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read HTML file: %w", err)
	}
	info, err := os.Stat(htmlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat HTML file: %w", err)
	}

	d, err := c.Convert(rawHTML, sourceURL, info.ModTime())
	if err != nil {
		return nil, err
	}
	out, err := d.Markdown()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(out), 0644); err != nil {
		return nil, fmt.Errorf("failed to write markdown file: %w", err)
	}

	meta, err := json.MarshalIndent(d.Metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(MetadataPath(outPath), meta, 0644); err != nil {
		return nil, fmt.Errorf("failed to write metadata file: %w", err)
	}

	c.logger.Info("converted", "html", htmlPath, "markdown", outPath, "extractor", d.Metadata.Extractor)
	return d, nil
}

// MetadataPath returns the metadata sidecar location for a Markdown path.
func MetadataPath(markdownPath string) string {
	return strings.TrimSuffix(markdownPath, filepath.Ext(markdownPath)) + ".metadata.json"
}

func (c *Converter) extractReadable(htmlString, sourceURL string) (content, title, extractor string) {
	pageURL, err := url.Parse(sourceURL)
	if err != nil {
		return "", "", ""
	}
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(htmlString), pageURL)
	if err != nil {
		c.logger.Debug("readability failed, using landmarks", "url", sourceURL, "error", err)
		return "", "", ""
	}
	if strings.TrimSpace(article.TextContent) == "" || strings.TrimSpace(article.Content) == "" {
		return "", article.Title, ""
	}
	return article.Content, article.Title, extractorReadability
}

func landmarkContent(doc *goquery.Document) (string, error) {
	var main *goquery.Selection
	for _, sel := range []string{"main", "article", "div.content", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			main = s
			break
		}
	}
	if main == nil {
		return "", nil
	}
	h, err := goquery.OuterHtml(main)
	if err != nil {
		return "", fmt.Errorf("failed to get HTML: %w", err)
	}
	return h, nil
}

func extractTitle(doc *goquery.Document, articleTitle string) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(articleTitle); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return "Untitled"
}

func extractBreadcrumbs(doc *goquery.Document) []string {
	for _, sel := range breadcrumbSelectors {
		trail := doc.Find(sel).First()
		if trail.Length() == 0 {
			continue
		}
		items := trail.Find("li")
		if items.Length() == 0 {
			items = trail.Find("a")
		}
		var crumbs []string
		items.Each(func(_ int, s *goquery.Selection) {
			text := strings.Join(strings.Fields(s.Text()), " ")
			if text != "" && (len(crumbs) == 0 || crumbs[len(crumbs)-1] != text) {
				crumbs = append(crumbs, text)
			}
		})
		if len(crumbs) > 0 {
			return crumbs
		}
	}
	return nil
}

func cleanHTML(sel *goquery.Selection) {
	for _, selector := range unwantedSelectors {
		sel.Find(selector).Remove()
	}
}

func postProcessMarkdown(markdown string) string {
	markdown = blankLinesRe.ReplaceAllString(markdown, "\n\n")

	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func computeMetadata(fm normalizer.Frontmatter, body, extractor string) Metadata {
	chars := utf8.RuneCountInString(body)
	lines := 0
	if body != "" {
		lines = strings.Count(strings.TrimSuffix(body, "\n"), "\n") + 1
	}
	return Metadata{
		Title:           fm.Title,
		SourceURL:       fm.SourceURL,
		FetchedAt:       fm.FetchedAt,
		Breadcrumbs:     fm.Breadcrumbs,
		Extractor:       extractor,
		WordCount:       len(strings.Fields(body)),
		CharCount:       chars,
		LineCount:       lines,
		EstimatedTokens: chars / 4,
	}
}

// decodeHTML decodes HTML bytes using the charset declared in a meta tag,
// falling back to UTF-8.
func decodeHTML(body []byte) string {
	if enc := getEncodingFromMeta(body); enc != nil {
		if decoded, err := decodeWithEncoding(body, enc); err == nil {
			return decoded
		}
	}
	return string(body)
}

// getEncodingFromMeta reads the charset from raw bytes so that the document
// is never parsed with the wrong encoding.
func getEncodingFromMeta(body []byte) encoding.Encoding {
	if bytes.HasPrefix(body, []byte{0xEF, 0xBB, 0xBF}) {
		return nil
	}
	for _, re := range []*regexp.Regexp{metaCharsetRe, httpEquivRe, httpEquivReverseRe} {
		sub := re.FindSubmatch(body)
		if len(sub) < 2 {
			continue
		}
		if enc, err := htmlindex.Get(string(sub[1])); err == nil {
			return enc
		}
	}
	return nil
}

func decodeWithEncoding(body []byte, enc encoding.Encoding) (string, error) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(body), enc.NewDecoder()))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
