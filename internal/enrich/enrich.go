// Package enrich annotates Markdown with AI descriptions of images and
// transcripts of linked audio.
//
// Each asset is looked up in two tiers. The page-local sidecar
// <media>/<id>.json is checked first and reused when it was produced by the
// configured model. Otherwise the asset is downloaded and its hash checked in
// the media registry; only a registry miss calls the AI provider.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/f4ah6o/site-snacker-go/internal/ai"
	"github.com/f4ah6o/site-snacker-go/internal/config"
	"github.com/f4ah6o/site-snacker-go/internal/cost"
	"github.com/f4ah6o/site-snacker-go/internal/downloader"
	"github.com/f4ah6o/site-snacker-go/internal/registry"
)

var uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

var knownExt = map[registry.Kind][]string{
	registry.KindImage: {".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif", ".bmp"},
	registry.KindAudio: {".mp3", ".wav", ".ogg", ".m4a", ".aac"},
}

// assetHeaders makes each download look like the matching browser request.
var assetHeaders = map[registry.Kind]map[string]string{
	registry.KindImage: {"Accept": "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8", "Sec-Fetch-Dest": "image"},
	registry.KindAudio: {"Accept": "audio/*,*/*;q=0.8", "Sec-Fetch-Dest": "audio"},
}

// Downloader fetches asset bytes.
type Downloader interface {
	Download(ctx context.Context, rawURL, baseURL string, headers map[string]string) (*downloader.Result, error)
}

// Page identifies the document being enriched.
type Page struct {
	// URL resolves relative asset references.
	URL string
	// Path is recorded as the page in registry occurrences.
	Path string
	// MediaDir receives downloaded assets and sidecars.
	MediaDir string
}

// Options configures a Stage. All collaborators are required.
type Options struct {
	Image       config.ImageConfig
	Audio       config.AudioConfig
	Registry    *registry.Registry
	Costs       *cost.Tracker
	Downloader  Downloader
	Describer   ai.Describer
	Transcriber ai.Transcriber
	Logger      *slog.Logger
}

// Stage enriches one page at a time. Assets within a page are handled
// sequentially in document order.
type Stage struct {
	image       config.ImageConfig
	audio       config.AudioConfig
	registry    *registry.Registry
	costs       *cost.Tracker
	downloader  Downloader
	describer   ai.Describer
	transcriber ai.Transcriber
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Stage.
func New(opts Options) *Stage {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stage{
		image:       opts.Image,
		audio:       opts.Audio,
		registry:    opts.Registry,
		costs:       opts.Costs,
		downloader:  opts.Downloader,
		describer:   opts.Describer,
		transcriber: opts.Transcriber,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

type sidecar struct {
	Description   string `json:"description,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Model         string `json:"model"`
	Timestamp     int64  `json:"timestamp"`
}

func (s sidecar) content() string {
	if s.Description != "" {
		return s.Description
	}
	return s.Transcription
}

type insertion struct {
	at   int
	text string
}

// Process returns markdown with an annotation block after every image and
// audio link. The input is never modified. A failing asset is annotated with
// the configured error prefix and does not fail the page.
func (s *Stage) Process(ctx context.Context, markdown string, page Page) (string, error) {
	src := []byte(markdown)
	refs := scan(src)
	if len(refs) == 0 {
		return markdown, nil
	}
	if page.MediaDir != "" {
		if err := os.MkdirAll(page.MediaDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create media directory: %w", err)
		}
	}

	inserts := make([]insertion, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tag, prefix := s.image.Tag, s.image.ErrorPrefix
		if ref.kind == registry.KindAudio {
			tag, prefix = s.audio.Tag, s.audio.ErrorPrefix
		}

		srcURL := ref.dest
		if target, original, err := downloader.Resolve(ref.dest, page.URL); err == nil {
			srcURL = target
			if original != "" {
				srcURL = original
			}
		}

		content, err := s.enrichOne(ctx, ref, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			s.logger.Warn("media enrichment failed", "kind", ref.kind, "url", ref.dest, "page", page.URL, "error", err)
			content = fmt.Sprintf("[%s: %s]", prefix, ref.label)
		}
		inserts = append(inserts, insertion{
			at:   ref.end,
			text: fmt.Sprintf("\n\n<%s src=\"%s\">%s</%s>\n\n", tag, srcURL, content, tag),
		})
	}
	return splice(src, inserts), nil
}

func splice(src []byte, inserts []insertion) string {
	var b strings.Builder
	b.Grow(len(src))
	prev := 0
	for _, ins := range inserts {
		b.Write(src[prev:ins.at])
		b.WriteString(ins.text)
		prev = ins.at
	}
	b.Write(src[prev:])
	return b.String()
}

func (s *Stage) enrichOne(ctx context.Context, ref reference, page Page) (string, error) {
	target, original, err := downloader.Resolve(ref.dest, page.URL)
	if err != nil {
		return "", err
	}
	model := s.image.Model
	if ref.kind == registry.KindAudio {
		model = s.audio.Model
	}

	id := s.assetID(target, ref.kind)
	sidecarPath := filepath.Join(page.MediaDir, id+".json")
	if cached, ok := readSidecar(sidecarPath); ok && cached.Model == model && cached.content() != "" {
		s.logger.Debug("sidecar hit", "id", id, "model", model)
		return cached.content(), nil
	}

	res, err := s.downloader.Download(ctx, ref.dest, page.URL, assetHeaders[ref.kind])
	if err != nil {
		return "", err
	}
	mediaPath := filepath.Join(page.MediaDir, id+assetExt(target, ref.kind))
	if err := os.WriteFile(mediaPath, res.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}

	originalURL := target
	if original != "" {
		originalURL = original
	}
	meta := map[string]any{
		registry.MetaPagePath:    page.Path,
		registry.MetaOriginalURL: originalURL,
		"model":                  model,
	}

	var content string
	entry, err := s.registry.GetEntry(mediaPath)
	if err != nil {
		return "", err
	}
	if entry != nil {
		s.logger.Debug("registry hit", "hash", entry.Hash, "occurrences", len(entry.Occurrences))
		content = entry.Content
		if _, err := s.registry.AddEntry(mediaPath, ref.kind, content, meta, 0); err != nil {
			return "", err
		}
	} else {
		var apiCost float64
		content, apiCost, err = s.generate(ctx, ref, res, id+assetExt(target, ref.kind))
		if err != nil {
			return "", err
		}
		if _, err := s.registry.AddEntry(mediaPath, ref.kind, content, meta, apiCost); err != nil {
			return "", err
		}
	}

	sc := sidecar{Model: model, Timestamp: s.now().UnixMilli()}
	if ref.kind == registry.KindImage {
		sc.Description = content
	} else {
		sc.Transcription = content
	}
	if err := writeSidecar(sidecarPath, sc); err != nil {
		s.logger.Warn("failed to write sidecar", "path", sidecarPath, "error", err)
	}
	return content, nil
}

func (s *Stage) generate(ctx context.Context, ref reference, res *downloader.Result, filename string) (string, float64, error) {
	warn, err := s.costs.Check()
	if err != nil {
		return "", 0, err
	}
	if warn {
		s.logger.Warn("cost warning threshold reached", "total", s.costs.Total())
	}

	if ref.kind == registry.KindImage {
		d, err := s.describer.Describe(ctx, ai.DescribeRequest{
			Image:       res.Data,
			ContentType: res.ContentType,
			AltText:     ref.label,
		})
		if err != nil {
			return "", 0, err
		}
		c := s.costs.TrackVisionAPI(d.Model, d.PromptTokens, d.CompletionTokens, 1)
		s.logger.Info("described image", "url", res.URL, "cost", c)
		return d.Text, c, nil
	}

	tr, err := s.transcriber.Transcribe(ctx, ai.TranscribeRequest{
		Audio:       res.Data,
		Filename:    filename,
		ContentType: res.ContentType,
	})
	if err != nil {
		return "", 0, err
	}
	c := s.costs.TrackAudioAPI(tr.Model, cost.EstimateAudioSeconds(len(res.Data)))
	s.logger.Info("transcribed audio", "url", res.URL, "cost", c)
	return tr.Text, c, nil
}

// assetID prefers a UUID embedded in the URL path so repeated runs map to
// the same sidecar.
func (s *Stage) assetID(target string, kind registry.Kind) string {
	p := target
	if u, err := url.Parse(target); err == nil {
		p = u.Path
	}
	for _, m := range uuidRe.FindAllString(p, -1) {
		if id, err := uuid.Parse(m); err == nil {
			return id.String()
		}
	}
	return fmt.Sprintf("%s-%d", kind, s.now().UnixNano())
}

func assetExt(target string, kind registry.Kind) string {
	p := target
	if u, err := url.Parse(target); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	for _, known := range knownExt[kind] {
		if ext == known {
			return ext
		}
	}
	if kind == registry.KindAudio {
		return ".mp3"
	}
	return ".png"
}

func readSidecar(p string) (sidecar, bool) {
	data, err := os.ReadFile(p)
	if err != nil {
		return sidecar{}, false
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return sidecar{}, false
	}
	return sc, true
}

func writeSidecar(p string, sc sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0644)
}
