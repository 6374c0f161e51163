// Package registry implements the content-addressed media registry.
//
// Every processed image or audio file is identified by the SHA-256 of its
// bytes. An entry stores the generated description or transcript once,
// together with every page that referenced those bytes and the API cost spent
// producing it. The registry persists as one JSON document; the previous
// version is kept as a single .backup sibling.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

// Kind is the media type of an entry.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Metadata keys with special meaning for AddEntry.
const (
	MetaPagePath    = "pagePath"
	MetaOriginalURL = "originalUrl"
)

// Occurrence records one page that referenced an entry's bytes.
type Occurrence struct {
	PagePath    string    `json:"pagePath"`
	OriginalURL string    `json:"originalUrl"`
	Timestamp   time.Time `json:"timestamp"`
}

// Entry is one unique media file.
type Entry struct {
	Type           Kind           `json:"type"`
	Hash           string         `json:"hash"`
	Content        string         `json:"content"`
	Occurrences    []Occurrence   `json:"occurrences"`
	FirstProcessed time.Time      `json:"firstProcessed"`
	LastUsed       time.Time      `json:"lastUsed"`
	Metadata       map[string]any `json:"metadata"`
	APICost        float64        `json:"apiCost"`
}

// KindCounts holds a count per media kind.
type KindCounts struct {
	Image int `json:"image"`
	Audio int `json:"audio"`
}

// Stats is derived from the entry set and recomputed on every mutation.
type Stats struct {
	TotalFiles     int        `json:"totalFiles"`
	UniqueFiles    KindCounts `json:"uniqueFiles"`
	DuplicateCount KindCounts `json:"duplicateCount"`
	TotalAPICost   float64    `json:"totalApiCost"`
	LastUpdated    time.Time  `json:"lastUpdated"`
}

type document struct {
	Entries map[string]*Entry `json:"entries"`
	Stats   Stats             `json:"stats"`
}

// Options configures a Registry.
type Options struct {
	Path     string
	AutoSave bool
	Backup   bool
	Logger   *slog.Logger
}

// Registry is safe for concurrent use within one process. Concurrent
// processes sharing a file are not coordinated.
type Registry struct {
	path     string
	autoSave bool
	backup   bool
	logger   *slog.Logger

	mu    sync.Mutex
	doc   document
	dirty bool
	now   func() time.Time
}

// Open loads the registry at opts.Path. A missing file yields an empty
// registry; a file that cannot be parsed is an error.
func Open(opts Options) (*Registry, error) {
	if opts.Path == "" {
		opts.Path = filepath.Join("tmp", "media-registry.json")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		path:     opts.Path,
		autoSave: opts.AutoSave,
		backup:   opts.Backup,
		logger:   opts.Logger,
		doc:      document{Entries: map[string]*Entry{}},
		now:      time.Now,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Debug("registry not found, starting empty", "path", r.path)
		return nil
	}
	if err != nil {
		return snackerrors.NewLoadFailed(r.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return snackerrors.NewLoadFailed(r.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*Entry{}
	}
	r.doc = doc
	r.logger.Info("loaded media registry", "path", r.path, "entries", len(doc.Entries))
	return nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", snackerrors.NewFileNotFound(path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateHash checks that hash is 64 lowercase or uppercase hex characters.
func ValidateHash(hash string) error {
	if len(hash) != sha256.Size*2 {
		return snackerrors.NewInvalidHash(hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return snackerrors.NewInvalidHash(hash)
	}
	return nil
}

// HasFile reports whether the current bytes of path are registered.
func (r *Registry) HasFile(path string) (bool, error) {
	entry, err := r.GetEntry(path)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// GetEntry returns a copy of the entry for the current bytes of path, or nil.
func (r *Registry) GetEntry(path string) (*Entry, error) {
	hash, err := HashFile(path)
	if err != nil {
		return nil, err
	}
	return r.GetEntryByHash(hash)
}

// GetEntryByHash returns a copy of the entry for hash, or nil.
func (r *Registry) GetEntryByHash(hash string) (*Entry, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.doc.Entries[hash]
	if !ok {
		return nil, nil
	}
	return e.clone(), nil
}

// AddEntry registers the bytes of path. An existing entry gains an occurrence
// unless the same page already recorded one; a new hash creates an entry.
// The page is metadata["pagePath"] when set, otherwise path itself.
func (r *Registry) AddEntry(path string, kind Kind, content string, metadata map[string]any, apiCost float64) (*Entry, error) {
	if kind != KindImage && kind != KindAudio {
		return nil, snackerrors.NewInvalidFormat(fmt.Sprintf("unknown media kind %q", kind))
	}
	hash, err := HashFile(path)
	if err != nil {
		return nil, err
	}

	pagePath := path
	if v, ok := metadata[MetaPagePath].(string); ok && v != "" {
		pagePath = v
	}
	originalURL, _ := metadata[MetaOriginalURL].(string)

	r.mu.Lock()
	now := r.now()
	occ := Occurrence{PagePath: pagePath, OriginalURL: originalURL, Timestamp: now}

	entry, exists := r.doc.Entries[hash]
	if exists {
		if !entry.hasPage(pagePath) {
			entry.Occurrences = append(entry.Occurrences, occ)
		}
		entry.LastUsed = now
		r.logger.Debug("registry hit", "hash", hash, "occurrences", len(entry.Occurrences))
	} else {
		entry = &Entry{
			Type:           kind,
			Hash:           hash,
			Content:        content,
			Occurrences:    []Occurrence{occ},
			FirstProcessed: now,
			LastUsed:       now,
			Metadata:       copyMetadata(metadata),
			APICost:        apiCost,
		}
		r.doc.Entries[hash] = entry
		r.logger.Debug("registry entry created", "hash", hash, "type", kind)
	}
	r.recomputeStats(now)
	r.dirty = true
	result := entry.clone()
	r.mu.Unlock()

	if r.autoSave {
		if err := r.Save(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// FindDuplicates returns every occurrence recorded for the bytes of path.
func (r *Registry) FindDuplicates(path string) ([]Occurrence, error) {
	entry, err := r.GetEntry(path)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Occurrences, nil
}

// Stats returns a copy of the current aggregate statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Stats
}

// Entries returns copies of all entries ordered by first processing time.
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	out := make([]*Entry, 0, len(r.doc.Entries))
	for _, e := range r.doc.Entries {
		out = append(out, e.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstProcessed.Equal(out[j].FirstProcessed) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].FirstProcessed.Before(out[j].FirstProcessed)
	})
	return out
}

// Save writes the registry when it has unsaved changes or does not exist yet.
// With backups enabled the previous file is copied to <path>.backup first.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, statErr := os.Stat(r.path)
	exists := statErr == nil
	if !r.dirty && exists {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return snackerrors.NewSaveFailed(r.path, err)
	}
	if exists && r.backup {
		if err := copyFile(r.path, r.path+".backup"); err != nil {
			return snackerrors.NewSaveFailed(r.path, err)
		}
	}

	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return snackerrors.NewSaveFailed(r.path, err)
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		return snackerrors.NewSaveFailed(r.path, err)
	}

	r.dirty = false
	r.logger.Debug("saved media registry", "path", r.path, "entries", len(r.doc.Entries))
	return nil
}

func (r *Registry) recomputeStats(now time.Time) {
	var s Stats
	for _, e := range r.doc.Entries {
		n := len(e.Occurrences)
		s.TotalFiles += n
		s.TotalAPICost += e.APICost
		switch e.Type {
		case KindImage:
			s.UniqueFiles.Image++
			s.DuplicateCount.Image += max(n-1, 0)
		case KindAudio:
			s.UniqueFiles.Audio++
			s.DuplicateCount.Audio += max(n-1, 0)
		}
	}
	s.LastUpdated = now
	r.doc.Stats = s
}

func (e *Entry) hasPage(pagePath string) bool {
	for _, o := range e.Occurrences {
		if o.PagePath == pagePath {
			return true
		}
	}
	return false
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Occurrences = append([]Occurrence(nil), e.Occurrences...)
	c.Metadata = copyMetadata(e.Metadata)
	return &c
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
