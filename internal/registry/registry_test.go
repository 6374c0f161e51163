package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

func writeMedia(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func openTestRegistry(t *testing.T, dir string, autoSave bool) *Registry {
	t.Helper()
	r, err := Open(Options{Path: filepath.Join(dir, "media-registry.json"), AutoSave: autoSave, Backup: true})
	require.NoError(t, err)
	return r
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	r := openTestRegistry(t, t.TempDir(), false)
	stats := r.Stats()
	assert.Zero(t, stats.TotalFiles)
	assert.Zero(t, stats.UniqueFiles.Image)
	assert.Zero(t, stats.TotalAPICost)
	assert.Empty(t, r.Entries())
}

func TestOpen_CorruptFileFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "media-registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Open(Options{Path: path})
	require.Error(t, err)
	assert.True(t, snackerrors.Is(err, snackerrors.ErrLoadFailed))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "corrupt registry must not be overwritten")
}

func TestAddEntry_SameBytesDifferentPages(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir, false)
	a := writeMedia(t, dir, "page-a/logo.png", "same-bytes")
	b := writeMedia(t, dir, "page-b/logo-copy.png", "same-bytes")

	_, err := r.AddEntry(a, KindImage, "A logo", map[string]any{MetaPagePath: "output/a.md", MetaOriginalURL: "https://a.test/logo.png"}, 0.01)
	require.NoError(t, err)
	entry, err := r.AddEntry(b, KindImage, "ignored", map[string]any{MetaPagePath: "output/b.md", MetaOriginalURL: "https://b.test/logo.png"}, 0.01)
	require.NoError(t, err)

	assert.Equal(t, "A logo", entry.Content, "content never changes after creation")
	require.Len(t, entry.Occurrences, 2)
	assert.Equal(t, "https://a.test/logo.png", entry.Occurrences[0].OriginalURL)
	assert.Equal(t, "output/b.md", entry.Occurrences[1].PagePath)

	stats := r.Stats()
	assert.Equal(t, 1, stats.UniqueFiles.Image)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 1, stats.DuplicateCount.Image)
	assert.Equal(t, 0, stats.UniqueFiles.Audio)
	assert.InDelta(t, 0.01, stats.TotalAPICost, 1e-9)
	assert.Len(t, r.Entries(), 1)
}

func TestAddEntry_SamePageDoesNotDuplicateOccurrence(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir, false)
	path := writeMedia(t, dir, "clip.mp3", "audio-bytes")
	meta := map[string]any{MetaPagePath: "output/page.md"}

	first, err := r.AddEntry(path, KindAudio, "hello world", meta, 0.006)
	require.NoError(t, err)

	r.now = func() time.Time { return first.LastUsed.Add(time.Minute) }
	second, err := r.AddEntry(path, KindAudio, "hello world", meta, 0.006)
	require.NoError(t, err)

	assert.Len(t, second.Occurrences, 1)
	assert.True(t, second.LastUsed.After(first.LastUsed), "lastUsed is refreshed")
	assert.Equal(t, 1, r.Stats().TotalFiles)
	assert.Equal(t, 0, r.Stats().DuplicateCount.Audio)
}

func TestAddEntry_PagePathDefaultsToFilePath(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir, false)
	path := writeMedia(t, dir, "x.png", "x")

	entry, err := r.AddEntry(path, KindImage, "x", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, path, entry.Occurrences[0].PagePath)
}

func TestAddEntry_Errors(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir, false)
	path := writeMedia(t, dir, "x.png", "x")

	_, err := r.AddEntry(path, Kind("video"), "x", nil, 0)
	assert.True(t, snackerrors.Is(err, snackerrors.ErrInvalidFormat))

	_, err = r.AddEntry(filepath.Join(dir, "missing.png"), KindImage, "x", nil, 0)
	assert.True(t, snackerrors.Is(err, snackerrors.ErrFileNotFound))
}

func TestLookupByContent(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir, false)
	original := writeMedia(t, dir, "a/photo.jpg", "jpeg-bytes")
	renamed := writeMedia(t, dir, "b/other-name.jpg", "jpeg-bytes")
	different := writeMedia(t, dir, "c/photo.jpg", "other-bytes")

	_, err := r.AddEntry(original, KindImage, "a photo", map[string]any{MetaPagePath: "p1"}, 0)
	require.NoError(t, err)

	has, err := r.HasFile(renamed)
	require.NoError(t, err)
	assert.True(t, has, "identity is content, not location")

	has, err = r.HasFile(different)
	require.NoError(t, err)
	assert.False(t, has)

	entry, err := r.GetEntry(renamed)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "a photo", entry.Content)
	assert.Equal(t, HashBytes([]byte("jpeg-bytes")), entry.Hash)

	occ, err := r.FindDuplicates(renamed)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, "p1", occ[0].PagePath)

	occ, err = r.FindDuplicates(different)
	require.NoError(t, err)
	assert.Empty(t, occ)
}

func TestGetEntryByHash_Validation(t *testing.T) {
	r := openTestRegistry(t, t.TempDir(), false)

	_, err := r.GetEntryByHash("abc")
	assert.True(t, snackerrors.Is(err, snackerrors.ErrInvalidHash))

	_, err = r.GetEntryByHash(strings.Repeat("z", 64))
	assert.True(t, snackerrors.Is(err, snackerrors.ErrInvalidHash))

	entry, err := r.GetEntryByHash(strings.Repeat("a", 64))
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSave_DirtyTracking(t *testing.T) {
	dir := t.TempDir()
	r := openTestRegistry(t, dir, false)
	path := writeMedia(t, dir, "x.png", "x")

	// A clean registry with no file on disk is still written.
	require.NoError(t, r.Save())
	_, err := os.Stat(r.Path())
	require.NoError(t, err)

	// Clean and present: no write.
	require.NoError(t, os.WriteFile(r.Path(), []byte(`{"entries":{}}`), 0644))
	require.NoError(t, r.Save())
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, `{"entries":{}}`, string(data))

	_, err = r.AddEntry(path, KindImage, "x", nil, 0)
	require.NoError(t, err)
	require.NoError(t, r.Save())
	data, err = os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content": "x"`)
}

func TestSave_BackupAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := openTestRegistry(t, dir, true)
	_, err := first.AddEntry(writeMedia(t, dir, "one.png", "one"), KindImage, "first", nil, 0.5)
	require.NoError(t, err)

	firstSave, err := os.ReadFile(first.Path())
	require.NoError(t, err)
	_, err = os.Stat(first.Path() + ".backup")
	assert.True(t, os.IsNotExist(err), "no backup before a prior version exists")

	second := openTestRegistry(t, dir, true)
	assert.Len(t, second.Entries(), 1, "second instance loads the first save")
	_, err = second.AddEntry(writeMedia(t, dir, "two.mp3", "two"), KindAudio, "second", nil, 0.25)
	require.NoError(t, err)

	backup, err := os.ReadFile(second.Path() + ".backup")
	require.NoError(t, err)
	assert.Equal(t, string(firstSave), string(backup))

	third := openTestRegistry(t, dir, false)
	stats := third.Stats()
	assert.Equal(t, 1, stats.UniqueFiles.Image)
	assert.Equal(t, 1, stats.UniqueFiles.Audio)
	assert.InDelta(t, 0.75, stats.TotalAPICost, 1e-9)
}
