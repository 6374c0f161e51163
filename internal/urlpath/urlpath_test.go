package urlpath

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

func TestToFilePath(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		baseDir  string
		filename string
		want     string
	}{
		{"root", "https://example.com", "tmp", "", "tmp/example.com/index/index"},
		{"root slash", "https://example.com/", "tmp", "", "tmp/example.com/index/index"},
		{"nested", "https://example.com/blog/post", "tmp", "", "tmp/example.com/blog/post/post"},
		{"trailing slash", "https://example.com/blog/post/", "tmp", "", "tmp/example.com/blog/post/post"},
		{"extension", "https://example.com/docs/page.html", "tmp", "", "tmp/example.com/docs/page/page.html"},
		{"filename override", "https://example.com/blog/post", "tmp", "post.html", "tmp/example.com/blog/post/post.html"},
		{"port dropped", "http://127.0.0.1:8080/a", "out", "", "out/127.0.0.1/a/a"},
		{"query ignored", "https://example.com/a?b=c", "tmp", "", "tmp/example.com/a/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToFilePath(tt.url, tt.baseDir, tt.filename)
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}

func TestToFilePath_DeterministicAndDistinct(t *testing.T) {
	urls := []string{
		"https://example.com/",
		"https://example.com/a",
		"https://example.com/a/b",
		"https://example.com/b",
		"https://other.example.com/a",
	}

	seen := map[string]string{}
	for _, u := range urls {
		first, err := ToFilePath(u, "tmp", "")
		require.NoError(t, err)
		second, err := ToFilePath(u, "tmp", "")
		require.NoError(t, err)
		assert.Equal(t, first, second, "path for %s must be stable", u)

		if prev, ok := seen[first]; ok {
			t.Errorf("%s and %s map to the same path %s", prev, u, first)
		}
		seen[first] = u
	}
}

func TestToFilePath_InvalidURL(t *testing.T) {
	for _, raw := range []string{"::not a url", "/relative/only", ""} {
		_, err := ToFilePath(raw, "tmp", "")
		require.Error(t, err, raw)
		assert.True(t, snackerrors.Is(err, snackerrors.ErrInvalidURL), raw)
	}
}

func TestDirAndBasename(t *testing.T) {
	dir, err := Dir("https://example.com/blog/post", "tmp")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("tmp/example.com/blog/post"), dir)

	base, err := Basename("https://example.com/blog/post")
	require.NoError(t, err)
	assert.Equal(t, "post", base)
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://example.com/sitemap.xml"))
	assert.True(t, IsURL("http://localhost:8080"))
	assert.False(t, IsURL("sitemap.xml"))
	assert.False(t, IsURL("ftp://example.com/file"))
	assert.False(t, IsURL("/var/tmp/x.xml"))
}
