// Package urlpath maps URLs to deterministic on-disk locations.
// The host becomes the first directory, so the filesystem doubles as a
// hierarchical cache index with one slot per normalized URL.
package urlpath

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
)

// IndexName replaces an empty URL path.
const IndexName = "index"

// ToFilePath derives the cache path for rawURL under baseDir.
//
// The URL path is stripped of leading and trailing slashes ("index" when
// empty) and mirrored as baseDir/host/<dir>/<stem>/<file>, where stem is the
// last segment without its extension and file is filename when given,
// otherwise the last segment itself.
//
//	ToFilePath("https://example.com/blog/post", "tmp", "")        -> tmp/example.com/blog/post/post
//	ToFilePath("https://example.com/blog/post", "tmp", "post.html") -> tmp/example.com/blog/post/post.html
func ToFilePath(rawURL, baseDir, filename string) (string, error) {
	u, err := Parse(rawURL)
	if err != nil {
		return "", err
	}

	p := strings.Trim(u.Path, "/")
	if p == "" {
		p = IndexName
	}

	dir := path.Dir(p)
	if dir == "." {
		dir = ""
	}
	base := path.Base(p)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		stem = base
	}
	if filename == "" {
		filename = base
	}

	return filepath.Join(baseDir, u.Hostname(), filepath.FromSlash(dir), stem, filename), nil
}

// Dir returns the directory that ToFilePath places files for rawURL in.
func Dir(rawURL, baseDir string) (string, error) {
	p, err := ToFilePath(rawURL, baseDir, "")
	if err != nil {
		return "", err
	}
	return filepath.Dir(p), nil
}

// Basename returns the name ToFilePath uses for rawURL when no override is given.
func Basename(rawURL string) (string, error) {
	p, err := ToFilePath(rawURL, "", "")
	if err != nil {
		return "", err
	}
	return filepath.Base(p), nil
}

// Parse parses rawURL and requires a host.
func Parse(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, snackerrors.NewInvalidURL(rawURL, err)
	}
	if u.Hostname() == "" {
		return nil, snackerrors.NewInvalidURL(rawURL, nil)
	}
	return u, nil
}

// IsURL reports whether s is an absolute http or https URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
