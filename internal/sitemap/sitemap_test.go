package sitemap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snackerrors "github.com/f4ah6o/site-snacker-go/internal/errors"
	"github.com/f4ah6o/site-snacker-go/internal/fetcher"
)

// httpRetriever performs plain GETs and fails on non-200 responses.
type httpRetriever struct {
	calls  atomic.Int32
	accept atomic.Value
}

func (r *httpRetriever) Retrieve(ctx context.Context, targetURL string, opts fetcher.FetchOptions) ([]byte, fetcher.Strategy, error) {
	r.calls.Add(1)
	r.accept.Store(opts.Accept)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	return body, fetcher.StrategyLight, err
}

type staticRobots []string

func (s staticRobots) Sitemaps(context.Context, string) []string { return s }

func urlset(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		b.WriteString("<url><loc>" + l + "</loc></url>")
	}
	b.WriteString("</urlset>")
	return b.String()
}

func sitemapIndex(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		b.WriteString("<sitemap><loc>" + l + "</loc></sitemap>")
	}
	b.WriteString("</sitemapindex>")
	return b.String()
}

// newSiteServer serves an index of n child sitemaps with two pages each.
func newSiteServer(t *testing.T, n int, pages map[string]string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body, ok := pages[r.URL.Path]; ok {
			_, _ = io.WriteString(w, strings.ReplaceAll(body, "{{host}}", srv.URL))
			return
		}
		switch {
		case r.URL.Path == "/sitemap_index.xml":
			var children []string
			for i := 1; i <= n; i++ {
				children = append(children, fmt.Sprintf("%s/sitemap-%d.xml", srv.URL, i))
			}
			_, _ = io.WriteString(w, sitemapIndex(children...))
		case strings.HasPrefix(r.URL.Path, "/sitemap-"):
			var i int
			if _, err := fmt.Sscanf(r.URL.Path, "/sitemap-%d.xml", &i); err != nil || i > n {
				http.NotFound(w, r)
				return
			}
			_, _ = io.WriteString(w, urlset(
				fmt.Sprintf("%s/section-%d/a", srv.URL, i),
				fmt.Sprintf("%s/section-%d/b", srv.URL, i),
			))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWalk_IndexYieldsAllChildURLs(t *testing.T) {
	const n = 5
	srv := newSiteServer(t, n, nil)

	seq, err := New(Options{Retriever: &httpRetriever{}}).Walk(context.Background(), srv.URL+"/sitemap_index.xml")
	require.NoError(t, err)
	assert.Len(t, seq, 2*n)
	assert.Equal(t, srv.URL+"/section-1/a", seq[0])
	assert.Equal(t, srv.URL+"/section-5/b", seq[len(seq)-1])

	par, err := New(Options{Retriever: &httpRetriever{}, Parallel: true, MaxConcurrent: 2}).Walk(context.Background(), srv.URL+"/sitemap_index.xml")
	require.NoError(t, err)
	assert.Equal(t, seq, par, "parallel mode keeps index order")
}

func TestWalk_FailingChildIsSkipped(t *testing.T) {
	srv := newSiteServer(t, 2, map[string]string{
		"/with-broken.xml": sitemapIndex("{{host}}/sitemap-1.xml", "{{host}}/sitemap-99.xml", "{{host}}/sitemap-2.xml"),
	})

	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			urls, err := New(Options{Retriever: &httpRetriever{}, Parallel: parallel}).Walk(context.Background(), srv.URL+"/with-broken.xml")
			require.NoError(t, err)
			assert.Len(t, urls, 4)
		})
	}
}

func TestWalk_SendsXMLAccept(t *testing.T) {
	srv := newSiteServer(t, 1, nil)
	r := &httpRetriever{}
	_, err := New(Options{Retriever: r}).Walk(context.Background(), srv.URL+"/sitemap-1.xml")
	require.NoError(t, err)
	assert.Equal(t, XMLAccept, r.accept.Load())
}

func TestWalk_LocalFileAndDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitemap.xml")
	require.NoError(t, os.WriteFile(path, []byte(urlset(
		"https://a.test/1", "https://a.test/2", "https://a.test/1",
	)), 0644))

	r := &httpRetriever{}
	urls, err := New(Options{Retriever: r}).Walk(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/1", "https://a.test/2"}, urls)
	assert.Zero(t, r.calls.Load(), "local files are read from disk")
}

func TestWalk_HTMLCascade(t *testing.T) {
	srv := newSiteServer(t, 1, map[string]string{
		"/anchors.html": `<html><body>
			<a href="/docs/one">One</a>
			<a href="{{host}}/docs/two#frag">Two</a>
			<a href="https://other.test/x">Elsewhere</a>
			<a href="#top">Top</a>
			<a href="mailto:a@b.test">Mail</a>
		</body></html>`,
		"/attrs.html": `<html><head><link rel="alternate" href="/feed/page"></head><body><p>no anchors</p></body></html>`,
		"/raw.html":   `<html><body><script>var next = "{{host}}/raw/page";</script> and https://other.test/no.</body></html>`,
		"/empty.html": `<html><body><p>nothing to see</p></body></html>`,
	})
	ctx := context.Background()
	w := New(Options{Retriever: &httpRetriever{}, Robots: staticRobots{srv.URL + "/sitemap-1.xml"}})

	tests := []struct {
		name string
		path string
		want []string
	}{
		{"anchors", "/anchors.html", []string{srv.URL + "/docs/one", srv.URL + "/docs/two"}},
		{"href attributes", "/attrs.html", []string{srv.URL + "/feed/page"}},
		{"raw text", "/raw.html", []string{srv.URL + "/raw/page"}},
		{"robots sitemap", "/empty.html", []string{srv.URL + "/section-1/a", srv.URL + "/section-1/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			urls, err := w.Walk(ctx, srv.URL+tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, urls)
		})
	}
}

func TestWalk_InvalidSitemap(t *testing.T) {
	srv := newSiteServer(t, 0, map[string]string{
		"/plain.txt":  "just some text",
		"/empty.html": `<html><body><p>nothing</p></body></html>`,
	})
	w := New(Options{Retriever: &httpRetriever{}})

	for _, p := range []string{"/plain.txt", "/empty.html"} {
		_, err := w.Walk(context.Background(), srv.URL+p)
		require.Error(t, err, p)
		assert.True(t, snackerrors.Is(err, snackerrors.ErrInvalidSitemap), p)
	}
}

func TestWalk_MissingLocalFile(t *testing.T) {
	_, err := New(Options{}).Walk(context.Background(), filepath.Join(t.TempDir(), "missing.xml"))
	assert.True(t, snackerrors.Is(err, snackerrors.ErrFileNotFound))
}

func TestIsSitemapSource(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "pages.xml")
	require.NoError(t, os.WriteFile(local, []byte("<urlset/>"), 0644))

	tests := []struct {
		source string
		want   bool
	}{
		{local, true},
		{filepath.Join(dir, "missing.xml"), false},
		{"https://example.com/sitemap_index.xml", true},
		{"https://example.com/SITEMAP", true},
		{"https://example.com/feeds/pages.xml", true},
		{"https://example.com/blog/post", false},
		{"https://example.com/page.xml.html", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSitemapSource(tt.source))
		})
	}
}
