package site

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSitemap(t *testing.T, maxEntries int) Sitemap {
	t.Helper()
	s, err := New("https://example.com", "/", TrailingAlways)
	require.NoError(t, err)
	return Sitemap{
		Site:            s,
		LastMod:         time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
		ExcludeSuffixes: DefaultExcludeSuffixes,
		MaxEntries:      maxEntries,
	}
}

func TestSitemapFilter(t *testing.T) {
	sm := newTestSitemap(t, 0)
	got := sm.Filter([]string{"/", "/404/", "/403", "/docs/", "/docs/404-notes/"})
	assert.Equal(t, []string{"/", "/docs/", "/docs/404-notes/"}, got)
}

func TestSitemapWrite(t *testing.T) {
	dir := t.TempDir()
	sm := newTestSitemap(t, 0)

	files, err := sm.Write(dir, []string{"/", "/docs/", "/404/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sitemap-0.xml", "sitemap-index.xml"}, files)

	var set urlset
	readXML(t, filepath.Join(dir, "sitemap-0.xml"), &set)
	require.Len(t, set.URLs, 2)
	assert.Equal(t, "https://example.com/", set.URLs[0].Loc)
	assert.Equal(t, "https://example.com/docs/", set.URLs[1].Loc)
	assert.Equal(t, "2025-03-04T05:06:07.000Z", set.URLs[0].LastMod)

	var index sitemapIndex
	readXML(t, filepath.Join(dir, "sitemap-index.xml"), &index)
	require.Len(t, index.Sitemaps, 1)
	assert.Equal(t, "https://example.com/sitemap-0.xml", index.Sitemaps[0].Loc)
}

func TestSitemapWriteChunks(t *testing.T) {
	dir := t.TempDir()
	sm := newTestSitemap(t, 2)

	files, err := sm.Write(dir, []string{"/", "/a/", "/b/", "/c/", "/d/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sitemap-0.xml", "sitemap-1.xml", "sitemap-2.xml", "sitemap-index.xml"}, files)

	var last urlset
	readXML(t, filepath.Join(dir, "sitemap-2.xml"), &last)
	require.Len(t, last.URLs, 1)
	assert.Equal(t, "https://example.com/d/", last.URLs[0].Loc)
}

func TestSitemapWriteEmpty(t *testing.T) {
	dir := t.TempDir()
	files, err := newTestSitemap(t, 0).Write(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sitemap-0.xml", "sitemap-index.xml"}, files)
}

func TestSitemapIndexXML(t *testing.T) {
	data, err := newTestSitemap(t, 0).IndexXML(0)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<loc>https://example.com/sitemap-0.xml</loc>")
	assert.Contains(t, string(data), `xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"`)
}

func readXML(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, xml.Unmarshal(data, v))
}
