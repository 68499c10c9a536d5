package site

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	sitemapNS = "http://www.sitemaps.org/schemas/sitemap/0.9"

	// DefaultSitemapEntries keeps every chunk below the protocol's 50000 URL limit.
	DefaultSitemapEntries = 45000
)

// DefaultExcludeSuffixes are the error pages kept out of the sitemap.
var DefaultExcludeSuffixes = []string{"/404", "/403"}

type urlset struct {
	XMLName xml.Name     `xml:"urlset"`
	XMLNS   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	XMLNS    string       `xml:"xmlns,attr"`
	Sitemaps []sitemapURL `xml:"sitemap"`
}

// Sitemap writes sitemap-index.xml and its numbered chunks for a set of routes.
type Sitemap struct {
	Site            *Site
	LastMod         time.Time
	ExcludeSuffixes []string
	MaxEntries      int
}

// Filter drops routes that end in one of the excluded suffixes, with or without a trailing slash.
func (sm Sitemap) Filter(routes []string) []string {
	kept := make([]string, 0, len(routes))
	for _, r := range routes {
		trimmed := strings.TrimSuffix(r, "/")
		excluded := false
		for _, suffix := range sm.ExcludeSuffixes {
			if suffix != "" && strings.HasSuffix(trimmed, strings.TrimSuffix(suffix, "/")) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, r)
		}
	}
	return kept
}

func (sm Sitemap) lastmod() string {
	if sm.LastMod.IsZero() {
		return ""
	}
	return sm.LastMod.UTC().Format("2006-01-02T15:04:05.000Z")
}

func (sm Sitemap) absolute(route string) string {
	return sm.Site.URL.ResolveReference(&url.URL{Path: route}).String()
}

// Write renders the sitemap files into dir and returns the written file names.
func (sm Sitemap) Write(dir string, routes []string) ([]string, error) {
	if sm.Site == nil {
		return nil, fmt.Errorf("sitemap needs a site")
	}
	limit := sm.MaxEntries
	if limit <= 0 {
		limit = DefaultSitemapEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sitemap dir: %w", err)
	}

	routes = sm.Filter(routes)
	lastmod := sm.lastmod()

	var written []string
	index := sitemapIndex{XMLNS: sitemapNS}
	for chunk := 0; chunk == 0 || chunk*limit < len(routes); chunk++ {
		end := min((chunk+1)*limit, len(routes))
		set := urlset{XMLNS: sitemapNS, URLs: []sitemapURL{}}
		for _, r := range routes[chunk*limit : end] {
			set.URLs = append(set.URLs, sitemapURL{Loc: sm.absolute(r), LastMod: lastmod})
		}

		name := fmt.Sprintf("sitemap-%d.xml", chunk)
		if err := writeXML(filepath.Join(dir, name), set); err != nil {
			return written, err
		}
		written = append(written, name)
		index.Sitemaps = append(index.Sitemaps, sitemapURL{
			Loc:     sm.absolute(strings.TrimSuffix(sm.Site.Base, "/") + "/" + name),
			LastMod: lastmod,
		})
	}

	if err := writeXML(filepath.Join(dir, sitemapIndexName), index); err != nil {
		return written, err
	}
	return append(written, sitemapIndexName), nil
}

// IndexXML renders sitemap-index.xml pointing at chunks sitemap files.
func (sm Sitemap) IndexXML(chunks int) ([]byte, error) {
	index := sitemapIndex{XMLNS: sitemapNS}
	for i := 0; i < max(chunks, 1); i++ {
		index.Sitemaps = append(index.Sitemaps, sitemapURL{
			Loc:     sm.absolute(strings.TrimSuffix(sm.Site.Base, "/") + fmt.Sprintf("/sitemap-%d.xml", i)),
			LastMod: sm.lastmod(),
		})
	}
	return marshalXML(index)
}

func marshalXML(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal sitemap: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func writeXML(path string, v any) error {
	data, err := marshalXML(v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
