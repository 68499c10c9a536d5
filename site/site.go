// Package site turns listing ids into the public URLs of the static site and
// renders robots.txt and the sitemap files.
package site

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

const sitemapIndexName = "sitemap-index.xml"

// TrailingSlash selects how page routes end.
type TrailingSlash string

const (
	TrailingAlways TrailingSlash = "always"
	TrailingNever  TrailingSlash = "never"
	TrailingIgnore TrailingSlash = "ignore"
)

// ParseTrailingSlash validates a trailing slash policy name.
func ParseTrailingSlash(s string) (TrailingSlash, error) {
	switch ts := TrailingSlash(strings.ToLower(strings.TrimSpace(s))); ts {
	case TrailingAlways, TrailingNever, TrailingIgnore:
		return ts, nil
	case "":
		return TrailingAlways, nil
	default:
		return "", fmt.Errorf("unknown trailing slash policy %q", s)
	}
}

// Site holds the public location of the generated pages.
type Site struct {
	URL           *url.URL
	Base          string
	TrailingSlash TrailingSlash
}

var ErrInvalidSite = errors.New("site must be an absolute http(s) URL")

// New validates the site origin and base path.
func New(siteURL, base string, ts TrailingSlash) (*Site, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site %q: %w", siteURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q: %w", siteURL, ErrInvalidSite)
	}
	if base == "" {
		base = "/"
	}
	if ts == "" {
		ts = TrailingAlways
	}
	return &Site{URL: u, Base: base, TrailingSlash: ts}, nil
}

// SitemapIndexURL joins the base path with sitemap-index.xml and resolves it against site.
func SitemapIndexURL(site, base string) (string, error) {
	u, err := url.Parse(site)
	if err != nil {
		return "", fmt.Errorf("parse site %q: %w", site, err)
	}
	return u.ResolveReference(&url.URL{Path: path.Join(base, sitemapIndexName)}).String(), nil
}

// RobotsTxt renders the robots.txt body. There is no trailing newline.
func RobotsTxt(base, sitemapURL string) string {
	return "User-agent: *\nAllow: " + base + "\n\nSitemap: " + sitemapURL
}

func (s *Site) SitemapIndexURL() string {
	return s.URL.ResolveReference(&url.URL{Path: path.Join(s.Base, sitemapIndexName)}).String()
}

func (s *Site) RobotsTxt() string {
	return RobotsTxt(s.Base, s.SitemapIndexURL())
}

// Route maps a listing id such as "/docs" to its page path under the base.
func (s *Site) Route(id string) string {
	return Route(id, s.Base, s.TrailingSlash)
}

// PageURL is the absolute URL of a listing page.
func (s *Site) PageURL(id string) string {
	return s.URL.ResolveReference(&url.URL{Path: s.Route(id)}).String()
}

// Routes maps every id to its page route, keeping the input order.
func (s *Site) Routes(ids []string) []string {
	routes := make([]string, len(ids))
	for i, id := range ids {
		routes[i] = s.Route(id)
	}
	return routes
}

// Route is the page path of id under base for the given trailing slash policy.
// The root route always keeps its slash.
func Route(id, base string, ts TrailingSlash) string {
	p := path.Join("/", base, id)
	if p == "/" {
		return p
	}
	if ts == TrailingAlways {
		return p + "/"
	}
	return p
}
