package indexing

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"github.com/mordilloSan/dirindex/indexing/iteminfo"
)

// Options controls which entries a scan keeps and how listings are ordered.
type Options struct {
	IgnorePrefix  string   // entries starting with this are skipped entirely
	HiddenPrefix  string   // entries starting with this are hidden but mark the parent as having content
	IndexDocument string   // a directory holding this file keeps its own page and gets no listing
	Exclude       []string // glob patterns matched against the relative path and the base name
	Locale        language.Tag

	// Progress, when set, is called after every directory is scanned.
	Progress func(id string, dirs, files int64)
}

// DefaultOptions mirrors how the static site treats its public directory.
func DefaultOptions() Options {
	return Options{
		IgnorePrefix:  "_",
		HiddenPrefix:  ".",
		IndexDocument: "index.html",
		Locale:        language.MustParse("zh-CN"),
	}
}

// RecordWriter receives listing records in emission order (post-order: children before parents).
type RecordWriter interface {
	Write(rec iteminfo.ListingRecord) error
}

// NormalizeIndexPath returns the canonical id representation used throughout the index:
// always leading "/", no trailing "/" (except for root which stays "/").
// It also cleans the path to prevent path traversal attacks (e.g., "/../../../etc").
func NormalizeIndexPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	cleaned := path.Clean("/" + strings.Trim(filepath.ToSlash(p), "/"))
	if cleaned == "" || cleaned == "." {
		return "/"
	}
	return cleaned
}

// ValidateRelativePath reports whether p is free of ".." segments.
// Names that merely contain two dots, such as "a..b", are fine.
func ValidateRelativePath(p string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func childID(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}
