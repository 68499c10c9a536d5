package iteminfo

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// NewCollator builds a collator for the given BCP 47 locale. A collator keeps
// internal buffers, so each scan should own its own instance.
func NewCollator(locale language.Tag) *collate.Collator {
	return collate.New(locale)
}

// ParseLocale parses a locale such as "zh-CN" into a language tag.
func ParseLocale(locale string) (language.Tag, error) {
	if strings.TrimSpace(locale) == "" {
		return language.Und, nil
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return language.Und, fmt.Errorf("parse locale %q: %w", locale, err)
	}
	return tag, nil
}

// SortEntries orders entries directories first, then by locale-aware name.
// Byte order breaks collation ties so the result is total and stable across runs.
func SortEntries(entries []FileEntry, c *collate.Collator) {
	slices.SortFunc(entries, func(a, b FileEntry) int {
		if a.Kind != b.Kind {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		if c != nil {
			if r := c.CompareString(a.Name, b.Name); r != 0 {
				return r
			}
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// IsSorted reports whether entries already follow SortEntries order.
func IsSorted(entries []FileEntry, c *collate.Collator) bool {
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if prev.Kind != cur.Kind {
			if !prev.IsDir() {
				return false
			}
			continue
		}
		r := 0
		if c != nil {
			r = c.CompareString(prev.Name, cur.Name)
		}
		if r == 0 {
			r = strings.Compare(prev.Name, cur.Name)
		}
		if r > 0 {
			return false
		}
	}
	return true
}

func GetParentDirectoryPath(path string) string {
	if path == "/" || path == "" {
		return ""
	}
	path = strings.TrimSuffix(path, "/")
	lastSlash := strings.LastIndex(path, "/")

	switch lastSlash {
	case -1:
		return "" // No parent for relative path without slashes
	case 0:
		return "/" // Parent of /foo is /
	default:
		return path[:lastSlash]
	}
}

// ContainsSearchTerm checks if the entry name contains the search term
func (e FileEntry) ContainsSearchTerm(searchTerm string, options SearchOptions) bool {
	fileName := e.Name
	if !options.CaseSensitive {
		fileName = strings.ToLower(fileName)
		searchTerm = strings.ToLower(searchTerm)
	}
	return strings.Contains(fileName, searchTerm)
}

// MatchesSearch reports whether any of the parsed terms matches the entry name.
func (e FileEntry) MatchesSearch(options SearchOptions) bool {
	for _, term := range options.Terms {
		if e.ContainsSearchTerm(term, options) {
			return true
		}
	}
	return false
}
