package iteminfo

import (
	"strings"
)

// SearchOptions holds search parameters for name-based searching over listings
type SearchOptions struct {
	CaseSensitive bool     // whether to perform case-sensitive matching
	Terms         []string // search terms to match, any of them
}

// Empty reports whether the query carried no usable term.
func (o SearchOptions) Empty() bool {
	return len(o.Terms) == 0
}

// ParseSearch parses a search query string into SearchOptions
// Supports:
// - case:exact for case-sensitive search
// - "quoted terms" for exact phrase matching
// - term1|term2 for multiple terms (OR logic)
func ParseSearch(value string) SearchOptions {
	opts := SearchOptions{
		CaseSensitive: strings.Contains(value, "case:exact"),
		Terms:         []string{},
	}

	value = strings.ReplaceAll(value, "case:exact", "")
	value = strings.TrimSpace(value)
	if value == "" {
		return opts
	}

	if len(value) > 1 && value[0] == '"' && value[len(value)-1] == '"' {
		if phrase := strings.Trim(value, "\""); phrase != "" {
			opts.Terms = []string{phrase}
		}
		return opts
	}

	for _, term := range strings.Split(value, "|") {
		if term = strings.TrimSpace(term); term != "" {
			opts.Terms = append(opts.Terms, term)
		}
	}
	return opts
}
