package iteminfo

import (
	"testing"
	"time"
)

func TestParseSearch(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		caseSensitive bool
		expectedTerms []string
	}{
		{
			name:          "simple search",
			input:         "test",
			expectedTerms: []string{"test"},
		},
		{
			name:          "case sensitive search",
			input:         "case:exact Test",
			caseSensitive: true,
			expectedTerms: []string{"Test"},
		},
		{
			name:          "quoted exact phrase",
			input:         "\"exact phrase\"",
			expectedTerms: []string{"exact phrase"},
		},
		{
			name:          "multiple terms with OR",
			input:         "term1|term2|term3",
			expectedTerms: []string{"term1", "term2", "term3"},
		},
		{
			name:          "blank alternatives are dropped",
			input:         "a| |b|",
			expectedTerms: []string{"a", "b"},
		},
		{
			name:          "case sensitive with OR",
			input:         "case:exact Term1|Term2",
			caseSensitive: true,
			expectedTerms: []string{"Term1", "Term2"},
		},
		{
			name:          "lone quote",
			input:         "\"",
			expectedTerms: []string{"\""},
		},
		{
			name:          "empty string",
			input:         "",
			expectedTerms: []string{},
		},
		{
			name:          "whitespace only",
			input:         "   ",
			expectedTerms: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseSearch(tt.input)

			if result.CaseSensitive != tt.caseSensitive {
				t.Errorf("Expected CaseSensitive=%v, got %v", tt.caseSensitive, result.CaseSensitive)
			}
			if len(result.Terms) != len(tt.expectedTerms) {
				t.Fatalf("Expected %d terms, got %d (%q)", len(tt.expectedTerms), len(result.Terms), result.Terms)
			}
			for i, term := range tt.expectedTerms {
				if result.Terms[i] != term {
					t.Errorf("Expected term[%d]=%s, got %s", i, term, result.Terms[i])
				}
			}
			if result.Empty() != (len(tt.expectedTerms) == 0) {
				t.Errorf("Empty() mismatch for %q", tt.input)
			}
		})
	}
}

func TestContainsSearchTerm(t *testing.T) {
	tests := []struct {
		name          string
		fileName      string
		searchTerm    string
		caseSensitive bool
		shouldMatch   bool
	}{
		{"exact match case insensitive", "readme.txt", "readme", false, true},
		{"partial match case insensitive", "readme.txt", "read", false, true},
		{"case mismatch case insensitive", "README.TXT", "readme", false, true},
		{"case mismatch case sensitive no match", "README.TXT", "readme", true, false},
		{"case match case sensitive", "README.TXT", "README", true, true},
		{"no match", "readme.txt", "notfound", false, false},
		{"extension match", "document.pdf", ".pdf", false, true},
		{"cjk name", "說明文件.md", "文件", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := FileEntry{
				Kind:     KindFile,
				Name:     tt.fileName,
				Size:     100,
				Modified: time.Now(),
			}
			opts := SearchOptions{
				CaseSensitive: tt.caseSensitive,
				Terms:         []string{tt.searchTerm},
			}

			if got := entry.ContainsSearchTerm(tt.searchTerm, opts); got != tt.shouldMatch {
				t.Errorf("Expected match=%v for '%s' contains '%s' (caseSensitive=%v), got %v",
					tt.shouldMatch, tt.fileName, tt.searchTerm, tt.caseSensitive, got)
			}
			if got := entry.MatchesSearch(opts); got != tt.shouldMatch {
				t.Errorf("MatchesSearch=%v, want %v", got, tt.shouldMatch)
			}
		})
	}
}

func TestMatchesSearchAnyTerm(t *testing.T) {
	entry := FileEntry{Kind: KindDirectory, Name: "photos"}

	if !entry.MatchesSearch(ParseSearch("docs|PHOTO")) {
		t.Errorf("expected OR query to match on second term")
	}
	if entry.MatchesSearch(ParseSearch("case:exact PHOTO")) {
		t.Errorf("expected case-sensitive query not to match")
	}
	if entry.MatchesSearch(ParseSearch("")) {
		t.Errorf("expected empty query to match nothing")
	}
}
