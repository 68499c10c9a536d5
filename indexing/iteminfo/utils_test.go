package iteminfo

import (
	"testing"

	"golang.org/x/text/language"
)

func names(entries []FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func equalNames(t *testing.T, got []FileEntry, want []string) {
	t.Helper()
	g := names(got)
	if len(g) != len(want) {
		t.Fatalf("expected %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, g)
		}
	}
}

func TestSortEntries(t *testing.T) {
	t.Run("directories before files", func(t *testing.T) {
		entries := []FileEntry{
			{Kind: KindFile, Name: "a.txt"},
			{Kind: KindDirectory, Name: "zeta"},
			{Kind: KindFile, Name: "b.txt"},
			{Kind: KindDirectory, Name: "alpha"},
		}
		SortEntries(entries, NewCollator(language.English))
		equalNames(t, entries, []string{"alpha", "zeta", "a.txt", "b.txt"})
	})

	t.Run("locale aware ignores case at primary level", func(t *testing.T) {
		entries := []FileEntry{
			{Kind: KindFile, Name: "cherry"},
			{Kind: KindFile, Name: "Banana"},
			{Kind: KindFile, Name: "apple"},
		}
		SortEntries(entries, NewCollator(language.English))
		equalNames(t, entries, []string{"apple", "Banana", "cherry"})
	})

	t.Run("nil collator falls back to byte order", func(t *testing.T) {
		entries := []FileEntry{
			{Kind: KindFile, Name: "cherry"},
			{Kind: KindFile, Name: "Banana"},
			{Kind: KindFile, Name: "apple"},
		}
		SortEntries(entries, nil)
		equalNames(t, entries, []string{"Banana", "apple", "cherry"})
	})

	t.Run("empty and single", func(t *testing.T) {
		var empty []FileEntry
		SortEntries(empty, NewCollator(language.English))

		single := []FileEntry{{Kind: KindFile, Name: "only"}}
		SortEntries(single, NewCollator(language.English))
		equalNames(t, single, []string{"only"})
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		base := []FileEntry{
			{Kind: KindFile, Name: "b"},
			{Kind: KindFile, Name: "B"},
			{Kind: KindFile, Name: "a"},
			{Kind: KindDirectory, Name: "x"},
		}
		first := append([]FileEntry(nil), base...)
		second := []FileEntry{base[3], base[1], base[0], base[2]}
		c := NewCollator(language.English)
		SortEntries(first, c)
		SortEntries(second, c)
		equalNames(t, second, names(first))
		if !IsSorted(first, c) {
			t.Fatalf("expected sorted output, got %v", names(first))
		}
	})
}

func TestIsSorted(t *testing.T) {
	c := NewCollator(language.English)
	if IsSorted([]FileEntry{{Kind: KindFile, Name: "a"}, {Kind: KindDirectory, Name: "b"}}, c) {
		t.Errorf("file before directory must not count as sorted")
	}
	if IsSorted([]FileEntry{{Kind: KindFile, Name: "b"}, {Kind: KindFile, Name: "a"}}, c) {
		t.Errorf("descending names must not count as sorted")
	}
	if !IsSorted(nil, c) {
		t.Errorf("empty list is sorted")
	}
}

func TestParseLocale(t *testing.T) {
	tag, err := ParseLocale("zh-CN")
	if err != nil {
		t.Fatalf("ParseLocale failed: %v", err)
	}
	if base, _ := tag.Base(); base.String() != "zh" {
		t.Errorf("expected zh base, got %s", base)
	}

	if tag, err := ParseLocale(""); err != nil || tag != language.Und {
		t.Errorf("expected undetermined tag for empty locale, got %v %v", tag, err)
	}
	if _, err := ParseLocale("not a locale!"); err == nil {
		t.Errorf("expected error for malformed locale")
	}
}

func TestListingRecordDepth(t *testing.T) {
	tests := map[string]int{
		"/":      0,
		"/a":     1,
		"/a/b":   2,
		"/a/b/c": 3,
	}
	for id, want := range tests {
		if got := (ListingRecord{ID: id}).Depth(); got != want {
			t.Errorf("Depth(%q)=%d, want %d", id, got, want)
		}
	}
}

func TestGetParentDirectoryPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"root has no parent", "/", ""},
		{"empty path", "", ""},
		{"top level directory", "/home", "/"},
		{"nested directory", "/home/user/documents", "/home/user"},
		{"path with trailing slash", "/home/user/documents/", "/home/user"},
		{"deeply nested", "/a/b/c/d/e/f", "/a/b/c/d/e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetParentDirectoryPath(tt.path)
			if result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}
