package iteminfo

import (
	"time"
)

// Kind tells files and directories apart in a listing.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// FileEntry is one child shown on a directory listing page.
type FileEntry struct {
	Kind     Kind      `json:"kind"`     // "file" or "directory"
	Name     string    `json:"name"`     // base name, never contains a separator
	Size     int64     `json:"size"`     // bytes; for directories the sum of retained descendants
	Modified time.Time `json:"modified"` // mtime of the item itself
}

// IsDir reports whether the entry describes a directory.
func (e FileEntry) IsDir() bool {
	return e.Kind == KindDirectory
}

// ListingRecord is the listing of a single directory, keyed by its id relative to the scan root.
type ListingRecord struct {
	ID       string      `json:"id"`
	Children []FileEntry `json:"children"`
	// Size and Modified describe the directory itself; they are not part of the
	// serialized listing but are kept for the build store.
	Size     int64     `json:"-"`
	Modified time.Time `json:"-"`
}

// Depth returns the number of path segments in the record id; the root is 0.
func (r ListingRecord) Depth() int {
	if r.ID == "/" || r.ID == "" {
		return 0
	}
	depth := 0
	for i := 0; i < len(r.ID); i++ {
		if r.ID[i] == '/' {
			depth++
		}
	}
	return depth
}
