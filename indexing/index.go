package indexing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/indexing/iteminfo"
)

// ErrNotDirectory is returned when the scan root is missing or not a directory.
var ErrNotDirectory = errors.New("scan root is not a directory")

type IndexStatus string

const (
	READY       IndexStatus = "ready"
	INDEXING    IndexStatus = "indexing"
	UNAVAILABLE IndexStatus = "unavailable"
)

// Index scans one root directory into listing records.
type Index struct {
	Root string // filesystem path of the public directory

	opts   Options
	mu     sync.RWMutex
	status IndexStatus
	last   *Result
}

// Result is the frozen outcome of one scan.
type Result struct {
	Root       string
	Records    []iteminfo.ListingRecord // emission order: children before parents, root last
	TotalSize  int64                    // retained bytes under the root
	NumDirs    int64                    // directories traversed, root included
	NumFiles   int64                    // regular files seen, hidden ones included
	HasContent bool                     // false when the root itself yields nothing to show
	Started    time.Time
	Duration   time.Duration

	byID map[string]int
}

// Initialize creates a new index for the given root.
func Initialize(root string, opts Options) *Index {
	idx := &Index{
		Root:   root,
		opts:   opts,
		status: READY,
	}
	logger.Debugf("initialized index for path [%s] (ignore=%q hidden=%q index=%q locale=%s)",
		root, opts.IgnorePrefix, opts.HiddenPrefix, opts.IndexDocument, opts.Locale)
	return idx
}

// Scan walks the root and returns every listing record in memory.
func (idx *Index) Scan() (*Result, error) {
	return idx.scan(nil, true)
}

// ScanTo walks the root and streams each record to w as soon as it is emitted.
// Records are not retained in the returned Result.
func (idx *Index) ScanTo(w RecordWriter) (*Result, error) {
	if w == nil {
		return nil, fmt.Errorf("record writer is required")
	}
	return idx.scan(w, false)
}

// ScanStream streams each record to w like ScanTo and also keeps them in the Result.
func (idx *Index) ScanStream(w RecordWriter) (*Result, error) {
	if w == nil {
		return nil, fmt.Errorf("record writer is required")
	}
	return idx.scan(w, true)
}

func (idx *Index) scan(w RecordWriter, keep bool) (*Result, error) {
	info, err := os.Stat(idx.Root)
	if err != nil {
		return nil, fmt.Errorf("stat scan root %s: %w", idx.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", idx.Root, ErrNotDirectory)
	}

	idx.SetStatus(INDEXING)
	st := newScanState(idx.opts, w, keep)
	start := time.Now()

	total, hasContent, err := st.scanDir(idx.Root, "/", info.ModTime())
	if err != nil {
		idx.SetStatus(UNAVAILABLE)
		return nil, err
	}

	res := st.freeze(idx.Root)
	res.TotalSize = total
	res.HasContent = hasContent
	res.Started = start
	res.Duration = time.Since(start)

	idx.mu.Lock()
	idx.status = READY
	if keep {
		idx.last = res
	}
	idx.mu.Unlock()

	logger.Debugf("scanned [%s]: %d dirs, %d files, %d listings, %d bytes",
		idx.Root, res.NumDirs, res.NumFiles, st.emitted, res.TotalSize)
	return res, nil
}

func (idx *Index) SetStatus(status IndexStatus) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.status = status
}

func (idx *Index) Status() IndexStatus {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.status
}

// Last returns the most recent in-memory result, or nil.
func (idx *Index) Last() *Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.last
}

// Lookup returns the listing for an id. Ids are normalized first, so "/sub/" finds "/sub".
func (r *Result) Lookup(id string) (iteminfo.ListingRecord, bool) {
	if r == nil || r.byID == nil {
		return iteminfo.ListingRecord{}, false
	}
	i, ok := r.byID[NormalizeIndexPath(id)]
	if !ok {
		return iteminfo.ListingRecord{}, false
	}
	return r.Records[i], true
}

// IDs returns the record ids in emission order.
func (r *Result) IDs() []string {
	ids := make([]string, len(r.Records))
	for i, rec := range r.Records {
		ids[i] = rec.ID
	}
	return ids
}

// WriteJSON writes the records as a JSON array of {id, children}.
func (r *Result) WriteJSON(w io.Writer) error {
	records := r.Records
	if records == nil {
		records = []iteminfo.ListingRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode listings: %w", err)
	}
	return nil
}
