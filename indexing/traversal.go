package indexing

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/mordilloSan/go_logger/logger"
	"golang.org/x/text/collate"

	"github.com/mordilloSan/dirindex/indexing/iteminfo"
)

// scanState is the accumulator of a single scan. It is never shared between scans.
type scanState struct {
	opts     Options
	collator *collate.Collator
	writer   RecordWriter
	keep     bool

	records  []iteminfo.ListingRecord
	emitted  int
	numDirs  int64
	numFiles int64
}

func newScanState(opts Options, w RecordWriter, keep bool) *scanState {
	return &scanState{
		opts:     opts,
		collator: iteminfo.NewCollator(opts.Locale),
		writer:   w,
		keep:     keep,
	}
}

// scanDir walks one directory post-order. It returns the retained size of the
// directory and whether it has anything to show; a directory with no retained
// child, no hidden content and no index document has no content.
func (st *scanState) scanDir(dirPath, id string, modTime time.Time) (int64, bool, error) {
	items, err := os.ReadDir(dirPath)
	if err != nil {
		return 0, false, fmt.Errorf("read directory %s: %w", dirPath, err)
	}
	st.numDirs++

	var (
		children  []iteminfo.FileEntry
		totalSize int64
		hasHidden bool
		hasIndex  bool
	)

	for _, item := range items {
		name := item.Name()
		itemID := childID(id, name)
		if st.shouldSkip(itemID, name) {
			continue
		}

		kind, ok := classify(item)
		if !ok {
			continue
		}

		info, err := item.Info()
		if err != nil {
			return 0, false, fmt.Errorf("stat %s: %w", filepath.Join(dirPath, name), err)
		}
		hidden := st.isHidden(name)

		if kind == iteminfo.KindDirectory {
			// Hidden directories still get their own listing, they are just not linked here.
			size, hasContent, err := st.scanDir(filepath.Join(dirPath, name), itemID, info.ModTime())
			if err != nil {
				return 0, false, err
			}
			if hidden {
				if hasContent {
					hasHidden = true
				}
				continue
			}
			if !hasContent {
				continue
			}
			children = append(children, iteminfo.FileEntry{
				Kind:     iteminfo.KindDirectory,
				Name:     name,
				Size:     size,
				Modified: info.ModTime(),
			})
			totalSize += size
			continue
		}

		st.numFiles++
		if name == st.opts.IndexDocument {
			hasIndex = true
		}
		if hidden {
			hasHidden = true
			continue
		}
		children = append(children, iteminfo.FileEntry{
			Kind:     iteminfo.KindFile,
			Name:     name,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		totalSize += info.Size()
	}

	if st.opts.Progress != nil {
		st.opts.Progress(id, st.numDirs, st.numFiles)
	}

	if len(children) == 0 && !hasHidden && !hasIndex {
		return 0, false, nil
	}

	if hasIndex {
		logger.Debugf("listing for %s suppressed by %s", id, st.opts.IndexDocument)
		return totalSize, true, nil
	}

	iteminfo.SortEntries(children, st.collator)
	if err := st.emit(iteminfo.ListingRecord{
		ID:       id,
		Children: children,
		Size:     totalSize,
		Modified: modTime,
	}); err != nil {
		return 0, false, err
	}
	return totalSize, true, nil
}

func (st *scanState) emit(rec iteminfo.ListingRecord) error {
	if rec.Children == nil {
		rec.Children = []iteminfo.FileEntry{}
	}
	st.emitted++
	if st.writer != nil {
		if err := st.writer.Write(rec); err != nil {
			return fmt.Errorf("write listing %s: %w", rec.ID, err)
		}
	}
	if st.keep {
		st.records = append(st.records, rec)
	}
	return nil
}

// freeze hands the accumulated records over to an immutable Result.
func (st *scanState) freeze(root string) *Result {
	res := &Result{
		Root:     root,
		Records:  slices.Clip(st.records),
		NumDirs:  st.numDirs,
		NumFiles: st.numFiles,
	}
	if st.keep {
		res.byID = make(map[string]int, len(res.Records))
		for i, rec := range res.Records {
			res.byID[rec.ID] = i
		}
	}
	st.records = nil
	return res
}
