package indexing

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/mordilloSan/dirindex/indexing/iteminfo"
)

// classify maps a directory entry to a listing kind. Anything that is neither a
// directory nor a regular file (symlinks, sockets, devices, fifos) is reported as not ok.
func classify(entry fs.DirEntry) (iteminfo.Kind, bool) {
	mode := entry.Type()
	switch {
	case mode.IsDir():
		return iteminfo.KindDirectory, true
	case mode.IsRegular():
		return iteminfo.KindFile, true
	default:
		return "", false
	}
}

func (st *scanState) isHidden(name string) bool {
	p := st.opts.HiddenPrefix
	return p != "" && strings.HasPrefix(name, p)
}

// shouldSkip reports entries that are dropped entirely: they are never listed,
// never summed and do not count as hidden content.
func (st *scanState) shouldSkip(id, name string) bool {
	if p := st.opts.IgnorePrefix; p != "" && strings.HasPrefix(name, p) {
		return true
	}
	return matchesExclude(strings.TrimPrefix(id, "/"), st.opts.Exclude)
}

// matchesExclude tests glob patterns against both the slash-separated relative
// path and its base name, so "node_modules" and "docs/*.tmp" both work.
func matchesExclude(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	norm := filepath.ToSlash(rel)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if matched, _ := path.Match(p, norm); matched {
			return true
		}
		if matched, _ := path.Match(p, path.Base(norm)); matched {
			return true
		}
	}
	return false
}
