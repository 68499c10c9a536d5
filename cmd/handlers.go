package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/indexing"
	"github.com/mordilloSan/dirindex/indexing/iteminfo"
	"github.com/mordilloSan/dirindex/internal/format"
	"github.com/mordilloSan/dirindex/internal/version"
	"github.com/mordilloSan/dirindex/site"
	"github.com/mordilloSan/dirindex/storage"
)

func (d *daemon) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if !d.tryLockBuild() {
		http.Error(w, errBuildRunning.Error(), http.StatusConflict)
		return
	}
	go func() {
		defer d.unlockBuild()
		_, _ = d.executeBuild(d.context(), TriggerAPI, nil)
	}()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"running"}`))
}

func (d *daemon) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if !d.tryLockBuild() {
		http.Error(w, errBuildRunning.Error(), http.StatusConflict)
		return
	}

	b := newWorkStreamBroadcaster(OperationVacuum, "")
	d.setWorkStreamBroadcaster(b)
	go func() {
		defer d.unlockBuild()
		d.vacuumWithProgress(d.context(), b)
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "running"})
}

type statusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Operation     string         `json:"operation,omitempty"`
	PublicDir     string         `json:"public_dir"`
	LatestBuild   *storage.Build `json:"latest_build,omitempty"`
	LastBuildAt   string         `json:"last_build_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	TotalBuilds   int            `json:"total_builds"`
	FailedBuilds  int            `json:"failed_builds"`
	TotalListings int64          `json:"total_listings"`
	TotalEntries  int64          `json:"total_entries"`
	DatabaseSize  int64          `json:"database_size"`
	WALSize       int64          `json:"wal_size"`
	SHMSize       int64          `json:"shm_size"`
	TotalOnDisk   int64          `json:"total_on_disk"`
	RSSBytes      int64          `json:"rss_bytes"`

	GoAllocBytes     uint64 `json:"go_alloc_bytes"`
	GoHeapInuseBytes uint64 `json:"go_heap_inuse_bytes"`
	GoSysBytes       uint64 `json:"go_sys_bytes"`
	GoNumGC          uint32 `json:"go_num_gc"`
	Warning          string `json:"warning,omitempty"`
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if wantsEventStream(r) {
		if b := d.currentWorkStream(); b != nil && d.attachStatusStream(w, r, b) {
			return
		}
	}

	ctx := r.Context()
	running := d.running.Load()

	var resp statusResponse
	resp.Status = "idle"
	if running {
		resp.Status = "running"
		if b := d.currentWorkStream(); b != nil {
			resp.Operation = b.Operation()
		}
	}
	resp.PublicDir = d.cfg.PublicDir
	resp.Version = version.Get().Version

	addWarning := func(msg string) {
		if resp.Warning == "" {
			resp.Warning = msg
		} else {
			resp.Warning += "; " + msg
		}
	}

	// A running build holds write locks; store errors then degrade to warnings.
	latest, err := d.store.LatestBuild(ctx)
	switch {
	case err == nil:
		resp.LatestBuild = &latest
	case errors.Is(err, storage.ErrNoBuild):
	case running:
		addWarning(fmt.Sprintf("latest build unavailable: %v", err))
		logger.Warnf("Status: latest build unavailable while building: %v", err)
	default:
		http.Error(w, fmt.Sprintf("error loading status: %v", err), http.StatusInternalServerError)
		return
	}

	stats, err := d.store.GetStats(ctx)
	if err != nil {
		if !running {
			http.Error(w, fmt.Sprintf("error loading stats: %v", err), http.StatusInternalServerError)
			return
		}
		addWarning(fmt.Sprintf("stats unavailable: %v", err))
		logger.Warnf("Status: stats unavailable while building: %v", err)
	}
	if stats != nil {
		resp.TotalBuilds = stats.TotalBuilds
		resp.FailedBuilds = stats.FailedBuilds
		resp.TotalListings = stats.TotalListings
		resp.TotalEntries = stats.TotalEntries
		resp.DatabaseSize = stats.DatabaseSize
		resp.WALSize = stats.WALSize
		resp.SHMSize = stats.SHMSize
		resp.TotalOnDisk = stats.TotalOnDisk
	}

	if _, lastErr, at := d.lastOutcome(); !at.IsZero() {
		resp.LastBuildAt = d.formatTime(at)
		resp.LastError = lastErr
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.GoAllocBytes = ms.Alloc
	resp.GoHeapInuseBytes = ms.HeapInuse
	resp.GoSysBytes = ms.Sys
	resp.GoNumGC = ms.NumGC

	if rss, err := procSelfRSSBytes(); err != nil {
		addWarning(fmt.Sprintf("rss unavailable: %v", err))
	} else {
		resp.RSSBytes = rss
	}

	writeJSON(w, resp)
}

func wantsEventStream(r *http.Request) bool {
	if v, err := strconv.ParseBool(r.URL.Query().Get("stream")); err == nil && v {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// procSelfRSSBytes reads VmRSS from /proc; it fails off Linux.
func procSelfRSSBytes() (int64, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		// VmRSS:\t  12345 kB
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "VmRSS:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("VmRSS not found")
}

func (d *daemon) handleBuilds(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 20, 1)
	builds, err := d.store.Builds(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if builds == nil {
		builds = []storage.Build{}
	}
	writeJSON(w, builds)
}

type entryResponse struct {
	iteminfo.FileEntry
	Route        string `json:"route,omitempty"`
	SizeText     string `json:"size_text"`
	ModifiedText string `json:"modified_text"`
}

type listingResponse struct {
	ID           string          `json:"id"`
	Route        string          `json:"route"`
	URL          string          `json:"url"`
	Parent       string          `json:"parent,omitempty"`
	Size         int64           `json:"size"`
	SizeText     string          `json:"size_text"`
	Modified     time.Time       `json:"modified"`
	ModifiedText string          `json:"modified_text"`
	Children     []entryResponse `json:"children"`
}

// handleListing serves one directory listing of the latest build, with display fields.
func (d *daemon) handleListing(w http.ResponseWriter, r *http.Request) {
	raw := queryPathOrRoot(r.URL.Query().Get("path"))
	if !indexing.ValidateRelativePath(raw) {
		http.Error(w, "invalid path: path traversal not allowed", http.StatusBadRequest)
		return
	}
	st, err := d.cfg.Site()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rec, err := d.store.Listing(r.Context(), raw)
	if err != nil {
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}

	resp := listingResponse{
		ID:           rec.ID,
		Route:        st.Route(rec.ID),
		URL:          st.PageURL(rec.ID),
		Size:         rec.Size,
		SizeText:     format.Bytes(rec.Size).String(),
		Modified:     rec.Modified,
		ModifiedText: d.formatTime(rec.Modified),
		Children:     make([]entryResponse, 0, len(rec.Children)),
	}
	if parent := iteminfo.GetParentDirectoryPath(rec.ID); parent != "" {
		resp.Parent = st.Route(parent)
	}
	for _, c := range rec.Children {
		e := entryResponse{
			FileEntry:    c,
			SizeText:     format.Bytes(c.Size).String(),
			ModifiedText: d.formatTime(c.Modified),
		}
		if c.Kind == iteminfo.KindDirectory {
			e.Route = st.Route(childListingID(rec.ID, c.Name))
		}
		resp.Children = append(resp.Children, e)
	}
	writeJSON(w, resp)
}

func childListingID(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func (d *daemon) handleDirSize(w http.ResponseWriter, r *http.Request) {
	path := queryPathOrRoot(r.URL.Query().Get("path"))
	if !indexing.ValidateRelativePath(path) {
		http.Error(w, "invalid path: path traversal not allowed", http.StatusBadRequest)
		return
	}
	total, err := d.store.DirSize(r.Context(), path)
	if err != nil {
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}
	writeJSON(w, map[string]any{
		"path":      indexing.NormalizeIndexPath(path),
		"size":      total,
		"size_text": format.Bytes(total).String(),
	})
}

func (d *daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "q parameter is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 100, 1)
	results, err := d.store.Search(r.Context(), q, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []storage.SearchResult{}
	}
	writeJSON(w, results)
}

func (d *daemon) handleRobots(w http.ResponseWriter, r *http.Request) {
	st, err := d.cfg.Site()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(st.RobotsTxt()))
}

// handleSitemapIndex renders the index for the chunks the last build wrote to the out dir.
func (d *daemon) handleSitemapIndex(w http.ResponseWriter, r *http.Request) {
	st, err := d.cfg.Site()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	latest, err := d.store.LatestBuild(r.Context())
	if err != nil {
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}
	chunks, err := filepath.Glob(filepath.Join(d.cfg.OutDir, "sitemap-[0-9]*.xml"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sm := site.Sitemap{Site: st, LastMod: latest.Started}
	body, err := sm.IndexXML(len(chunks))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(body)
}

// storeErrorStatus maps store sentinels to 404 and everything else to 500.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNoBuild), errors.Is(err, storage.ErrListingNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (d *daemon) formatTime(t time.Time) string {
	loc, err := d.cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	return format.DateTime(t, loc)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// queryInt parses an integer query parameter with default and minimum value.
func queryInt(q string, def int, minimum int) int {
	if q == "" {
		return def
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < minimum {
		return def
	}
	return v
}

// queryPathOrRoot returns the path query parameter or "/" if empty.
func queryPathOrRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// Minimal OpenAPI spec served at /openapi.json.
func serveOpenapi(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiSpec))
}

const openapiSpec = `{
  "openapi": "3.0.0",
  "info": { "title": "dirindex API", "version": "1.0.0" },
  "paths": {
    "/build": { "post": { "summary": "Start a build", "responses": { "202": {"description": "Started"}, "409": {"description": "Already running"} } } },
    "/build/stream": { "post": { "summary": "Start a build and stream progress (text/event-stream)", "responses": { "200": {"description": "Event stream: started, progress, complete or error"}, "409": {"description": "Already running"} } } },
    "/vacuum": { "post": { "summary": "Prune old builds and reclaim disk space (VACUUM)", "responses": { "202": {"description": "Started"}, "409": {"description": "Already running"} } } },
    "/vacuum/stream": { "post": { "summary": "Vacuum and stream progress (text/event-stream)", "responses": { "200": {"description": "Event stream"}, "409": {"description": "Already running"} } } },
    "/status": { "get": { "summary": "Daemon and store status; attach to the running operation with stream=true", "parameters": [{ "in": "query", "name": "stream", "schema": {"type": "boolean"} }], "responses": { "200": {"description": "Status JSON or event stream"} } } },
    "/builds": { "get": { "summary": "Recorded builds, newest first", "parameters": [{ "in": "query", "name": "limit", "schema": {"type": "integer"} }], "responses": { "200": {"description": "Builds"} } } },
    "/listing": { "get": { "summary": "Directory listing from the latest build", "parameters": [{ "in": "query", "name": "path", "schema": {"type": "string"}, "description": "Listing id (defaults to /)" }], "responses": { "200": {"description": "Listing"}, "400": {"description": "Invalid path"}, "404": {"description": "No build or no listing"} } } },
    "/dirsize": { "get": { "summary": "Retained size of a listed directory", "parameters": [{ "in": "query", "name": "path", "schema": {"type": "string"} }], "responses": { "200": {"description": "Size"}, "404": {"description": "No build or no listing"} } } },
    "/search": { "get": { "summary": "Search entry names of the latest build", "parameters": [{ "in": "query", "name": "q", "required": true, "schema": {"type": "string"} }, { "in": "query", "name": "limit", "schema": {"type": "integer"} }], "responses": { "200": {"description": "Matching entries"}, "400": {"description": "Missing query"} } } },
    "/robots.txt": { "get": { "summary": "robots.txt for the site", "responses": { "200": {"description": "robots.txt"} } } },
    "/sitemap-index.xml": { "get": { "summary": "Sitemap index for the latest build", "responses": { "200": {"description": "Sitemap index"}, "404": {"description": "No build"} } } },
    "/metrics": { "get": { "summary": "Prometheus metrics", "responses": { "200": {"description": "Metrics"} } } }
  }
}`
