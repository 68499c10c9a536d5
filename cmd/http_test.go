package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mordilloSan/dirindex/storage"
)

// Test /build starts a build and only accepts POST
func TestHandleBuild(t *testing.T) {
	d := newDaemonWithDB(t)
	writePublicFixture(t, d.cfg.PublicDir)

	req := httptest.NewRequest(http.MethodPost, "/build", nil)
	rr := httptest.NewRecorder()
	d.handleBuild(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("handleBuild status = %d, want 202; body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "running" {
		t.Fatalf("status = %q, want \"running\"", resp.Status)
	}

	waitForBuildCompletion(t, d, 15*time.Second)
	if _, err := d.store.LatestBuild(context.Background()); err != nil {
		t.Fatalf("latest build after /build: %v", err)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/build", nil)
	rr2 := httptest.NewRecorder()
	d.handleBuild(rr2, req2)

	if rr2.Code != http.StatusMethodNotAllowed {
		t.Fatalf("handleBuild GET status = %d, want 405", rr2.Code)
	}
}

// Every mutating endpoint is refused while a build holds the lock
func TestBuildLockRejectsConcurrentWork(t *testing.T) {
	d := newDaemonWithDB(t)
	started, release := blockBuilds(t)

	rr := httptest.NewRecorder()
	d.handleBuild(rr, httptest.NewRequest(http.MethodPost, "/build", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first build status = %d, want 202", rr.Code)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("build did not start")
	}

	for _, tc := range []struct {
		path    string
		handler http.HandlerFunc
	}{
		{"/build", d.handleBuild},
		{"/build/stream", d.handleBuildStream},
		{"/vacuum", d.handleVacuum},
		{"/vacuum/stream", d.handleVacuumStream},
	} {
		rr := httptest.NewRecorder()
		tc.handler(rr, httptest.NewRequest(http.MethodPost, tc.path, nil))
		if rr.Code != http.StatusConflict {
			t.Fatalf("%s status = %d, want 409; body=%s", tc.path, rr.Code, rr.Body.String())
		}
	}
	if err := d.triggerBuild(context.Background(), TriggerSchedule); !errors.Is(err, errBuildRunning) {
		t.Fatalf("triggerBuild err = %v, want errBuildRunning", err)
	}

	statusRR := httptest.NewRecorder()
	d.handleStatus(statusRR, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status statusResponse
	if err := json.Unmarshal(statusRR.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "running" || status.Operation != OperationBuild {
		t.Fatalf("status = %q operation = %q, want running build", status.Status, status.Operation)
	}

	release()
	waitForBuildCompletion(t, d, 5*time.Second)

	rep, lastErr, at := d.lastOutcome()
	if rep == nil || lastErr != "" || at.IsZero() {
		t.Fatalf("last outcome = %+v %q %v, want a successful build", rep, lastErr, at)
	}
}

func TestHandleStatusWhileBuildingIgnoresDBErrors(t *testing.T) {
	d := newDaemonWithDB(t)

	// Simulate an in-progress build and a temporarily unavailable DB.
	d.running.Store(true)
	_ = d.db.Close()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	d.handleStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status HTTP code = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Status  string `json:"status"`
		Warning string `json:"warning"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "running" {
		t.Fatalf("status = %q, want \"running\"", resp.Status)
	}
	if resp.Warning == "" {
		t.Fatalf("expected warning when DB is unavailable; body=%s", rr.Body.String())
	}
}

func TestHandleStatusReportsLatestBuildAndLastError(t *testing.T) {
	d := newBuiltDaemon(t)

	prev := buildOverride
	buildOverride = func(*daemon, context.Context, BuildOptions) (*BuildReport, error) {
		return nil, errors.New("public dir vanished")
	}
	t.Cleanup(func() { buildOverride = prev })
	if err := d.triggerBuild(context.Background(), TriggerWatch); err == nil {
		t.Fatal("expected the overridden build to fail")
	}

	rr := httptest.NewRecorder()
	d.handleStatus(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status HTTP code = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}

	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "idle" {
		t.Fatalf("status = %q, want idle", resp.Status)
	}
	if resp.Version == "" {
		t.Fatal("status is missing the version")
	}
	if resp.LatestBuild == nil || resp.LatestBuild.Status != storage.BuildSuccess {
		t.Fatalf("latest build = %+v, want a successful build", resp.LatestBuild)
	}
	if resp.TotalBuilds != 1 || resp.TotalListings == 0 || resp.TotalEntries == 0 {
		t.Fatalf("unexpected stats: builds=%d listings=%d entries=%d", resp.TotalBuilds, resp.TotalListings, resp.TotalEntries)
	}
	if resp.LastError != "public dir vanished" {
		t.Fatalf("last_error = %q", resp.LastError)
	}
	if resp.LastBuildAt == "" {
		t.Fatal("last_build_at missing")
	}
}

func TestHandleListing(t *testing.T) {
	d := newBuiltDaemon(t)

	rr := httptest.NewRecorder()
	d.handleListing(rr, httptest.NewRequest(http.MethodGet, "/listing?path=/docs/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("listing status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}

	var resp listingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if resp.ID != "/docs" || resp.Route != "/docs/" {
		t.Fatalf("id = %q route = %q", resp.ID, resp.Route)
	}
	if resp.URL != "https://static.example.org/docs/" {
		t.Fatalf("url = %q", resp.URL)
	}
	if resp.Parent != "/" {
		t.Fatalf("parent = %q, want /", resp.Parent)
	}
	if resp.Size != 19 || resp.SizeText != "19 B" {
		t.Fatalf("size = %d (%q), want 19", resp.Size, resp.SizeText)
	}
	if len(resp.Children) != 2 {
		t.Fatalf("children = %+v, want guide and readme.md", resp.Children)
	}
	guide, readme := resp.Children[0], resp.Children[1]
	if guide.Name != "guide" || guide.Route != "/docs/guide/" || guide.Size != 11 {
		t.Fatalf("first child = %+v, want the guide directory", guide)
	}
	if readme.Name != "readme.md" || readme.Route != "" || readme.Size != 8 {
		t.Fatalf("second child = %+v, want readme.md", readme)
	}
	if readme.ModifiedText == "" {
		t.Fatal("modified_text missing")
	}

	rootRR := httptest.NewRecorder()
	d.handleListing(rootRR, httptest.NewRequest(http.MethodGet, "/listing", nil))
	if rootRR.Code != http.StatusOK {
		t.Fatalf("root listing status = %d, want 200", rootRR.Code)
	}
	var root listingResponse
	if err := json.Unmarshal(rootRR.Body.Bytes(), &root); err != nil {
		t.Fatalf("decode root listing: %v", err)
	}
	if root.Parent != "" {
		t.Fatalf("root parent = %q, want none", root.Parent)
	}
	var names []string
	for _, c := range root.Children {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "docs,site,notes.txt" {
		t.Fatalf("root children = %s, want docs,site,notes.txt", got)
	}
	if root.Size != 37 {
		t.Fatalf("root size = %d, want 37", root.Size)
	}
}

func TestHandleListingErrors(t *testing.T) {
	d := newDaemonWithDB(t)

	rr := httptest.NewRecorder()
	d.handleListing(rr, httptest.NewRequest(http.MethodGet, "/listing?path=/", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("listing without build = %d, want 404", rr.Code)
	}

	buildFixture(t, d)
	cases := map[string]int{
		"/listing?path=../etc":   http.StatusBadRequest,
		"/listing?path=/site":    http.StatusNotFound, // index.html suppresses the listing
		"/listing?path=/_drafts": http.StatusNotFound,
		"/listing?path=/missing": http.StatusNotFound,
	}
	for target, want := range cases {
		rr := httptest.NewRecorder()
		d.handleListing(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != want {
			t.Fatalf("%s status = %d, want %d; body=%s", target, rr.Code, want, rr.Body.String())
		}
	}
}

func TestHandleListingAcceptsDottedNames(t *testing.T) {
	d := newDaemonWithDB(t)
	writePublicFixture(t, d.cfg.PublicDir)
	mustWriteFile(t, filepath.Join(d.cfg.PublicDir, "docs", "v1..2", "changes.txt"), []byte("fixed"))
	buildFixture(t, d)

	rr := httptest.NewRecorder()
	d.handleListing(rr, httptest.NewRequest(http.MethodGet, "/listing?path=/docs/v1..2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("listing status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}
	var resp listingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if resp.ID != "/docs/v1..2" || resp.Parent != "/docs/" || resp.Size != 5 {
		t.Fatalf("listing = %+v", resp)
	}

	sizeRR := httptest.NewRecorder()
	d.handleDirSize(sizeRR, httptest.NewRequest(http.MethodGet, "/dirsize?path=/docs/v1..2", nil))
	if sizeRR.Code != http.StatusOK {
		t.Fatalf("dirsize status = %d, want 200; body=%s", sizeRR.Code, sizeRR.Body.String())
	}

	for _, target := range []string{"/listing?path=/docs/v1..2/..", "/listing?path=/docs/../.."} {
		rr := httptest.NewRecorder()
		d.handleListing(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", target, rr.Code)
		}
	}
}

func TestHandleDirSize(t *testing.T) {
	d := newBuiltDaemon(t)

	rr := httptest.NewRecorder()
	d.handleDirSize(rr, httptest.NewRequest(http.MethodGet, "/dirsize?path=/docs/guide", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("dirsize status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Path     string `json:"path"`
		Size     int64  `json:"size"`
		SizeText string `json:"size_text"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode dirsize: %v", err)
	}
	if resp.Path != "/docs/guide" || resp.Size != 11 || resp.SizeText != "11 B" {
		t.Fatalf("dirsize = %+v", resp)
	}

	for target, want := range map[string]int{
		"/dirsize?path=../../etc": http.StatusBadRequest,
		"/dirsize?path=/nope":     http.StatusNotFound,
	} {
		rr := httptest.NewRecorder()
		d.handleDirSize(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != want {
			t.Fatalf("%s status = %d, want %d", target, rr.Code, want)
		}
	}
}

func TestHandleSearch(t *testing.T) {
	d := newDaemonWithDB(t)

	rr := httptest.NewRecorder()
	d.handleSearch(rr, httptest.NewRequest(http.MethodGet, "/search?q=readme", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("search without build = %d, want 200", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Fatalf("search without build = %s, want []", got)
	}

	buildFixture(t, d)

	search := func(q string) []storage.SearchResult {
		t.Helper()
		rr := httptest.NewRecorder()
		d.handleSearch(rr, httptest.NewRequest(http.MethodGet, "/search?q="+q, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("search %q status = %d; body=%s", q, rr.Code, rr.Body.String())
		}
		var results []storage.SearchResult
		if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
			t.Fatalf("decode search: %v", err)
		}
		return results
	}

	results := search("README")
	if len(results) != 1 || results[0].Path != "/docs/readme.md" || results[0].Listing != "/docs" {
		t.Fatalf("search README = %+v", results)
	}
	if results := search("ch1%7Cnotes"); len(results) != 2 {
		t.Fatalf("search ch1|notes = %+v, want 2 results", results)
	}
	if results := search("wip"); len(results) != 0 {
		t.Fatalf("ignored files must not be searchable: %+v", results)
	}
	if results := search("txt&limit=1"); len(results) != 1 {
		t.Fatalf("limit not applied: %+v", results)
	}

	bad := httptest.NewRecorder()
	d.handleSearch(bad, httptest.NewRequest(http.MethodGet, "/search?q=+", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("empty query status = %d, want 400", bad.Code)
	}
}

func TestHandleBuilds(t *testing.T) {
	d := newBuiltDaemon(t)
	buildFixture(t, d)

	rr := httptest.NewRecorder()
	d.handleBuilds(rr, httptest.NewRequest(http.MethodGet, "/builds", nil))
	var builds []storage.Build
	if err := json.Unmarshal(rr.Body.Bytes(), &builds); err != nil {
		t.Fatalf("decode builds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("builds = %d, want 2", len(builds))
	}
	if builds[0].ID <= builds[1].ID {
		t.Fatalf("builds not newest first: %d, %d", builds[0].ID, builds[1].ID)
	}

	limited := httptest.NewRecorder()
	d.handleBuilds(limited, httptest.NewRequest(http.MethodGet, "/builds?limit=1", nil))
	if err := json.Unmarshal(limited.Body.Bytes(), &builds); err != nil {
		t.Fatalf("decode builds: %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("limited builds = %d, want 1", len(builds))
	}
}

func TestHandleRobots(t *testing.T) {
	d := newDaemonWithDB(t)

	rr := httptest.NewRecorder()
	d.handleRobots(rr, httptest.NewRequest(http.MethodGet, "/robots.txt", nil))

	want := "User-agent: *\nAllow: /\n\nSitemap: https://static.example.org/sitemap-index.xml"
	if rr.Body.String() != want {
		t.Fatalf("robots.txt = %q, want %q", rr.Body.String(), want)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestHandleSitemapIndex(t *testing.T) {
	d := newDaemonWithDB(t)

	rr := httptest.NewRecorder()
	d.handleSitemapIndex(rr, httptest.NewRequest(http.MethodGet, "/sitemap-index.xml", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("sitemap index without build = %d, want 404", rr.Code)
	}

	buildFixture(t, d)
	rr = httptest.NewRecorder()
	d.handleSitemapIndex(rr, httptest.NewRequest(http.MethodGet, "/sitemap-index.xml", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("sitemap index status = %d; body=%s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, "<loc>https://static.example.org/sitemap-0.xml</loc>") {
		t.Fatalf("sitemap index missing chunk: %s", body)
	}
	if strings.Contains(body, "sitemap-1.xml") {
		t.Fatalf("sitemap index lists a chunk that was not written: %s", body)
	}
}

func TestHandleVacuum(t *testing.T) {
	d := newBuiltDaemon(t)

	rr := httptest.NewRecorder()
	d.handleVacuum(rr, httptest.NewRequest(http.MethodPost, "/vacuum", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("vacuum status = %d, want 202; body=%s", rr.Code, rr.Body.String())
	}
	waitForBuildCompletion(t, d, 15*time.Second)

	if _, err := d.store.LatestBuild(context.Background()); err != nil {
		t.Fatalf("latest build after vacuum: %v", err)
	}

	get := httptest.NewRecorder()
	d.handleVacuum(get, httptest.NewRequest(http.MethodGet, "/vacuum", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Fatalf("vacuum GET status = %d, want 405", get.Code)
	}
}

func TestServeOpenapi(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rr := httptest.NewRecorder()
	serveOpenapi(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("serveOpenapi status = %d, want 200", rr.Code)
	}

	contentType := rr.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Fatalf("Content-Type = %q, want \"application/json\"", contentType)
	}

	var spec struct {
		OpenAPI string `json:"openapi"`
		Info    struct {
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &spec); err != nil {
		t.Fatalf("decode openapi spec: %v", err)
	}
	if spec.OpenAPI != "3.0.0" {
		t.Fatalf("openapi version = %v, want \"3.0.0\"", spec.OpenAPI)
	}
	if spec.Info.Version != "1.0.0" {
		t.Fatalf("API version = %v, want \"1.0.0\"", spec.Info.Version)
	}
	for _, p := range []string{"/build", "/build/stream", "/listing", "/search", "/sitemap-index.xml"} {
		if _, ok := spec.Paths[p]; !ok {
			t.Fatalf("openapi spec missing %s", p)
		}
	}
}

func TestRoutesServeMetrics(t *testing.T) {
	d := newBuiltDaemon(t)
	srv := httptest.NewServer(d.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/robots.txt")
	if err != nil {
		t.Fatalf("GET /robots.txt: %v", err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, name := range []string{"dirindex_builds_total", "dirindex_last_build_listings", "dirindex_http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
