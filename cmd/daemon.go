package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/config"
	"github.com/mordilloSan/dirindex/metrics"
	"github.com/mordilloSan/dirindex/storage"
)

var errBuildRunning = errors.New("build already running")

type daemon struct {
	cfg             *config.Config
	db              *sql.DB
	store           *storage.Store
	servers         []*http.Server
	running         atomic.Bool
	usedSystemdSock bool

	// ctx outlives single requests; builds started over HTTP run on it.
	ctx context.Context

	streamMu sync.RWMutex
	stream   *workStreamBroadcaster

	lastMu    sync.RWMutex
	lastBuild *BuildReport
	lastErr   string
	lastAt    time.Time
}

// NewDaemon opens the build store and prepares the HTTP API.
func NewDaemon(cfg *config.Config) (*daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if !cfg.StoreEnabled() {
		return nil, fmt.Errorf("serve needs the build store; db_path must not be %q", config.DisabledDB)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, dbExisted, err := openDatabaseWithIntegrityCheck(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	logger.Infof("DB connection pool opened: %s", cfg.DBPath)
	journalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	journalMode, err := storage.GetJournalMode(journalCtx, db)
	if err != nil {
		logger.Warnf("Failed to determine database journal_mode: %v", err)
	} else {
		logger.Infof("Database journal_mode: %s", strings.ToUpper(journalMode))
	}

	store := storage.NewStoreWithDB(db, cfg.DBPath)
	if dbExisted {
		logLatestBuildStatus(store)
	}

	return &daemon{
		cfg:   cfg,
		db:    db,
		store: store,
	}, nil
}

func (d *daemon) Close() {
	logger.Infof("Shutting down daemon...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range d.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Server shutdown error: %v", err)
		}
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.Warnf("Database close error: %v", err)
		}
	}

	// systemd owns the socket file when it handed us the listener
	if d.cfg.Serve.Socket != "" && !d.usedSystemdSock {
		if err := os.Remove(d.cfg.Serve.Socket); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove socket: %v", err)
		}
	}

	logger.Infof("Daemon shutdown complete")
}

func (d *daemon) context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// getUnixListener returns the unix socket listener, preferring one passed by systemd
// socket activation. It returns nil when neither systemd nor serve.socket provide one.
func (d *daemon) getUnixListener() (net.Listener, error) {
	if l := systemdUnixListener(); l != nil {
		d.usedSystemdSock = true
		return l, nil
	}
	d.usedSystemdSock = false

	path := d.cfg.Serve.Socket
	if path == "" {
		return nil, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		if closeErr := l.Close(); closeErr != nil {
			logger.Warnf("Failed to close listener after chmod error: %v", closeErr)
		}
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

// systemdUnixListener picks the first unix socket passed via LISTEN_FDS, if any.
func systemdUnixListener() net.Listener {
	listeners, err := activation.Listeners()
	if err != nil {
		logger.Warnf("Systemd socket activation unavailable: %v", err)
		return nil
	}
	var picked net.Listener
	for _, l := range listeners {
		if l == nil {
			continue
		}
		if picked == nil && l.Addr().Network() == "unix" {
			picked = l
			continue
		}
		if err := l.Close(); err != nil {
			logger.Warnf("Failed to close unused systemd listener: %v", err)
		}
	}
	return picked
}

// Run starts the scheduler and watcher (if configured) and the HTTP server, and
// blocks until ctx is cancelled.
func (d *daemon) Run(ctx context.Context) error {
	d.ctx = ctx

	if d.cfg.Serve.Schedule != "" {
		stop, err := d.startScheduler(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	if d.cfg.Serve.Watch {
		w, err := newWatcher(d.cfg, func() error { return d.triggerBuild(ctx, TriggerWatch) })
		if err != nil {
			logger.Warnf("File watcher disabled: %v", err)
		} else {
			defer func() { _ = w.Close() }()
			go w.Run(ctx)
		}
	}

	return d.startHTTP(ctx)
}

// SpawnInitialBuild builds in the background when the store has no successful build yet.
func (d *daemon) SpawnInitialBuild(ctx context.Context) {
	_, err := d.store.LatestBuild(ctx)
	switch {
	case err == nil:
		return
	case !errors.Is(err, storage.ErrNoBuild):
		logger.Errorf("Failed to check for a previous build: %v", err)
		return
	}

	logger.Infof("No previous build found; building in background")
	go func() {
		if err := d.triggerBuild(ctx, TriggerStartup); err != nil {
			logger.Errorf("Initial build failed: %v", err)
		}
	}()
}

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi.json", serveOpenapi)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/build", d.handleBuild)
	mux.HandleFunc("/build/stream", d.handleBuildStream)
	mux.HandleFunc("/vacuum", d.handleVacuum)
	mux.HandleFunc("/vacuum/stream", d.handleVacuumStream)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/builds", d.handleBuilds)
	mux.HandleFunc("/listing", d.handleListing)
	mux.HandleFunc("/dirsize", d.handleDirSize)
	mux.HandleFunc("/search", d.handleSearch)
	mux.HandleFunc("/robots.txt", d.handleRobots)
	mux.HandleFunc("/sitemap-index.xml", d.handleSitemapIndex)
	return metrics.Middleware(mux)
}

func (d *daemon) startHTTP(ctx context.Context) error {
	handler := d.routes()

	errCh := make(chan error, 2)
	serverCount := 0

	l, err := d.getUnixListener()
	if err != nil {
		return err
	}
	if l != nil {
		srv := &http.Server{Handler: handler, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, srv)
		serverCount++
		if d.usedSystemdSock {
			logger.Infof("API listening on unix://%s (systemd socket activation)", l.Addr())
		} else {
			logger.Infof("API listening on unix://%s", d.cfg.Serve.Socket)
		}
		go func() {
			errCh <- srv.Serve(l)
		}()
	}

	if d.cfg.Serve.Listen != "" {
		// no WriteTimeout: SSE streams stay open for the whole build
		tcpSrv := &http.Server{Addr: d.cfg.Serve.Listen, Handler: handler, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, tcpSrv)
		serverCount++
		logger.Infof("API listening on http://%s", displayAddr(d.cfg.Serve.Listen))
		go func() {
			errCh <- tcpSrv.ListenAndServe()
		}()
	}

	if serverCount == 0 {
		return fmt.Errorf("no listeners configured")
	}

	d.SpawnInitialBuild(ctx)

	select {
	case <-ctx.Done():
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		return nil
	case err := <-errCh:
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func (d *daemon) tryLockBuild() bool {
	return d.running.CompareAndSwap(false, true)
}

func (d *daemon) unlockBuild() {
	d.running.Store(false)
}

// triggerBuild runs a build unless one is already in progress.
func (d *daemon) triggerBuild(ctx context.Context, trigger string) error {
	if !d.tryLockBuild() {
		return errBuildRunning
	}
	defer d.unlockBuild()
	_, err := d.executeBuild(ctx, trigger, nil)
	return err
}

// buildOverride replaces the real build in tests.
var buildOverride func(d *daemon, ctx context.Context, opts BuildOptions) (*BuildReport, error)

// executeBuild runs one build with the build lock already held. Progress is published on b,
// or on a fresh broadcaster when b is nil, so /status?stream=true can follow it.
func (d *daemon) executeBuild(ctx context.Context, trigger string, b *workStreamBroadcaster) (*BuildReport, error) {
	if b == nil {
		b = newWorkStreamBroadcaster(OperationBuild, d.cfg.PublicDir)
	}
	d.setWorkStreamBroadcaster(b)
	defer func() {
		d.clearWorkStreamBroadcaster(b)
		b.close()
	}()

	var lastSent time.Time
	opts := BuildOptions{
		Trigger: trigger,
		Progress: func(p BuildProgress) {
			if time.Since(lastSent) < progressInterval {
				return
			}
			lastSent = time.Now()
			_ = b.SendEvent("progress", WorkProgressEvent{
				Operation:    OperationBuild,
				FilesIndexed: p.Files,
				DirsIndexed:  p.Dirs,
				CurrentPath:  p.ID,
			})
		},
	}

	var (
		rep *BuildReport
		err error
	)
	if buildOverride != nil {
		rep, err = buildOverride(d, ctx, opts)
	} else {
		rep, err = runBuild(ctx, d.cfg, d.store, opts)
	}
	d.recordOutcome(rep, err)

	if err != nil {
		logger.Errorf("%s build failed: %v", trigger, err)
		_ = b.SendError(err.Error())
		return nil, err
	}
	_ = b.SendEvent("complete", BuildCompleteEvent{
		BuildID:    rep.BuildID,
		Listings:   rep.Listings,
		NumDirs:    rep.NumDirs,
		NumFiles:   rep.NumFiles,
		TotalSize:  rep.TotalSize,
		DurationMs: rep.Duration.Milliseconds(),
	})
	return rep, nil
}

func (d *daemon) recordOutcome(rep *BuildReport, err error) {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	d.lastAt = time.Now()
	if err != nil {
		d.lastErr = err.Error()
		return
	}
	d.lastBuild = rep
	d.lastErr = ""
}

func (d *daemon) lastOutcome() (*BuildReport, string, time.Time) {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()
	return d.lastBuild, d.lastErr, d.lastAt
}

// openDatabaseWithIntegrityCheck opens a database and checks for corruption.
// A corrupted database is removed and recreated; builds are reproducible from the public dir.
// Returns the opened database connection and whether it existed before.
func openDatabaseWithIntegrityCheck(dbPath string) (*sql.DB, bool, error) {
	dbExisted := fileExists(dbPath)
	if dbExisted {
		logger.Infof("Database exists at %s; checking integrity", dbPath)
	} else {
		logger.Infof("Database not found; creating new at %s", dbPath)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, false, err
	}

	if dbExisted {
		if err := checkDatabaseIntegrity(db); err != nil {
			logger.Warnf("Database corruption detected: %v", err)
			logger.Warnf("Closing corrupted database and recreating")
			if closeErr := db.Close(); closeErr != nil {
				logger.Warnf("Failed to close corrupted database: %v", closeErr)
			}
			if err := os.Remove(dbPath); err != nil {
				return nil, false, fmt.Errorf("failed to remove corrupted database: %w", err)
			}
			_ = os.Remove(dbPath + "-wal")
			_ = os.Remove(dbPath + "-shm")
			db, err = storage.Open(dbPath)
			if err != nil {
				return nil, false, err
			}
			logger.Infof("New database created at %s", dbPath)
			dbExisted = false
		} else {
			logger.Infof("Database integrity check passed")
		}
	}

	return db, dbExisted, nil
}

// checkDatabaseIntegrity runs SQLite's quick_check to detect corruption
func checkDatabaseIntegrity(db *sql.DB) error {
	var result string
	err := db.QueryRow("PRAGMA quick_check;").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func logLatestBuildStatus(store *storage.Store) {
	b, err := store.LatestBuild(context.Background())
	switch {
	case err == nil:
		logger.Infof("Latest build: id=%d started=%s listings=%d dirs=%d files=%d",
			b.ID,
			b.Started.UTC().Format(time.RFC3339),
			b.NumListings,
			b.NumDirs,
			b.NumFiles,
		)
	case errors.Is(err, storage.ErrNoBuild):
		logger.Infof("No prior build found in database")
	default:
		logger.Warnf("Could not load latest build metadata: %v", err)
	}
}
