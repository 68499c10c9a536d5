package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/config"
	"github.com/mordilloSan/dirindex/indexing"
	"github.com/mordilloSan/dirindex/internal/format"
	"github.com/mordilloSan/dirindex/metrics"
	"github.com/mordilloSan/dirindex/site"
	"github.com/mordilloSan/dirindex/storage"
)

const (
	ListingsFile = "listings.json"
	RobotsFile   = "robots.txt"

	writerBuffer = 256
)

// Build triggers, used as the metrics label.
const (
	TriggerCLI      = "cli"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
	TriggerWatch    = "watch"
	TriggerStartup  = "startup"
)

// BuildProgress is reported after every scanned directory.
type BuildProgress struct {
	ID    string `json:"id"`
	Dirs  int64  `json:"dirs"`
	Files int64  `json:"files"`
}

type BuildOptions struct {
	Trigger  string
	Progress func(BuildProgress)
}

// BuildReport is the outcome of one successful build.
type BuildReport struct {
	BuildID   int64         `json:"build_id,omitempty"`
	UUID      string        `json:"uuid,omitempty"`
	Listings  int           `json:"listings"`
	NumDirs   int64         `json:"num_dirs"`
	NumFiles  int64         `json:"num_files"`
	TotalSize int64         `json:"total_size"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Outputs   []string      `json:"outputs"`
	Pruned    int           `json:"pruned_builds,omitempty"`
}

// RunBuild scans the public directory, writes the build output and records the
// build in the store when one is configured.
func RunBuild(ctx context.Context, cfg *config.Config, opts BuildOptions) (*BuildReport, error) {
	var store *storage.Store
	if cfg.StoreEnabled() {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		db, _, err := openDatabaseWithIntegrityCheck(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		store = storage.NewStoreWithDB(db, cfg.DBPath)
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warnf("Database close error: %v", err)
			}
		}()
	}
	return runBuild(ctx, cfg, store, opts)
}

// runBuild is RunBuild against an already open store, which may be nil.
func runBuild(ctx context.Context, cfg *config.Config, store *storage.Store, opts BuildOptions) (*BuildReport, error) {
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerCLI
	}

	rep, err := buildOnce(ctx, cfg, store, opts)
	if err != nil {
		metrics.RecordBuildFailure(trigger)
		return nil, err
	}

	metrics.RecordBuild(trigger, metrics.BuildStats{
		Listings: int64(rep.Listings),
		Dirs:     rep.NumDirs,
		Files:    rep.NumFiles,
		Bytes:    rep.TotalSize,
		Duration: rep.Duration,
		Finished: rep.Started.Add(rep.Duration),
	})
	logger.Infof("Build complete in %v (listings=%d dirs=%d files=%d size=%s trigger=%s)",
		rep.Duration.Truncate(time.Millisecond),
		rep.Listings,
		rep.NumDirs,
		rep.NumFiles,
		format.Bytes(rep.TotalSize),
		trigger,
	)
	return rep, nil
}

func buildOnce(ctx context.Context, cfg *config.Config, store *storage.Store, opts BuildOptions) (*BuildReport, error) {
	st, err := cfg.Site()
	if err != nil {
		return nil, err
	}
	scanOpts, err := cfg.ScanOptions()
	if err != nil {
		return nil, err
	}
	if opts.Progress != nil {
		scanOpts.Progress = func(id string, dirs, files int64) {
			opts.Progress(BuildProgress{ID: id, Dirs: dirs, Files: files})
		}
	}
	idx := indexing.Initialize(cfg.PublicDir, scanOpts)

	if store == nil {
		res, err := idx.Scan()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", cfg.PublicDir, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return writeOutputs(cfg, st, res)
	}

	start := time.Now()
	build, err := store.PrepareBuild(ctx, cfg.PublicDir, st.URL.String())
	if err != nil {
		return nil, err
	}

	writer := storage.NewStreamingWriter(ctx, store.DB(), build.ID, writerBuffer)
	res, err := idx.ScanStream(writer)
	if cerr := writer.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("streaming writer close: %w", cerr)
	}
	var rep *BuildReport
	if err == nil {
		rep, err = writeOutputs(cfg, st, res)
	} else {
		err = fmt.Errorf("scan %s: %w", cfg.PublicDir, err)
	}
	if err != nil {
		// the build row must not stay "running" when the caller has gone away
		if ferr := store.FailBuild(context.WithoutCancel(ctx), build.ID, err, time.Since(start)); ferr != nil {
			logger.Warnf("Failed to mark build %d as failed: %v", build.ID, ferr)
		}
		return nil, err
	}

	listings, _ := writer.Counts()
	if err := store.FinishBuild(ctx, build.ID, storage.BuildSummary{
		Duration:    res.Duration,
		NumDirs:     res.NumDirs,
		NumFiles:    res.NumFiles,
		NumListings: listings,
		TotalSize:   res.TotalSize,
	}); err != nil {
		return nil, err
	}
	rep.BuildID = build.ID
	rep.UUID = build.UUID

	rep.Pruned = maintainStore(ctx, store, cfg.Serve.KeepBuilds)
	return rep, nil
}

// writeOutputs renders listings.json, robots.txt and the sitemap into the out dir.
func writeOutputs(cfg *config.Config, st *site.Site, res *indexing.Result) (*BuildReport, error) {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(cfg.OutDir, ListingsFile), func(f *os.File) error {
		return res.WriteJSON(f)
	}); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(cfg.OutDir, RobotsFile), func(f *os.File) error {
		_, err := f.WriteString(st.RobotsTxt())
		return err
	}); err != nil {
		return nil, err
	}

	sm := site.Sitemap{
		Site:            st,
		LastMod:         res.Started,
		ExcludeSuffixes: cfg.Sitemap.ExcludeSuffixes,
		MaxEntries:      cfg.Sitemap.MaxEntries,
	}
	written, err := sm.Write(cfg.OutDir, st.Routes(res.IDs()))
	if err != nil {
		return nil, err
	}
	if err := removeStaleSitemaps(cfg.OutDir, written); err != nil {
		logger.Warnf("Failed to remove stale sitemap chunks: %v", err)
	}

	return &BuildReport{
		Listings:  len(res.Records),
		NumDirs:   res.NumDirs,
		NumFiles:  res.NumFiles,
		TotalSize: res.TotalSize,
		Started:   res.Started,
		Duration:  res.Duration,
		Outputs:   append([]string{ListingsFile, RobotsFile}, written...),
	}, nil
}

func writeFileAtomic(path string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// removeStaleSitemaps drops sitemap-N.xml chunks left over from a larger previous build.
func removeStaleSitemaps(dir string, keep []string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "sitemap-[0-9]*.xml"))
	if err != nil {
		return err
	}
	kept := make(map[string]bool, len(keep))
	for _, name := range keep {
		kept[name] = true
	}
	var errs []error
	for _, m := range matches {
		if kept[filepath.Base(m)] {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// maintainStore prunes old builds and trims the WAL. Failures are logged, not returned:
// the build itself already succeeded.
func maintainStore(ctx context.Context, store *storage.Store, keep int) int {
	db := store.DB()
	var pruned int
	if ps, err := storage.PruneOldBuilds(ctx, db, keep); err != nil {
		logger.Warnf("Pruning old builds failed: %v", err)
	} else {
		pruned = ps.DeletedBuilds
		if pruned > 0 {
			logger.Infof("Pruned %d old builds (%d entries) in %v", ps.DeletedBuilds, ps.DeletedEntries, ps.Duration)
		}
	}

	if stats, err := storage.WALCheckpointTruncate(ctx, db); err != nil {
		logger.Warnf("WAL checkpoint failed after build: %v", err)
	} else {
		logger.Debugf("WAL checkpoint complete after build in %v (busy=%d log=%d checkpointed=%d)", stats.Duration, stats.Busy, stats.Log, stats.Checkpointed)
	}
	_ = storage.ReleaseSQLiteMemory(ctx, db)
	return pruned
}
