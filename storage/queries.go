package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/indexing"
	"github.com/mordilloSan/dirindex/indexing/iteminfo"
)

var (
	ErrNoBuild         = errors.New("no successful build")
	ErrListingNotFound = errors.New("listing not found")
)

type BuildStatus string

const (
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailed  BuildStatus = "failed"
)

// Build is one recorded scan of the public directory.
type Build struct {
	ID          int64         `json:"id"`
	UUID        string        `json:"uuid"`
	Root        string        `json:"root"`
	Site        string        `json:"site,omitempty"`
	Status      BuildStatus   `json:"status"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration_ns"`
	NumDirs     int64         `json:"num_dirs"`
	NumFiles    int64         `json:"num_files"`
	NumListings int64         `json:"num_listings"`
	TotalSize   int64         `json:"total_size"`
	Error       string        `json:"error,omitempty"`
}

// BuildSummary carries the counters recorded when a build finishes.
type BuildSummary struct {
	Duration    time.Duration
	NumDirs     int64
	NumFiles    int64
	NumListings int64
	TotalSize   int64
}

// Store wraps the database connection
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new Store instance and owns the DB handle.
func NewStore(dbPath string) (*Store, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// NewStoreWithDB reuses an existing database handle (e.g., long-lived server).
// dbPath should be the actual SQLite file path (for stats / size reporting).
func NewStoreWithDB(db *sql.DB, dbPath string) *Store {
	return &Store{db: db, dbPath: dbPath}
}

// Close closes the database connection (only use if Store owns the DB).
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PrepareBuild inserts a running build row and returns it.
func (s *Store) PrepareBuild(ctx context.Context, root, site string) (Build, error) {
	ctx = ensureContext(ctx)
	b := Build{
		UUID:    uuid.NewString(),
		Root:    root,
		Site:    site,
		Status:  BuildRunning,
		Started: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO builds (uuid, root_path, site, status, started_at)
        VALUES (?, ?, ?, ?, ?)
    `, b.UUID, b.Root, b.Site, string(b.Status), b.Started.UnixMilli())
	if err != nil {
		return Build{}, fmt.Errorf("insert build: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return Build{}, fmt.Errorf("build id: %w", err)
	}
	return b, nil
}

// FinishBuild marks a build successful and records its counters.
func (s *Store) FinishBuild(ctx context.Context, id int64, sum BuildSummary) error {
	ctx = ensureContext(ctx)
	_, err := s.db.ExecContext(ctx, `
        UPDATE builds
        SET status = ?, duration_ms = ?, num_dirs = ?, num_files = ?,
            num_listings = ?, total_size = ?, error = ''
        WHERE id = ?
    `, string(BuildSuccess), sum.Duration.Milliseconds(), sum.NumDirs, sum.NumFiles,
		sum.NumListings, sum.TotalSize, id)
	if err != nil {
		return fmt.Errorf("finish build %d: %w", id, err)
	}
	return nil
}

// FailBuild marks a build failed and drops whatever listings it had written.
func (s *Store) FailBuild(ctx context.Context, id int64, cause error, elapsed time.Duration) error {
	ctx = ensureContext(ctx)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE build_id = ?`, id); err != nil {
		return fmt.Errorf("drop entries of build %d: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM listings WHERE build_id = ?`, id); err != nil {
		return fmt.Errorf("drop listings of build %d: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx, `
        UPDATE builds SET status = ?, error = ?, duration_ms = ? WHERE id = ?
    `, string(BuildFailed), msg, elapsed.Milliseconds(), id); err != nil {
		return fmt.Errorf("fail build %d: %w", id, err)
	}
	err = tx.Commit()
	return err
}

// LatestBuildID returns the id of the most recent successful build, or ErrNoBuild.
func (s *Store) LatestBuildID(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)

	var id int64
	err := s.db.QueryRowContext(ctx, `
        SELECT id
        FROM builds
        WHERE status = ?
        ORDER BY started_at DESC, id DESC
        LIMIT 1
    `, string(BuildSuccess)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoBuild
		}
		return 0, err
	}
	return id, nil
}

const buildColumns = `id, uuid, root_path, site, status, started_at, duration_ms,
        num_dirs, num_files, num_listings, total_size, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var (
		b          Build
		status     string
		startedMS  int64
		durationMS int64
	)
	if err := row.Scan(&b.ID, &b.UUID, &b.Root, &b.Site, &status, &startedMS, &durationMS,
		&b.NumDirs, &b.NumFiles, &b.NumListings, &b.TotalSize, &b.Error); err != nil {
		return Build{}, err
	}
	b.Status = BuildStatus(status)
	b.Started = time.UnixMilli(startedMS).UTC()
	b.Duration = time.Duration(durationMS) * time.Millisecond
	return b, nil
}

// LatestBuild returns the most recent successful build, or ErrNoBuild.
func (s *Store) LatestBuild(ctx context.Context) (Build, error) {
	ctx = ensureContext(ctx)
	b, err := scanBuild(s.db.QueryRowContext(ctx, `
        SELECT `+buildColumns+`
        FROM builds
        WHERE status = ?
        ORDER BY started_at DESC, id DESC
        LIMIT 1
    `, string(BuildSuccess)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Build{}, ErrNoBuild
		}
		return Build{}, fmt.Errorf("latest build: %w", err)
	}
	return b, nil
}

// Builds lists recorded builds, newest first, whatever their status.
func (s *Store) Builds(ctx context.Context, limit int) ([]Build, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT `+buildColumns+`
        FROM builds
        ORDER BY started_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Warnf("rows close (builds): %v", cerr)
		}
	}()

	builds := []Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// Listing returns the stored listing for a directory id from the latest build.
func (s *Store) Listing(ctx context.Context, id string) (iteminfo.ListingRecord, error) {
	ctx = ensureContext(ctx)
	id = indexing.NormalizeIndexPath(id)

	buildID, err := s.LatestBuildID(ctx)
	if err != nil {
		return iteminfo.ListingRecord{}, err
	}

	rec := iteminfo.ListingRecord{ID: id, Children: []iteminfo.FileEntry{}}
	var modUnix int64
	err = s.db.QueryRowContext(ctx, `
        SELECT size, mod_time
        FROM listings
        WHERE build_id = ? AND listing_id = ?
    `, buildID, id).Scan(&rec.Size, &modUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return iteminfo.ListingRecord{}, fmt.Errorf("%w: %s", ErrListingNotFound, id)
		}
		return iteminfo.ListingRecord{}, fmt.Errorf("listing query failed: %w", err)
	}
	rec.Modified = fromUnixNano(modUnix)

	rows, err := s.db.QueryContext(ctx, `
        SELECT kind, name, size, mod_time
        FROM entries
        WHERE build_id = ? AND listing_id = ?
        ORDER BY position
    `, buildID, id)
	if err != nil {
		return iteminfo.ListingRecord{}, fmt.Errorf("entries query failed: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Warnf("rows close (listing): %v", cerr)
		}
	}()

	for rows.Next() {
		var (
			e    iteminfo.FileEntry
			kind string
			mod  int64
		)
		if err := rows.Scan(&kind, &e.Name, &e.Size, &mod); err != nil {
			return iteminfo.ListingRecord{}, fmt.Errorf("scan failed: %w", err)
		}
		e.Kind = iteminfo.Kind(kind)
		e.Modified = fromUnixNano(mod)
		rec.Children = append(rec.Children, e)
	}
	return rec, rows.Err()
}

// DirSize returns the recorded size of a listed directory in the latest build.
func (s *Store) DirSize(ctx context.Context, id string) (int64, error) {
	ctx = ensureContext(ctx)
	id = indexing.NormalizeIndexPath(id)

	buildID, err := s.LatestBuildID(ctx)
	if err != nil {
		return 0, err
	}

	var size int64
	if err := s.db.QueryRowContext(ctx, `
        SELECT size FROM listings WHERE build_id = ? AND listing_id = ?
    `, buildID, id).Scan(&size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrListingNotFound, id)
		}
		return 0, fmt.Errorf("dir size query failed: %w", err)
	}
	return size, nil
}

// SearchResult is a listed entry whose name matched a search.
type SearchResult struct {
	Path    string `json:"path"`
	Listing string `json:"listing"`
	iteminfo.FileEntry
}

// Search matches entry names of the latest build against a query in ParseSearch syntax.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 100
	}
	opts := iteminfo.ParseSearch(query)
	if opts.Empty() {
		return []SearchResult{}, nil
	}

	buildID, err := s.LatestBuildID(ctx)
	if err != nil {
		if errors.Is(err, ErrNoBuild) {
			// No build yet → no results, not an error
			return []SearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to get latest build: %w", err)
	}

	// Names are matched in Go so case folding follows strings.ToLower rather than SQLite's ASCII-only LIKE.
	rows, err := s.db.QueryContext(ctx, `
        SELECT listing_id, kind, name, size, mod_time
        FROM entries
        WHERE build_id = ?
        ORDER BY listing_id, position
    `, buildID)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Warnf("rows close (search): %v", cerr)
		}
	}()

	results := []SearchResult{}
	for rows.Next() {
		var (
			r    SearchResult
			kind string
			mod  int64
		)
		if err := rows.Scan(&r.Listing, &kind, &r.Name, &r.Size, &mod); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if !r.MatchesSearch(opts) {
			continue
		}
		r.Kind = iteminfo.Kind(kind)
		r.Modified = fromUnixNano(mod)
		if r.Listing == "/" {
			r.Path = "/" + r.Name
		} else {
			r.Path = r.Listing + "/" + r.Name
		}
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

// Stats represents database statistics
type Stats struct {
	TotalBuilds   int       `json:"total_builds"`
	FailedBuilds  int       `json:"failed_builds"`
	TotalListings int64     `json:"total_listings"`
	TotalEntries  int64     `json:"total_entries"`
	LastBuildTime time.Time `json:"last_build_time"`
	DatabaseSize  int64     `json:"database_size"`
	WALSize       int64     `json:"wal_size"`
	SHMSize       int64     `json:"shm_size"`
	TotalOnDisk   int64     `json:"total_on_disk"`
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	ctx = ensureContext(ctx)

	var stats Stats
	var lastStarted sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
        SELECT
            COUNT(*),
            COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
            MAX(CASE WHEN status = ? THEN started_at END)
        FROM builds
    `, string(BuildFailed), string(BuildSuccess)).Scan(&stats.TotalBuilds, &stats.FailedBuilds, &lastStarted)
	if err != nil {
		return nil, err
	}
	if lastStarted.Valid {
		stats.LastBuildTime = time.UnixMilli(lastStarted.Int64).UTC()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&stats.TotalListings); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&stats.TotalEntries); err != nil {
		return nil, err
	}

	if s.dbPath != "" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DatabaseSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-wal"); err == nil {
			stats.WALSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-shm"); err == nil {
			stats.SHMSize = fi.Size()
		}
		stats.TotalOnDisk = stats.DatabaseSize + stats.WALSize + stats.SHMSize
	}

	return &stats, nil
}
