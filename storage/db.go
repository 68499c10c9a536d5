package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/dirindex/indexing/iteminfo"
)

const (
	defaultDBPath = "dirindex.db"
	busyTimeoutMS = 5000
	schemaTimeout = 30 * time.Second
	batchSize     = 200
	batchTimeout  = 1 * time.Second

	// rows per multi-row INSERT; keeps the bound variables well under SQLite's limit
	entryChunk = 500
)

// ProgressCallback is called after each record is queued with cumulative counts and the last listing id.
type ProgressCallback func(listingsWritten, entriesWritten int64, lastID string)

// StreamingWriter accepts listing records via a channel and writes them to the database in batches.
// It satisfies indexing.RecordWriter.
type StreamingWriter struct {
	db              *sql.DB
	buildID         int64
	recordCh        chan iteminfo.ListingRecord
	doneCh          chan error
	ctx             context.Context
	cancel          context.CancelFunc
	errVal          atomic.Value
	progressCb      ProgressCallback
	listingsWritten int64
	entriesWritten  int64
}

// NewStreamingWriter creates a writer that batches records and commits periodically.
// The provided ctx allows callers to cancel the writer even if Close is not reached.
func NewStreamingWriter(ctx context.Context, db *sql.DB, buildID int64, bufferSize int) *StreamingWriter {
	return NewStreamingWriterWithProgress(ctx, db, buildID, bufferSize, nil)
}

// NewStreamingWriterWithProgress creates a writer with an optional progress callback.
func NewStreamingWriterWithProgress(ctx context.Context, db *sql.DB, buildID int64, bufferSize int, progressCb ProgressCallback) *StreamingWriter {
	ctx = ensureContext(ctx)
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ctx, cancel := context.WithCancel(ctx)
	sw := &StreamingWriter{
		db:         db,
		buildID:    buildID,
		recordCh:   make(chan iteminfo.ListingRecord, bufferSize),
		doneCh:     make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
		progressCb: progressCb,
	}
	go sw.run()
	return sw
}

// Write queues a record to be written to the database.
func (sw *StreamingWriter) Write(rec iteminfo.ListingRecord) error {
	select {
	case sw.recordCh <- rec:
		return nil
	case <-sw.ctx.Done():
		if v, ok := sw.errVal.Load().(error); ok && v != nil {
			return v
		}
		return sw.ctx.Err()
	}
}

// Close signals completion and waits for all pending writes to finish.
func (sw *StreamingWriter) Close() error {
	close(sw.recordCh)
	return <-sw.doneCh
}

// BuildID returns the build this writer is associated with.
func (sw *StreamingWriter) BuildID() int64 {
	return sw.buildID
}

// Counts returns how many listings and entries have been queued so far.
func (sw *StreamingWriter) Counts() (listings, entries int64) {
	return atomic.LoadInt64(&sw.listingsWritten), atomic.LoadInt64(&sw.entriesWritten)
}

func (sw *StreamingWriter) run() {
	var err error
	defer func() {
		if err != nil {
			sw.errVal.Store(err)
		}
		sw.doneCh <- err
		sw.cancel()
	}()

	batch := make([]iteminfo.ListingRecord, 0, batchSize)
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if e := sw.writeBatch(batch); e != nil {
			return e
		}
		// Clear backing array to release child slices
		for i := range batch {
			batch[i] = iteminfo.ListingRecord{}
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case rec, ok := <-sw.recordCh:
			if !ok {
				err = flush()
				return
			}
			listings := atomic.AddInt64(&sw.listingsWritten, 1)
			entries := atomic.AddInt64(&sw.entriesWritten, int64(len(rec.Children)))
			if sw.progressCb != nil {
				sw.progressCb(listings, entries, rec.ID)
			}

			batch = append(batch, rec)
			if len(batch) >= batchSize {
				if err = flush(); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err = flush(); err != nil {
				return
			}
		case <-sw.ctx.Done():
			err = sw.ctx.Err()
			return
		}
	}
}

// writeBatch writes a batch of records within a single transaction.
func (sw *StreamingWriter) writeBatch(batch []iteminfo.ListingRecord) (err error) {
	tx, err := sw.db.BeginTx(sw.ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertListingsBatch(sw.ctx, tx, sw.buildID, batch); err != nil {
		return fmt.Errorf("insert listings: %w", err)
	}
	if err = insertEntriesBatch(sw.ctx, tx, sw.buildID, batch); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	return tx.Commit()
}

// Open creates (or reuses) a SQLite database and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultDBPath
	}
	// WAL lets the daemon serve reads while a build streams writes.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_auto_vacuum=INCREMENTAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// GetJournalMode returns the SQLite journal mode for the provided database.
func GetJournalMode(ctx context.Context, db *sql.DB) (string, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return "", errNilDB
	}

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return err
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			root_path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			num_dirs INTEGER NOT NULL DEFAULT 0,
			num_files INTEGER NOT NULL DEFAULT 0,
			num_listings INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS listings (
			build_id INTEGER NOT NULL,
			listing_id TEXT NOT NULL,
			depth INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			child_count INTEGER NOT NULL DEFAULT 0,
			mod_time INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (build_id, listing_id),
			FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS entries (
			build_id INTEGER NOT NULL,
			listing_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mod_time INTEGER NOT NULL,
			PRIMARY KEY (build_id, listing_id, position),
			FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_started ON builds(status, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_name ON entries(build_id, name);`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	// Columns added after the first release.
	if err := ensureColumn(ctx, db, "builds", "site", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, table, column, definition string) error {
	query := fmt.Sprintf(`PRAGMA table_info(%s);`, table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, definition)
	_, err = db.ExecContext(ctx, stmt)
	return err
}

func insertListingsBatch(ctx context.Context, tx *sql.Tx, buildID int64, batch []iteminfo.ListingRecord) error {
	if len(batch) == 0 {
		return nil
	}

	const insertPrefix = `INSERT INTO listings (build_id, listing_id, depth, size, child_count, mod_time) VALUES `
	const placeholder = "(?, ?, ?, ?, ?, ?)"
	const upsertSuffix = `
ON CONFLICT(build_id, listing_id) DO UPDATE SET
	depth = excluded.depth,
	size = excluded.size,
	child_count = excluded.child_count,
	mod_time = excluded.mod_time;`

	for start := 0; start < len(batch); start += entryChunk {
		end := min(start+entryChunk, len(batch))
		chunk := batch[start:end]

		var builder strings.Builder
		builder.Grow(len(insertPrefix) + (len(placeholder)+1)*len(chunk) + len(upsertSuffix))
		builder.WriteString(insertPrefix)
		args := make([]any, 0, len(chunk)*6)
		for i, rec := range chunk {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(placeholder)
			args = append(args, buildID, rec.ID, rec.Depth(), rec.Size, len(rec.Children), toUnixNano(rec.Modified))
		}
		builder.WriteString(upsertSuffix)

		if _, err := tx.ExecContext(ctx, builder.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

type entryRow struct {
	listingID string
	position  int
	entry     iteminfo.FileEntry
}

func insertEntriesBatch(ctx context.Context, tx *sql.Tx, buildID int64, batch []iteminfo.ListingRecord) error {
	const insertPrefix = `INSERT INTO entries (build_id, listing_id, position, kind, name, size, mod_time) VALUES `
	const placeholder = "(?, ?, ?, ?, ?, ?, ?)"
	const upsertSuffix = `
ON CONFLICT(build_id, listing_id, position) DO UPDATE SET
	kind = excluded.kind,
	name = excluded.name,
	size = excluded.size,
	mod_time = excluded.mod_time;`

	rows := make([]entryRow, 0, entryChunk)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		var builder strings.Builder
		builder.Grow(len(insertPrefix) + (len(placeholder)+1)*len(rows) + len(upsertSuffix))
		builder.WriteString(insertPrefix)
		args := make([]any, 0, len(rows)*7)
		for i, r := range rows {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(placeholder)
			args = append(args,
				buildID,
				r.listingID,
				r.position,
				string(r.entry.Kind),
				r.entry.Name,
				r.entry.Size,
				toUnixNano(r.entry.Modified),
			)
		}
		builder.WriteString(upsertSuffix)
		_, err := tx.ExecContext(ctx, builder.String(), args...)
		rows = rows[:0]
		return err
	}

	for _, rec := range batch {
		for pos, child := range rec.Children {
			rows = append(rows, entryRow{listingID: rec.ID, position: pos, entry: child})
			if len(rows) >= entryChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// mod_time columns hold Unix nanoseconds, the same precision listings.json carries.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// ReleaseSQLiteMemory forces SQLite to release cached memory.
// Call this after a build to return memory to the OS.
func ReleaseSQLiteMemory(ctx context.Context, db *sql.DB) error {
	ctx = ensureContext(ctx)

	if _, err := db.ExecContext(ctx, `PRAGMA shrink_memory;`); err != nil {
		logger.Warnf("Failed to shrink SQLite memory: %v", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
		logger.Warnf("Failed to optimize SQLite: %v", err)
	}
	return nil
}
