package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

var errNilDB = errors.New("db is nil")

// WALCheckpointStats mirrors the three columns of PRAGMA wal_checkpoint.
type WALCheckpointStats struct {
	Busy         int
	Log          int
	Checkpointed int
	Duration     time.Duration
}

// WALCheckpointTruncate folds the WAL back into the main file and truncates it.
// The daemon calls it after every build so the -wal file does not grow across rebuilds.
func WALCheckpointTruncate(ctx context.Context, db *sql.DB) (WALCheckpointStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return WALCheckpointStats{}, errNilDB
	}

	start := time.Now()
	var stats WALCheckpointStats
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&stats.Busy, &stats.Log, &stats.Checkpointed)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return WALCheckpointStats{}, fmt.Errorf("wal checkpoint: %w", err)
	}
	return stats, nil
}

type VacuumStats struct {
	BytesBefore int64
	BytesAfter  int64
	Duration    time.Duration
}

// Reclaimed is the number of bytes VACUUM gave back, never negative.
func (vs VacuumStats) Reclaimed() int64 {
	return max(vs.BytesBefore-vs.BytesAfter, 0)
}

// Vacuum rewrites the database file, dropping the pages freed by pruned builds.
// It holds an exclusive lock for its whole run.
func Vacuum(ctx context.Context, db *sql.DB) (VacuumStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return VacuumStats{}, errNilDB
	}

	var stats VacuumStats
	var err error
	if stats.BytesBefore, err = databaseBytes(ctx, db); err != nil {
		return VacuumStats{}, err
	}
	start := time.Now()
	if _, err := db.ExecContext(ctx, `VACUUM;`); err != nil {
		return VacuumStats{}, fmt.Errorf("vacuum: %w", err)
	}
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if stats.BytesAfter, err = databaseBytes(ctx, db); err != nil {
		return VacuumStats{}, err
	}
	return stats, nil
}

func databaseBytes(ctx context.Context, db *sql.DB) (int64, error) {
	var pages, size int64
	if err := db.QueryRowContext(ctx, `PRAGMA page_count;`).Scan(&pages); err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	if err := db.QueryRowContext(ctx, `PRAGMA page_size;`).Scan(&size); err != nil {
		return 0, fmt.Errorf("page size: %w", err)
	}
	return pages * size, nil
}

// PruneStats holds statistics about the pruning operation
type PruneStats struct {
	DeletedBuilds  int
	DeletedEntries int64
	Duration       time.Duration
}

// PruneOldBuilds removes every finished build except the keepLatest most recent successful ones.
// Listings and entries go with them through the FOREIGN KEY cascade. Running builds are never touched.
func PruneOldBuilds(ctx context.Context, db *sql.DB, keepLatest int) (PruneStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return PruneStats{}, errNilDB
	}
	if keepLatest < 1 {
		keepLatest = 1
	}

	start := time.Now()
	var stats PruneStats

	const doomed = `
		status != 'running'
		AND id NOT IN (
			SELECT id FROM builds WHERE status = 'success'
			ORDER BY started_at DESC, id DESC LIMIT ?
		)`

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries
		WHERE build_id IN (SELECT id FROM builds WHERE `+doomed+`);
	`, keepLatest).Scan(&stats.DeletedEntries)
	if err != nil {
		return PruneStats{}, fmt.Errorf("count entries to delete: %w", err)
	}

	result, err := db.ExecContext(ctx, `DELETE FROM builds WHERE `+doomed+`;`, keepLatest)
	if err != nil {
		return PruneStats{}, fmt.Errorf("delete old builds: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return PruneStats{}, fmt.Errorf("get rows affected: %w", err)
	}

	stats.DeletedBuilds = int(deleted)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)

	if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		logger.Warnf("Incremental vacuum failed after pruning: %v", err)
	}

	return stats, nil
}
