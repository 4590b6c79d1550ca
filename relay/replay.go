package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ReplayStats counts what a replay pushed to the sink.
type ReplayStats struct {
	Databases     int
	Rows          int
	Batches       int
	FailedBatches int
}

// Replay re-submits rows mirrored at or after from, reading every monthly
// mirror database between from and now. It is an operator action: the ledger
// is neither read nor written, so rows already accepted remotely are sent
// again.
func Replay(ctx context.Context, sink Sink, db DatabaseConfig, from time.Time, batchSize int, logger *slog.Logger) (ReplayStats, error) {
	var stats ReplayStats
	if strings.TrimSpace(db.Folder) == "" {
		return stats, fmt.Errorf("replay requires mirror.database.folder")
	}
	prefix := db.Prefix
	if prefix == "" {
		prefix = "vitals_"
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}

	paths, err := listMonthlyDBs(db.Folder, prefix, from, time.Now())
	if err != nil {
		return stats, err
	}
	if len(paths) == 0 {
		logger.Info("replay: no mirror databases matched", "folder", db.Folder, "prefix", prefix)
		return stats, nil
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		gdb, err := OpenQueryDB(p)
		if err != nil {
			return stats, err
		}
		var rows []MirrorRow
		err = gdb.Where("mirrored_at >= ?", from.UTC()).Order("id asc").Find(&rows).Error
		_ = closeDB(gdb)
		if err != nil {
			return stats, fmt.Errorf("replay read %s: %w", p, err)
		}
		stats.Databases++
		logger.Info("replay: database", "path", p, "rows", len(rows))

		for start := 0; start < len(rows); start += batchSize {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			end := min(start+batchSize, len(rows))
			batch := make([]NormalizedRow, 0, end-start)
			for _, mr := range rows[start:end] {
				batch = append(batch, mr.normalized())
			}
			stats.Batches++
			if err := sink.Submit(ctx, batch); err != nil {
				stats.FailedBatches++
				logger.Error("replay batch failed", "path", p, "rows", len(batch), "error", err)
				continue
			}
			stats.Rows += len(batch)
		}
	}
	return stats, nil
}
