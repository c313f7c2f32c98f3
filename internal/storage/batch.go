package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CopyFn abstracts a backend's bulk insert primitive. Implementations insert
// rows (aligned to columns) and return the number of rows the store reported
// as inserted.
type CopyFn func(ctx context.Context, columns []string, rows [][]any) (int64, error)

// LoadBatches splits rows into slices of at most batchSize and calls copyFn
// for each, in order. It returns the running total and the first error; rows
// after a failed batch are not attempted.
//
// Cancellation is checked between batches.
func LoadBatches(
	ctx context.Context,
	log *zap.Logger,
	columns []string,
	rows [][]any,
	batchSize int,
	copyFn CopyFn,
) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batchSize must be > 0")
	}
	if copyFn == nil {
		return 0, fmt.Errorf("copyFn must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		total   int64
		batches int
		start   = time.Now()
	)
	for lo := 0; lo < len(rows); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		hi := min(lo+batchSize, len(rows))
		n, err := copyFn(ctx, columns, rows[lo:hi])
		total += n
		if err != nil {
			return total, err
		}
		batches++
		log.Debug("batch flushed",
			zap.Int("batch", batches),
			zap.Int64("inserted", n),
			zap.Int64("total_inserted", total),
			zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)),
		)
	}
	return total, nil
}

// BatchSize returns how many rows of the given width fit in one statement
// under a bind-parameter budget, capped at limit. It never returns less
// than 1.
func BatchSize(maxParams, width, limit int) int {
	if width <= 0 {
		return max(limit, 1)
	}
	n := maxParams / width
	if limit > 0 && n > limit {
		n = limit
	}
	return max(n, 1)
}
