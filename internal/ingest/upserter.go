// Package ingest writes transformed works into the papers store in
// transactional chunks.
//
// A chunk is the atomic unit: each chunk gets its own transaction and
// commit. Record-level failures inside a chunk are counted and skipped;
// a fatal store failure rolls back the current chunk and the run moves on
// to the next one, so one bad chunk cannot sink a whole window.
package ingest

import (
	"context"
	"log"
	"time"

	"paperetl/internal/metrics"
	"paperetl/internal/openalex"
	"paperetl/internal/storage"
	"paperetl/internal/transform"
)

// DefaultBatchSize is the chunk size when none is configured.
const DefaultBatchSize = 100

// Stats aggregates the outcome of one upsert run.
type Stats struct {
	Inserted int
	Updated  int
	// Skipped is reserved for a dedup policy that leaves existing rows
	// untouched. The current policy replaces on conflict, so it stays zero.
	Skipped int
	Errors  int
}

// Processed returns the number of records that reached the store.
func (s Stats) Processed() int {
	return s.Inserted + s.Updated + s.Skipped
}

// Upserter writes works into a repository in chunks.
type Upserter struct {
	Repo      storage.Repository
	BatchSize int
	Logger    *log.Logger
}

func (u *Upserter) batchSize() int {
	if u.BatchSize > 0 {
		return u.BatchSize
	}
	return DefaultBatchSize
}

func (u *Upserter) logger() *log.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return log.Default()
}

// Run upserts every work, chunked in input order. fetchedAt stamps each row.
//
// Run only fails outright on context cancellation; store failures are
// absorbed into Stats.Errors so the caller always gets a full accounting.
func (u *Upserter) Run(ctx context.Context, works []openalex.Work, fetchedAt time.Time) (Stats, error) {
	var stats Stats
	size := u.batchSize()
	logger := u.logger()

	for start := 0; start < len(works); start += size {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := start + size
		if end > len(works) {
			end = len(works)
		}
		chunk := works[start:end]
		chunkNum := start/size + 1

		chunkStats, err := u.runChunk(ctx, chunk, fetchedAt)
		stats.Inserted += chunkStats.Inserted
		stats.Updated += chunkStats.Updated
		stats.Errors += chunkStats.Errors

		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			logger.Printf("stage=upsert chunk=%d rows=%d status=failed err=%q", chunkNum, len(chunk), err)
			continue
		}
		logger.Printf("stage=upsert chunk=%d rows=%d inserted=%d updated=%d errors=%d",
			chunkNum, len(chunk), chunkStats.Inserted, chunkStats.Updated, chunkStats.Errors)
	}

	metrics.RecordRecords("inserted", stats.Inserted)
	metrics.RecordRecords("updated", stats.Updated)
	metrics.RecordRecords("skipped", stats.Skipped)
	metrics.RecordRecords("error", stats.Errors)

	return stats, nil
}

// runChunk writes one chunk in its own transaction. On a fatal store error
// the chunk is rolled back and every row in it is counted as an error,
// including rows that had already been upserted before the failure.
func (u *Upserter) runChunk(ctx context.Context, chunk []openalex.Work, fetchedAt time.Time) (Stats, error) {
	start := time.Now()
	columns := transform.Columns()

	batch, err := u.Repo.Begin(ctx)
	if err != nil {
		metrics.RecordChunk("failed", len(chunk), time.Since(start))
		return Stats{Errors: len(chunk)}, err
	}

	var stats Stats
	for _, w := range chunk {
		row, err := transform.Record(w, fetchedAt)
		if err != nil {
			stats.Errors++
			u.logger().Printf("stage=transform status=dropped err=%q", err)
			continue
		}

		outcome, err := batch.Upsert(ctx, columns, row)
		if err != nil {
			if storage.IsFatal(err) {
				_ = batch.Rollback(ctx)
				metrics.RecordChunk("failed", len(chunk), time.Since(start))
				return Stats{Errors: len(chunk)}, err
			}
			stats.Errors++
			continue
		}

		if outcome == storage.Updated {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := batch.Commit(ctx); err != nil {
		metrics.RecordChunk("failed", len(chunk), time.Since(start))
		return Stats{Errors: len(chunk)}, err
	}

	metrics.RecordChunk("committed", len(chunk), time.Since(start))
	return stats, nil
}
