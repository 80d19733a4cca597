// Package pipeline sequences one ingest run: connect, fetch, snapshot,
// ensure schema, upsert, audit.
//
// The run is a state machine; every step either advances the state or moves
// to FAILED. A summary is produced on every path, failure included, so the
// caller always gets the counts collected up to the point things stopped.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"paperetl/internal/config"
	"paperetl/internal/ingest"
	"paperetl/internal/metrics"
	"paperetl/internal/openalex"
	"paperetl/internal/quality"
	"paperetl/internal/storage"
)

// State is the orchestrator's position in the run.
type State string

const (
	StateInit      State = "INIT"
	StateConnected State = "CONNECTED"
	StateFetched   State = "FETCHED"
	StatePersisted State = "PERSISTED"
	StateAudited   State = "AUDITED"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Summary is the run's final accounting, emitted on success and failure.
type Summary struct {
	State    State
	Fetched  int
	Inserted int
	Updated  int
	Skipped  int
	Errors   int

	// AuditRan is false when the audit was skipped by configuration or the
	// run failed before reaching it; AuditPassed is meaningful only when
	// AuditRan is true.
	AuditRan    bool
	AuditPassed bool

	SnapshotPath string
	ReportPath   string

	Elapsed time.Duration
}

// Succeeded returns the number of records that reached the store.
func (s Summary) Succeeded() int {
	return s.Inserted + s.Updated + s.Skipped
}

// FetchFunc fetches every work in a window; the pipeline's seam onto the
// works API client.
type FetchFunc func(ctx context.Context, w openalex.Window, subfieldID string, progress func(openalex.PageInfo)) ([]openalex.Work, error)

// Pipeline runs one ingest end to end.
type Pipeline struct {
	Config config.Config
	Logger *log.Logger

	// NewRepository, Fetch and Now are construction seams; zero values use
	// the real registry, API client and clock.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	Fetch         FetchFunc
	Now           func() time.Time
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) newRepository(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if p.NewRepository != nil {
		return p.NewRepository(ctx, cfg)
	}
	return storage.New(ctx, cfg)
}

func (p *Pipeline) fetch(ctx context.Context, w openalex.Window, subfieldID string, progress func(openalex.PageInfo)) ([]openalex.Work, error) {
	if p.Fetch != nil {
		return p.Fetch(ctx, w, subfieldID, progress)
	}
	client := openalex.NewClient(
		openalex.WithMailto(p.Config.Mailto),
		openalex.WithPageSize(p.Config.PageSize),
		openalex.WithMaxPages(p.Config.MaxPages),
	)
	return client.FetchWindow(ctx, w, subfieldID, progress)
}

// Run executes the pipeline. The returned summary is complete on every path;
// err is non-nil exactly when the run ended in FAILED.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	logger := p.logger()
	start := p.now()
	summary := Summary{State: StateInit}

	fail := func(step string, err error) (Summary, error) {
		summary.State = StateFailed
		summary.Elapsed = time.Since(start)
		metrics.RecordStep(step, "failed", summary.Elapsed)
		logger.Printf("stage=pipeline state=FAILED step=%s err=%q", step, err)
		return summary, fmt.Errorf("pipeline %s: %w", step, err)
	}

	// INIT -> CONNECTED. Nothing proceeds without a store connection.
	stepStart := time.Now()
	repo, err := p.newRepository(ctx, storage.Config{Kind: p.Config.StorageKind, DSN: p.Config.DSN})
	if err != nil {
		return fail("connect", err)
	}
	defer repo.Close()
	metrics.RecordStep("connect", "ok", time.Since(stepStart))
	summary.State = StateConnected
	logger.Printf("stage=pipeline state=CONNECTED storage=%s", p.Config.StorageKind)

	// CONNECTED -> FETCHED. A fetch error with nothing accumulated is
	// fatal; partial results proceed with a warning.
	stepStart = time.Now()
	fetchedAt := p.now()
	window := openalex.LastDays(p.Config.LookbackDays, fetchedAt)
	works, err := p.fetch(ctx, window, p.Config.SubfieldID, func(info openalex.PageInfo) {
		logger.Printf("stage=fetch page=%d items=%d cumulative=%d total=%d",
			info.Page, info.Items, info.Cumulative, info.Total)
	})
	summary.Fetched = len(works)
	metrics.RecordRecords("fetched", len(works))
	if err != nil {
		if len(works) == 0 {
			return fail("fetch", err)
		}
		logger.Printf("stage=fetch status=partial fetched=%d err=%q", len(works), err)
	}
	metrics.RecordStep("fetch", "ok", time.Since(stepStart))
	summary.State = StateFetched
	logger.Printf("stage=pipeline state=FETCHED records=%d window=%s..%s",
		len(works), window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))

	// Pre-write snapshot. Losing it costs replayability, not correctness,
	// so a write failure only warns.
	meta := SnapshotMeta{FetchedAt: fetchedAt, LookbackDays: p.Config.LookbackDays, Filter: p.Config.SubfieldID}
	if path, err := WriteSnapshot(p.Config.BackupDir, meta, works); err != nil {
		logger.Printf("stage=snapshot status=failed err=%q", err)
	} else {
		summary.SnapshotPath = path
		logger.Printf("stage=snapshot path=%s records=%d", path, len(works))
	}

	// FETCHED -> PERSISTED. Schema failure is fatal; upsert errors are
	// absorbed into the counts.
	stepStart = time.Now()
	if err := repo.EnsureSchema(ctx, p.Config.Force); err != nil {
		return fail("schema", err)
	}
	metrics.RecordStep("schema", "ok", time.Since(stepStart))

	stepStart = time.Now()
	upserter := &ingest.Upserter{Repo: repo, BatchSize: p.Config.BatchSize, Logger: logger}
	stats, err := upserter.Run(ctx, works, fetchedAt)
	summary.Inserted = stats.Inserted
	summary.Updated = stats.Updated
	summary.Skipped = stats.Skipped
	summary.Errors = stats.Errors
	if err != nil {
		return fail("upsert", err)
	}
	metrics.RecordStep("upsert", "ok", time.Since(stepStart))
	summary.State = StatePersisted
	logger.Printf("stage=pipeline state=PERSISTED inserted=%d updated=%d errors=%d",
		stats.Inserted, stats.Updated, stats.Errors)

	// PERSISTED -> AUDITED. Audit findings are data findings, not process
	// errors; only an audit that cannot run at all fails the run.
	if !p.Config.SkipQuality {
		stepStart = time.Now()
		auditor := &quality.Auditor{Repo: repo, Logger: logger, Now: p.Now}
		report, err := auditor.Run(ctx)
		if err != nil {
			return fail("audit", err)
		}
		summary.AuditRan = true
		summary.AuditPassed = report.Passed()
		metrics.RecordStep("audit", "ok", time.Since(stepStart))

		if path, err := report.WriteFile(p.Config.ReportDir); err != nil {
			logger.Printf("stage=quality status=report-write-failed err=%q", err)
		} else {
			summary.ReportPath = path
			logger.Printf("stage=quality report=%s passed=%t", path, report.Passed())
		}
		summary.State = StateAudited
		logger.Printf("stage=pipeline state=AUDITED passed=%t", report.Passed())
	} else {
		logger.Printf("stage=quality status=skipped")
	}

	summary.State = StateDone
	summary.Elapsed = time.Since(start)
	logger.Printf("stage=pipeline state=DONE fetched=%d succeeded=%d errors=%d elapsed=%s",
		summary.Fetched, summary.Succeeded(), summary.Errors, summary.Elapsed.Round(time.Millisecond))
	return summary, nil
}
