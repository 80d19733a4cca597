// Package quality audits the papers table after an ingest run.
//
// The battery always runs to completion: a check that cannot execute is
// reported with status error and the remaining checks still run. The SQL
// sticks to the portable subset (COUNT, GROUP BY, HAVING) so the same
// auditor works against every storage backend; sample caps are applied
// while scanning instead of with dialect-specific LIMIT clauses.
package quality

import (
	"context"
	"fmt"
	"log"
	"time"

	"paperetl/internal/storage"
)

// Status is a check verdict.
type Status string

const (
	StatusPass  Status = "pass"
	StatusWarn  Status = "warn"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// SampleCap bounds the offending examples kept per check.
const SampleCap = 5

// CitationCeiling is the plausibility bound on citation counts. Values above
// it are suspicious but not impossible, so they warn rather than fail.
const CitationCeiling = 100000

// CheckResult is the outcome of one quality check.
type CheckResult struct {
	Name     string
	Status   Status
	Total    int // rows examined
	Affected int // rows violating the check
	Samples  []string
	Details  string
}

// Auditor runs the quality battery against a repository.
type Auditor struct {
	Repo   storage.Repository
	Logger *log.Logger

	// Now is a test seam for the report timestamp.
	Now func() time.Time
}

func (a *Auditor) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

func (a *Auditor) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Run executes every check in order and returns the full report. Individual
// check failures never abort the battery; only context cancellation does.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	total, err := a.countRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("quality: count rows: %w", err)
	}

	report := &Report{
		GeneratedAt: a.now(),
		TableName:   storage.TableName,
		TotalRows:   total,
	}

	checks := []func(ctx context.Context, total int) CheckResult{
		a.checkMissingIdentifiers,
		a.checkCitationRange,
		a.checkTopicScoreRange,
		a.checkDuplicateIDs,
		a.checkDuplicateDOIs,
	}
	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := check(ctx, total)
		a.logger().Printf("stage=quality check=%s status=%s affected=%d", res.Name, res.Status, res.Affected)
		report.Checks = append(report.Checks, res)
	}

	return report, nil
}

func (a *Auditor) countRows(ctx context.Context) (int, error) {
	var n int
	err := a.scanOne(ctx, `SELECT COUNT(*) FROM papers`, &n)
	return n, err
}

// checkMissingIdentifiers flags rows without an id or without a title. Both
// fields are required; a single missing value fails the check.
func (a *Auditor) checkMissingIdentifiers(ctx context.Context, total int) CheckResult {
	res := CheckResult{Name: "missing_identifiers", Total: total}

	var noID int
	if err := a.scanOne(ctx, `SELECT COUNT(*) FROM papers WHERE id IS NULL OR id = ''`, &noID); err != nil {
		return checkError(res, err)
	}
	var noTitle int
	if err := a.scanOne(ctx, `SELECT COUNT(*) FROM papers WHERE title IS NULL OR title = ''`, &noTitle); err != nil {
		return checkError(res, err)
	}

	res.Affected = noID + noTitle
	if res.Affected > 0 {
		res.Status = StatusFail
	} else {
		res.Status = StatusPass
	}
	res.Details = fmt.Sprintf("missing id: %d, missing title: %d", noID, noTitle)

	// Rows missing the id have no id to sample, so fall back to doi or title.
	if noID > 0 {
		samples, err := a.sampleStrings(ctx, `SELECT COALESCE(doi, title) FROM papers WHERE id IS NULL OR id = ''`)
		if err != nil {
			return checkError(res, err)
		}
		res.Samples = samples
	}
	if noTitle > 0 && len(res.Samples) < SampleCap {
		samples, err := a.sampleStrings(ctx, `SELECT id FROM papers WHERE title IS NULL OR title = ''`)
		if err != nil {
			return checkError(res, err)
		}
		res.Samples = append(res.Samples, samples...)
		if len(res.Samples) > SampleCap {
			res.Samples = res.Samples[:SampleCap]
		}
	}
	return res
}

// checkCitationRange validates cited_by_count plausibility. Negative counts
// fail; counts above CitationCeiling warn.
func (a *Auditor) checkCitationRange(ctx context.Context, total int) CheckResult {
	res := CheckResult{Name: "citation_count_range", Total: total}

	var counted int
	var min, max, avg *float64
	rows, err := a.Repo.Query(ctx,
		`SELECT COUNT(cited_by_count), MIN(cited_by_count), MAX(cited_by_count), AVG(cited_by_count) FROM papers`)
	if err != nil {
		return checkError(res, err)
	}
	if rows.Next() {
		if err := rows.Scan(&counted, &min, &max, &avg); err != nil {
			rows.Close()
			return checkError(res, err)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return checkError(res, err)
	}

	if counted == 0 {
		res.Status = StatusPass
		res.Details = "no citation counts present"
		return res
	}

	var negative, excessive int
	if err := a.scanOne(ctx, `SELECT COUNT(*) FROM papers WHERE cited_by_count < 0`, &negative); err != nil {
		return checkError(res, err)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM papers WHERE cited_by_count > %d`, CitationCeiling)
	if err := a.scanOne(ctx, query, &excessive); err != nil {
		return checkError(res, err)
	}

	res.Affected = negative + excessive
	switch {
	case negative > 0:
		res.Status = StatusFail
	case excessive > 0:
		res.Status = StatusWarn
	default:
		res.Status = StatusPass
	}
	res.Details = fmt.Sprintf("min: %s, max: %s, avg: %s, negative: %d, above %d: %d",
		fmtNum(min), fmtNum(max), fmtNum(avg), negative, CitationCeiling, excessive)
	return res
}

// checkTopicScoreRange validates that primary_topic_score stays in [0, 1].
func (a *Auditor) checkTopicScoreRange(ctx context.Context, total int) CheckResult {
	res := CheckResult{Name: "topic_score_range", Total: total}

	var bad int
	if err := a.scanOne(ctx,
		`SELECT COUNT(*) FROM papers WHERE primary_topic_score < 0 OR primary_topic_score > 1`, &bad); err != nil {
		return checkError(res, err)
	}

	res.Affected = bad
	if bad == 0 {
		res.Status = StatusPass
		return res
	}
	res.Status = StatusFail

	samples, err := a.sampleStrings(ctx,
		`SELECT id FROM papers WHERE primary_topic_score < 0 OR primary_topic_score > 1`)
	if err != nil {
		return checkError(res, err)
	}
	res.Samples = samples
	return res
}

// checkDuplicateIDs looks for id collisions. The primary key should make
// this impossible; a hit means the store itself is unhealthy.
func (a *Auditor) checkDuplicateIDs(ctx context.Context, total int) CheckResult {
	res := CheckResult{Name: "duplicate_ids", Total: total}

	samples, affected, err := a.sampleGroups(ctx,
		`SELECT id, COUNT(*) FROM papers GROUP BY id HAVING COUNT(*) > 1`)
	if err != nil {
		return checkError(res, err)
	}

	res.Affected = affected
	res.Samples = samples
	if affected > 0 {
		res.Status = StatusFail
	} else {
		res.Status = StatusPass
	}
	return res
}

// checkDuplicateDOIs looks for distinct rows sharing a DOI. A DOI identifies
// one work; any DOI on more than one row fails the check.
func (a *Auditor) checkDuplicateDOIs(ctx context.Context, total int) CheckResult {
	res := CheckResult{Name: "duplicate_dois", Total: total}

	samples, affected, err := a.sampleGroups(ctx,
		`SELECT doi, COUNT(*) FROM papers WHERE doi IS NOT NULL AND doi <> '' GROUP BY doi HAVING COUNT(*) > 1`)
	if err != nil {
		return checkError(res, err)
	}

	res.Affected = affected
	res.Samples = samples
	if affected > 0 {
		res.Status = StatusFail
	} else {
		res.Status = StatusPass
	}
	return res
}

/* ---------- scan helpers ---------- */

func (a *Auditor) scanOne(ctx context.Context, query string, dest any) error {
	rows, err := a.Repo.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return fmt.Errorf("no result row")
	}
	if err := rows.Scan(dest); err != nil {
		return err
	}
	return rows.Err()
}

// sampleStrings scans single-column rows, keeping at most SampleCap values.
func (a *Auditor) sampleStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := a.Repo.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v *string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if len(out) < SampleCap {
			if v == nil {
				out = append(out, "<null>")
			} else {
				out = append(out, *v)
			}
		}
	}
	return out, rows.Err()
}

// sampleGroups scans (key, count) rows from a GROUP BY ... HAVING query,
// returning capped samples and the full group count.
func (a *Auditor) sampleGroups(ctx context.Context, query string) ([]string, int, error) {
	rows, err := a.Repo.Query(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var samples []string
	affected := 0
	for rows.Next() {
		var key *string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, 0, err
		}
		affected++
		if len(samples) < SampleCap {
			k := "<null>"
			if key != nil {
				k = *key
			}
			samples = append(samples, fmt.Sprintf("%s (x%d)", k, n))
		}
	}
	return samples, affected, rows.Err()
}

func checkError(res CheckResult, err error) CheckResult {
	res.Status = StatusError
	res.Details = err.Error()
	return res
}

func fmtNum(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *p)
}
