package quality

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Report is the full outcome of one quality battery run.
type Report struct {
	GeneratedAt time.Time
	TableName   string
	TotalRows   int
	Checks      []CheckResult
}

// Passed reports whether the battery passed overall. Warnings do not fail a
// run; failed and errored checks do.
func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail || c.Status == StatusError {
			return false
		}
	}
	return true
}

func (r *Report) counts() (pass, warn, fail, errored int) {
	for _, c := range r.Checks {
		switch c.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		case StatusError:
			errored++
		}
	}
	return
}

// Render formats the report as the plain-text audit document.
func (r *Report) Render() string {
	var b strings.Builder
	bar := strings.Repeat("=", 60)

	fmt.Fprintln(&b, bar)
	fmt.Fprintln(&b, "DATA QUALITY REPORT")
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Table: %s (%d rows)\n", r.TableName, r.TotalRows)
	fmt.Fprintln(&b, bar)
	fmt.Fprintln(&b)

	for _, c := range r.Checks {
		fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(c.Status)), c.Name)
		fmt.Fprintf(&b, "    rows affected: %d of %d\n", c.Affected, c.Total)
		if c.Details != "" {
			fmt.Fprintf(&b, "    details: %s\n", c.Details)
		}
		if len(c.Samples) > 0 {
			fmt.Fprintf(&b, "    samples: %s\n", strings.Join(c.Samples, ", "))
		}
		fmt.Fprintln(&b)
	}

	pass, warn, fail, errored := r.counts()
	verdict := "PASSED"
	if !r.Passed() {
		verdict = "FAILED"
	}
	fmt.Fprintln(&b, strings.Repeat("-", 60))
	fmt.Fprintf(&b, "OVERALL: %s (%d pass, %d warn, %d fail, %d error)\n",
		verdict, pass, warn, fail, errored)

	return b.String()
}

// WriteFile renders the report into dir as a timestamped text file, creating
// dir if needed. The write goes through a temp file and rename so a crash
// never leaves a truncated report behind.
func (r *Report) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("quality: create report dir: %w", err)
	}

	name := fmt.Sprintf("data_quality_report_%s.txt", r.GeneratedAt.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("quality: create temp report: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(r.Render()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("quality: write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("quality: close report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("quality: finalize report: %w", err)
	}

	return path, nil
}
