// Package metrics is a minimal metrics facade for the pipeline.
//
// Core code records observations through package-level helpers; where the
// observations go is decided once at startup by installing a Backend. The
// default backend is a nop, so library code can record unconditionally
// without checking configuration.
//
// The facade is intentionally vendor-free: backend packages (e.g.
// metrics/datadog) depend on this package, never the other way around.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are free-form metric labels (tag key -> value).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use. Observations should be
// cheap; expensive work (network submission) belongs in Flush.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

// SetBackend installs the process-wide backend. Passing nil restores the nop
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend if it buffers. Nop backends return nil.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter adds delta to a named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records a sample for a named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep records one pipeline step outcome and its duration.
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	IncCounter("pipeline_step_total", 1, l)
	ObserveHistogram("pipeline_step_duration_seconds", d.Seconds(), l)
}

// RecordRecords adds n to the per-kind record counter
// (kind: fetched, inserted, updated, skipped, error).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter("pipeline_records_total", float64(n), Labels{"kind": kind})
}

// RecordChunk records one committed (or rolled back) upsert chunk.
func RecordChunk(status string, rows int, d time.Duration) {
	l := Labels{"status": status}
	IncCounter("pipeline_chunks_total", 1, l)
	ObserveHistogram("pipeline_chunk_duration_seconds", d.Seconds(), l)
	ObserveHistogram("pipeline_chunk_rows", float64(rows), l)
}

// RecordHTTP records one works-API request attempt.
func RecordHTTP(status int, err error, d time.Duration) {
	code := strconv.Itoa(status)
	if status == 0 {
		code = "network_error"
	}
	IncCounter("pipeline_http_requests_total", 1, Labels{"status": code})
	if err != nil || status >= 400 {
		IncCounter("pipeline_http_errors_total", 1, Labels{"status": code})
	}
	ObserveHistogram("pipeline_http_request_seconds", d.Seconds(), Labels{"status": code})
}
