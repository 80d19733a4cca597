// Package datadog implements a Datadog backend for the internal/metrics
// facade.
//
// The backend buffers observations in memory, submits them on a ticker
// (default: once per minute) and one final time on Close. Long runs therefore
// produce a real time series instead of a single spike at process exit; short
// runs still get their tail flush.
//
// Concurrency model:
//   - pipeline goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits
//     out-of-lock
//   - the flush loop calls Flush periodically; Close stops the loop
//
// The core pipeline depends only on metrics.Backend; nothing
// Datadog-specific leaks out of this package.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"paperetl/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "paperetl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these; tests use them
	// to avoid real network submission and nondeterministic clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi; depending on this
// tiny private interface instead lets unit tests stub submission.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// metricKey identifies one buffered series: metric name plus its sorted,
// joined label tags.
type metricKey struct {
	name string
	tags string
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[metricKey]float64
	samples  map[metricKey][]float64
}

// NewBackend constructs a Datadog backend using the official client and
// starts its periodic flush goroutine.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors occur during Flush (network), not construction.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "paperetl"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[metricKey]float64),
		samples:    make(map[metricKey][]float64),
	}

	go b.loop()
	return b, nil
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Close must be called at most once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k := metricKey{name: name, tags: tagString(labels)}

	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := metricKey{name: name, tags: tagString(labels)}

	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

// tagString renders labels as a stable, sorted "k:v,k:v" string so the same
// label set always maps to the same buffered series.
func tagString(labels metrics.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+":"+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// snapshotAndReset detaches the buffered state so submission happens
// out-of-lock. Buffers are reset even if the subsequent submission fails;
// lossy delivery is acceptable for operational metrics.
func (b *Backend) snapshotAndReset() (map[metricKey]float64, map[metricKey][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counters := b.counters
	samples := b.samples
	b.counters = make(map[metricKey]float64)
	b.samples = make(map[metricKey][]float64)
	return counters, samples
}

// Flush submits buffered metrics to Datadog and resets local buffers.
// Returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	counters, samples := b.snapshotAndReset()
	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}

	series := b.buildSeries(counters, samples, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// Pure: no locks, no network, no clocks, so it is unit-testable.
//
// Counters become count series; histograms become percentile gauges
// (p50/p90/p95/p99/max/samples).
func (b *Backend) buildSeries(counters map[metricKey]float64, samples map[metricKey][]float64, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(samples))

	for k, v := range counters {
		if v == 0 {
			continue
		}
		series = append(series, datadogV2.MetricSeries{
			Metric: ddName(k.name),
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(v)},
			},
			Tags: withTags(b.baseTags, k.tags),
		})
	}

	for k, vals := range samples {
		if len(vals) == 0 {
			continue
		}
		cp := append([]float64(nil), vals...)
		sort.Float64s(cp)

		tags := withTags(b.baseTags, k.tags)
		name := ddName(k.name)
		for _, q := range []struct {
			suffix string
			value  float64
		}{
			{".p50", percentileNearestRank(cp, 0.50)},
			{".p90", percentileNearestRank(cp, 0.90)},
			{".p95", percentileNearestRank(cp, 0.95)},
			{".p99", percentileNearestRank(cp, 0.99)},
			{".max", cp[len(cp)-1]},
			{".samples", float64(len(cp))},
		} {
			series = append(series, datadogV2.MetricSeries{
				Metric: name + q.suffix,
				Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
				Points: []datadogV2.MetricPoint{
					{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(q.value)},
				},
				Tags: tags,
			})
		}
	}

	return series
}

// ddName maps a facade metric name like "pipeline_records_total" to the
// Datadog naming convention "paperetl.pipeline.records.total".
func ddName(name string) string {
	return "paperetl." + strings.ReplaceAll(name, "_", ".")
}

func withTags(base []string, extra string) []string {
	out := make([]string, 0, len(base)+4)
	out = append(out, base...)
	if extra != "" {
		out = append(out, strings.Split(extra, ",")...)
	}
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:paperetl".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
