package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"paperetl/internal/config"
	"paperetl/internal/metrics"
	"paperetl/internal/metrics/datadog"
	"paperetl/internal/pipeline"

	// register all storage backends with the factory; the -storage flag
	// picks one at runtime.
	_ "paperetl/internal/storage/all"
)

// backendCloser is the minimal interface this command needs from a metrics
// backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake metrics backend factory, capture output, and
//     script the fetch instead of hitting the live API.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	Fetch          pipeline.FetchFunc
	Now            func() time.Time
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	Pipeline config.Config

	Validate       bool
	MetricsBackend string
	DDTagsCSV      string
	FlushEvery     time.Duration
	Verbose        bool
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		Now: time.Now,
	})
	os.Exit(code)
}

// run executes the pipeline command and returns an exit code.
//
// Exit codes:
//   - 0: run completed (audit findings included; they are data findings).
//   - 1: the pipeline hit a fatal transition and stopped.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	// Local .env is optional; flags and real environment win.
	_ = godotenv.Load()

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	cfg.Pipeline.ApplyEnv()
	issues := cfg.Pipeline.Validate()
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(d.Stderr, "configuration is invalid")
		return 2
	}
	if cfg.Validate {
		fmt.Fprintln(d.Stdout, "configuration is valid")
		return 0
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)
	if !cfg.Verbose {
		logger.SetOutput(io.Discard)
	}

	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:pipeline")
		backend, err := d.BackendFactory(ctx, "paperetl", tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	case "", "none":
		// metrics disabled; nop backend remains
	default:
		fmt.Fprintf(d.Stderr, "unknown metrics backend %q; metrics disabled\n", cfg.MetricsBackend)
	}

	p := &pipeline.Pipeline{
		Config: cfg.Pipeline,
		Logger: logger,
		Fetch:  d.Fetch,
		Now:    d.Now,
	}

	summary, runErr := p.Run(ctx)
	printSummary(d.Stdout, summary)

	if runErr != nil {
		fmt.Fprintf(d.Stderr, "pipeline failed: %v\n", runErr)
		return 1
	}
	return 0
}

// printSummary writes the human-readable run accounting. Emitted on every
// path, failures included.
func printSummary(w io.Writer, s pipeline.Summary) {
	fmt.Fprintln(w, "Pipeline summary:")
	fmt.Fprintf(w, "  state:     %s\n", s.State)
	fmt.Fprintf(w, "  fetched:   %d\n", s.Fetched)
	fmt.Fprintf(w, "  inserted:  %d\n", s.Inserted)
	fmt.Fprintf(w, "  updated:   %d\n", s.Updated)
	fmt.Fprintf(w, "  skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  errors:    %d\n", s.Errors)
	if s.Fetched > 0 {
		rate := 100 * float64(s.Succeeded()) / float64(s.Fetched)
		fmt.Fprintf(w, "  success rate: %.1f%%\n", rate)
	}
	if s.AuditRan {
		verdict := "passed"
		if !s.AuditPassed {
			verdict = "failed"
		}
		fmt.Fprintf(w, "  audit:     %s\n", verdict)
	}
	if s.SnapshotPath != "" {
		fmt.Fprintf(w, "  snapshot:  %s\n", s.SnapshotPath)
	}
	if s.ReportPath != "" {
		fmt.Fprintf(w, "  report:    %s\n", s.ReportPath)
	}
	fmt.Fprintf(w, "  elapsed:   %s\n", s.Elapsed.Round(time.Millisecond))
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid flags; the caller decides the exit code.
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.IntVar(&cfg.Pipeline.LookbackDays, "days", 3, "Lookback window in days")
	fs.StringVar(&cfg.Pipeline.SubfieldID, "subfield", "1702", "Topic subfield id filter (empty for none)")
	fs.IntVar(&cfg.Pipeline.PageSize, "page-size", 200, "Items requested per API page")
	fs.IntVar(&cfg.Pipeline.MaxPages, "max-pages", 50, "Maximum API pages per run")
	fs.StringVar(&cfg.Pipeline.Mailto, "mailto", "", "Contact email for the API polite pool (or "+config.EnvMailto+")")
	fs.StringVar(&cfg.Pipeline.StorageKind, "storage", "postgres", "Storage backend (postgres, sqlite, mssql)")
	fs.StringVar(&cfg.Pipeline.DSN, "dsn", "", "Store DSN (or "+config.EnvDSN+"; ${VAR} references are expanded)")
	fs.IntVar(&cfg.Pipeline.BatchSize, "batch-size", 100, "Records per upsert transaction")
	fs.BoolVar(&cfg.Pipeline.Force, "force", false, "Drop and recreate the papers table (destroys existing data)")
	fs.BoolVar(&cfg.Pipeline.SkipQuality, "skip-quality", false, "Skip the data quality audit")
	fs.StringVar(&cfg.Pipeline.BackupDir, "backup-dir", "temp", "Directory for pre-write JSON snapshots")
	fs.StringVar(&cfg.Pipeline.ReportDir, "report-dir", "reports", "Directory for quality report artifacts")

	fs.BoolVar(&cfg.Validate, "validate", false, "Validate the configuration and exit")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "none", "Metrics backend (none, datadog)")
	fs.StringVar(&cfg.DDTagsCSV, "dd-tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:paperetl)")
	fs.DurationVar(&cfg.FlushEvery, "metrics-flush", time.Minute, "Datadog flush interval")
	fs.BoolVar(&cfg.Verbose, "v", false, "Enable verbose logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	return cfg, nil
}
