// Package config holds the pipeline run configuration and its validation.
package config

import (
	"fmt"
	"os"

	"paperetl/internal/openalex"
)

// Environment variables consulted when the corresponding field is unset.
const (
	EnvDSN    = "PAPERETL_DSN"
	EnvMailto = "OPENALEX_MAILTO"
)

// Config is one pipeline run's configuration, populated from flags and the
// environment by the binary.
type Config struct {
	// Fetch.
	LookbackDays int
	SubfieldID   string
	PageSize     int
	MaxPages     int
	Mailto       string

	// Store.
	StorageKind string
	DSN         string
	BatchSize   int
	Force       bool

	// Audit and artifacts.
	SkipQuality bool
	BackupDir   string
	ReportDir   string
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Field    string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Field, i.Message)
}

// ApplyEnv fills unset fields from the environment and expands variable
// references in the DSN, so secrets can live outside flag values.
func (c *Config) ApplyEnv() {
	if c.DSN == "" {
		c.DSN = os.Getenv(EnvDSN)
	}
	if c.Mailto == "" {
		c.Mailto = os.Getenv(EnvMailto)
	}
	c.DSN = os.ExpandEnv(c.DSN)
}

// Validate checks the configuration and returns every finding at once, so an
// operator can fix a whole bad invocation in one pass. Errors make the run
// unstartable; warnings do not.
func (c *Config) Validate() []Issue {
	var issues []Issue

	if c.LookbackDays <= 0 {
		issues = append(issues, Issue{SeverityError, "days", "must be positive"})
	}
	if c.BatchSize <= 0 {
		issues = append(issues, Issue{SeverityError, "batch-size", "must be positive"})
	}
	if c.PageSize <= 0 || c.PageSize > openalex.DefaultPageSize {
		issues = append(issues, Issue{SeverityError, "page-size",
			fmt.Sprintf("must be in 1..%d", openalex.DefaultPageSize)})
	}
	if c.MaxPages <= 0 {
		issues = append(issues, Issue{SeverityError, "max-pages", "must be positive"})
	}
	if c.StorageKind == "" {
		issues = append(issues, Issue{SeverityError, "storage", "must name a backend"})
	}
	if c.DSN == "" {
		issues = append(issues, Issue{SeverityError, "dsn",
			"required; set the flag or " + EnvDSN})
	}
	if c.BackupDir == "" {
		issues = append(issues, Issue{SeverityError, "backup-dir", "must not be empty"})
	}
	if !c.SkipQuality && c.ReportDir == "" {
		issues = append(issues, Issue{SeverityError, "report-dir", "must not be empty"})
	}

	if c.Mailto == "" {
		issues = append(issues, Issue{SeverityWarning, "mailto",
			"unset; requests skip the polite pool (" + EnvMailto + ")"})
	}
	if c.LookbackDays > 365 {
		issues = append(issues, Issue{SeverityWarning, "days",
			"windows beyond a year fetch very large result sets"})
	}
	if c.Force {
		issues = append(issues, Issue{SeverityWarning, "force",
			"schema will be dropped and recreated, existing rows are lost"})
	}

	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
