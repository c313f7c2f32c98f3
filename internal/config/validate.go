// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a decoded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "transform[1].options.contract"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// It does not mutate the pipeline. Instead it returns a slice of Issue values.
// Callers may decide whether to treat warnings as fatal or not.
//
// Example:
//
//	p, err := config.Load("configs/nyc311.json")
//	if err != nil { ... }
//	issues := config.ValidatePipeline(p)
//	for _, iss := range issues {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	// Top-level pipeline checks.
	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics labeling and identifying runs",
		})
	}
	issues = append(issues, validateSource(p.Source)...)
	issues = append(issues, validateParser(p.Parser)...)
	issues = append(issues, validateNormalize(p.Normalize)...)
	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateMetrics(p.Metrics)...)

	return issues
}

// validateSource validates Source configuration.
func validateSource(s Source) []Issue {
	var issues []Issue

	switch strings.TrimSpace(s.Kind) {
	case "":
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.kind",
			Message:  "source.kind must not be empty",
		})
	case "file":
		if strings.TrimSpace(s.File.Path) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.file.path",
				Message:  "file source requires a non-empty path",
			})
		}
	case "http":
		u, err := url.Parse(s.HTTP.URL)
		if strings.TrimSpace(s.HTTP.URL) == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.http.url",
				Message:  fmt.Sprintf("http source requires an absolute http(s) url, got %q", s.HTTP.URL),
			})
		}
		if s.HTTP.Paginate && strings.TrimSpace(s.HTTP.Order) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "source.http.order",
				Message:  "paginated source without an order; offset paging may skip or repeat rows",
			})
		}
		if (s.HTTP.MaxRetries != nil && *s.HTTP.MaxRetries < 0) || s.HTTP.TimeoutSeconds < 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.http",
				Message:  "timeout_seconds and max_retries must not be negative",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.kind",
			Message:  fmt.Sprintf("unknown source kind %q (want http or file)", s.Kind),
		})
	}

	return issues
}

// validateParser validates parser configuration.
func validateParser(p Parser) []Issue {
	var issues []Issue

	if k := strings.TrimSpace(p.Kind); k != "" && k != "csv" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parser.kind",
			Message:  fmt.Sprintf("unknown parser kind %q; only csv is supported", p.Kind),
		})
		return issues
	}
	if p.Options.Has("comma") && p.Options.Rune("comma", 0) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parser.options.comma",
			Message:  "comma must be a non-empty string",
		})
	}
	if p.Options.Has("has_header") && !p.Options.Bool("has_header", true) {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "parser.options.has_header",
			Message:  "has_header=false maps columns positionally; the source must use the raw column order",
		})
	}

	return issues
}

// validateNormalize validates normalizer policies.
func validateNormalize(n Normalize) []Issue {
	var issues []Issue

	switch n.KeyPolicy {
	case "", "sentinel", "drop":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "normalize.key_policy",
			Message:  fmt.Sprintf("unknown key_policy %q (want sentinel or drop)", n.KeyPolicy),
		})
	}
	if strings.Contains(n.Sentinel, "_") {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "normalize.sentinel",
			Message:  "sentinel contains the key separator '_'; keys may become ambiguous",
		})
	}
	switch strings.ToLower(n.Dedup) {
	case "", "keep-first", "keep-last", "most-complete":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "normalize.dedup",
			Message:  fmt.Sprintf("unknown dedup policy %q", n.Dedup),
		})
	}

	return issues
}

// validateStorage validates storage configuration and DB settings.
func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
		return issues
	}

	known := map[string]struct{}{
		"postgres": {},
		"mysql":    {},
		"mssql":    {},
		"sqlite":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind),
		})
	}

	db := s.DB
	if strings.TrimSpace(db.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.dsn",
			Message:  "storage.db.dsn must not be empty",
		})
	}
	switch db.ConflictMode {
	case "", "reject", "ignore":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.conflict_mode",
			Message:  fmt.Sprintf("unknown conflict_mode %q (want reject or ignore)", db.ConflictMode),
		})
	}
	if db.MaxConns < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.max_conns",
			Message:  "max_conns must not be negative",
		})
	}
	if !db.AutoCreateTable && db.SchemaPerChunk {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.db.schema_per_chunk",
			Message:  "schema_per_chunk has no effect while auto_create_table is false",
		})
	}

	return issues
}

// validateRuntime validates RuntimeConfig for obvious misconfigurations.
func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.ChunkSize <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.chunk_size",
			Message:  fmt.Sprintf("chunk_size=%d; chunk size must be positive", r.ChunkSize),
		})
	}
	if r.RowLimit < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.row_limit",
			Message:  "row_limit must not be negative (0 means unlimited)",
		})
	}
	if r.RowLimit > 0 && r.ChunkSize > r.RowLimit {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.chunk_size",
			Message:  fmt.Sprintf("chunk_size=%d exceeds row_limit=%d; the run is a single chunk", r.ChunkSize, r.RowLimit),
		})
	}

	return issues
}

// validateMetrics validates the metrics backend selection.
func validateMetrics(m Metrics) []Issue {
	var issues []Issue

	switch strings.ToLower(m.Backend) {
	case "", "none":
	case "prometheus":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.pushgateway_url",
				Message:  "prometheus backend requires pushgateway_url",
			})
		}
	case "datadog":
		if strings.TrimSpace(m.DatadogAddr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.datadog_addr",
				Message:  "datadog backend without datadog_addr; the client default agent address is used",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q", m.Backend),
		})
	}

	return issues
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
