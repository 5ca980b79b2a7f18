package config

import (
	"fmt"
	"regexp"
	"slices"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path names the offending key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// SupportedStores are the store kinds the binary links in.
var SupportedStores = []string{"mssql", "postgres", "sqlite"}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate reports every problem in cfg. The config is usable when no issue
// has SeverityError.
func Validate(cfg Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case cfg.Store.Kind == "":
		add(SeverityError, "store.kind", "is required")
	case !slices.Contains(SupportedStores, cfg.Store.Kind):
		add(SeverityError, "store.kind", "unsupported kind %q (supported: %v)", cfg.Store.Kind, SupportedStores)
	}
	if cfg.Store.DSN == "" {
		add(SeverityError, "store.dsn", "is required")
	}

	if len(cfg.Sources) == 0 {
		add(SeverityError, "sources", "at least one source is required")
	}
	seen := map[Source]bool{}
	for i, s := range cfg.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		if !identRe.MatchString(s.Entity) {
			add(SeverityError, path+".entity", "%q is not a valid table name suffix", s.Entity)
		}
		if s.File == "" {
			add(SeverityError, path+".file", "is required")
		}
		if seen[s] {
			add(SeverityWarning, path, "duplicate source %s=%s is landed twice", s.Entity, s.File)
		}
		seen[s] = true
	}

	for _, p := range []struct{ path, v string }{
		{"landing_prefix", cfg.LandingPrefix},
		{"staging_prefix", cfg.StagingPrefix},
	} {
		if p.v != "" && !identRe.MatchString(p.v) {
			add(SeverityError, p.path, "%q is not a valid table name prefix", p.v)
		}
	}
	if cfg.LandingPrefix == cfg.StagingPrefix {
		add(SeverityError, "staging_prefix", "must differ from landing_prefix")
	}

	if cfg.BatchSize < 0 {
		add(SeverityError, "batch_size", "must be >= 0")
	}

	switch cfg.Metrics.Backend {
	case "", "none", "datadog":
	case "prompush":
		if cfg.Metrics.PushgatewayURL == "" {
			add(SeverityError, "metrics.pushgateway_url", "is required for backend prompush")
		}
	default:
		add(SeverityError, "metrics.backend", "unknown backend %q", cfg.Metrics.Backend)
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
