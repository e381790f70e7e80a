package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted TOML key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks cfg and returns every issue found. It touches the
// filesystem only to confirm that referenced paths exist.
func Validate(c Config) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(c.DestinationDir) == "" {
		errf("destination_dir", "is required")
	} else if fi, err := os.Stat(c.DestinationDir); err != nil || !fi.IsDir() {
		errf("destination_dir", "directory %s does not exist", c.DestinationDir)
	}

	if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errf("source.base_url", "must be an absolute URL, got %q", c.Source.BaseURL)
	} else if u.Scheme == "http" {
		warnf("source.base_url", "plain http is not encrypted")
	}
	if c.Source.InsecureSkipVerify {
		warnf("source.insecure_skip_verify", "TLS certificate verification is disabled")
	}
	if c.Source.Timeout < 0 {
		errf("source.timeout", "must not be negative")
	}

	if c.Download.MaxConcurrent < 1 {
		errf("download.max_concurrent", "must be at least 1, got %d", c.Download.MaxConcurrent)
	}
	if c.Download.RatePerSecond < 0 {
		errf("download.rate_per_second", "must not be negative")
	}
	if c.Download.MaxAttempts < 1 {
		errf("download.max_attempts", "must be at least 1, got %d", c.Download.MaxAttempts)
	}

	if c.Catalog.Geographies == "" {
		errf("catalog.geographies", "is required")
	} else if _, err := os.Stat(c.Catalog.Geographies); err != nil {
		errf("catalog.geographies", "%v", err)
	}
	if c.Catalog.Relationships != "" {
		if _, err := os.Stat(c.Catalog.Relationships); err != nil {
			errf("catalog.relationships", "%v", err)
		}
	}
	if c.Catalog.FieldReferences == "" {
		errf("catalog.field_references", "is required")
	} else if fi, err := os.Stat(c.Catalog.FieldReferences); err != nil || !fi.IsDir() {
		errf("catalog.field_references", "directory %s does not exist", c.Catalog.FieldReferences)
	}

	if c.Normalize.SRID <= 0 {
		errf("normalize.srid", "must be positive, got %d", c.Normalize.SRID)
	}
	for i, p := range c.Normalize.ZCTAPrefixes {
		if p == "" {
			errf(fmt.Sprintf("normalize.zcta_prefixes[%d]", i), "must not be empty")
		}
	}

	switch c.Load.ReplaceOn {
	case ReplaceOnFirstSuccess:
	case ReplaceOnFirstAttempt:
		warnf("load.replace_on", "first_attempt can leave the table holding only later datasets when the first one fails")
	default:
		errf("load.replace_on", "must be %q or %q, got %q", ReplaceOnFirstSuccess, ReplaceOnFirstAttempt, c.Load.ReplaceOn)
	}
	if c.Load.GeographiesTable == "" {
		errf("load.geographies_table", "is required")
	}
	if c.Catalog.Relationships != "" && c.Load.RelationshipsTable == "" {
		errf("load.relationships_table", "is required when catalog.relationships is set")
	}
	if c.Load.GeographiesTable != "" && c.Load.GeographiesTable == c.Load.RelationshipsTable {
		errf("load.relationships_table", "must differ from load.geographies_table")
	}
	if c.Load.BatchSize < 1 {
		errf("load.batch_size", "must be at least 1, got %d", c.Load.BatchSize)
	}

	switch NormalizeBackend(c.DB.Kind) {
	case "postgres", "mssql":
		if strings.TrimSpace(c.DB.DSN) == "" && strings.TrimSpace(c.DB.Database) == "" {
			errf("db.database", "is required when db.dsn is not set")
		}
	case "sqlite":
	default:
		errf("db.kind", "unsupported kind %q (postgres, mssql, sqlite)", c.DB.Kind)
	}
	if c.DB.DSN != "" && (c.DB.Host != "" || c.DB.User != "") {
		warnf("db.dsn", "db.dsn is set; host/user fields are ignored")
	}

	switch strings.ToLower(c.Metrics.Backend) {
	case "", "none":
	case "datadog":
		if c.Metrics.FlushEvery <= 0 {
			errf("metrics.flush_every", "must be positive for the datadog backend")
		}
	case "pushgateway":
		if c.Metrics.PushgatewayURL == "" {
			warnf("metrics.pushgateway_url", "not set; defaulting to http://localhost:9091")
		}
	default:
		errf("metrics.backend", "unknown backend %q (none, datadog, pushgateway)", c.Metrics.Backend)
	}

	return out
}
