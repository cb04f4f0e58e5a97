package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/RomanDovgii/testing-lms/internal/errors"
)

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(format string, args ...interface{}) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any errors
func (vr *ValidationResult) HasErrors() bool {
	return !vr.Valid || len(vr.Errors) > 0
}

// Error returns a formatted error message
func (vr *ValidationResult) Error() string {
	if !vr.HasErrors() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err))
	}
	return sb.String()
}

// Err converts the result into a config error, or nil when valid
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	return errors.ConfigError(strings.TrimSpace(vr.Error()))
}

// Validate checks the settings every stage depends on
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	if c.Repos.BasePath == "" {
		result.AddError("repos.base_path is required (or set LMS_BASE_PATH)")
	}
	if len(c.Repos.ClassroomCommand) == 0 {
		result.AddError("repos.classroom_command must name a program")
	}

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.LocalPath == "" {
			result.AddError("storage.local_path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			result.AddError("storage.postgres_dsn is required for postgres storage (or set DATABASE_URL)")
		} else if _, err := url.Parse(c.Storage.PostgresDSN); err != nil {
			result.AddError("storage.postgres_dsn is not a valid URL: %v", err)
		}
		if c.Storage.Driver != "pgx" && c.Storage.Driver != "postgres" {
			result.AddError("storage.driver must be pgx or postgres, got %q", c.Storage.Driver)
		}
	default:
		result.AddError("storage.type must be postgres or sqlite, got %q", c.Storage.Type)
	}

	if c.Process.Attempts < 1 {
		result.AddError("process.attempts must be at least 1")
	}
	if c.Process.Delay < 0 {
		result.AddError("process.delay must not be negative")
	}
	if c.Sync.Parallelism < 1 {
		result.AddError("sync.parallelism must be at least 1")
	}
	if c.Sync.RemoteRatePerSecond <= 0 {
		result.AddWarning("sync.remote_rate_per_second is not positive; remote commands are not rate limited")
	}
	if c.Similarity.Parallelism < 1 {
		result.AddError("similarity.parallelism must be at least 1")
	}
	if c.Similarity.RetentionThreshold < 0 || c.Similarity.RetentionThreshold > 100 {
		result.AddError("similarity.retention_threshold must be within [0, 100]")
	}
	if len(c.Similarity.Extensions) == 0 {
		result.AddError("similarity.extensions must not be empty")
	}
	if c.Anomaly.MinCommits < 1 {
		result.AddError("anomaly.min_commits must be at least 1")
	}
	if c.Anomaly.Multiplier <= 0 {
		result.AddError("anomaly.multiplier must be positive")
	}

	if c.GitHub.ResolveProfiles && c.GitHub.Token == "" {
		result.AddWarning("github.resolve_profiles is on but no token is configured; unauthenticated rate limits apply")
	}

	return result
}
