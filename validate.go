package datastorex

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with ErrInvalidConfig
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// ValidateConfig checks every field and reports all problems at once
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Message: "configuration cannot be nil"}
	}

	var errors []string

	// Paged reader
	if cfg.PageSize <= 0 {
		errors = append(errors, "page_size must be positive")
	}
	if cfg.MaxPages <= 0 {
		errors = append(errors, "max_pages must be positive")
	}
	if cfg.PageSize > 0 && cfg.MaxPages > 0 && cfg.PageSize > (64*GiB)/int64(cfg.MaxPages) {
		errors = append(errors, "page_size * max_pages should not exceed 64GB of cache per reader")
	}

	// Multipart writer
	if cfg.MinPartSize <= 0 {
		errors = append(errors, "min_part_size must be positive")
	}
	if cfg.MaxPartSize < cfg.MinPartSize {
		errors = append(errors, "max_part_size must be at least min_part_size")
	}
	if cfg.MaxPartCount <= 0 {
		errors = append(errors, "max_part_count must be positive")
	}
	if cfg.PartConcurrency <= 0 {
		errors = append(errors, "part_concurrency must be positive")
	}
	if cfg.PartConcurrency > 50 {
		errors = append(errors, "part_concurrency should not exceed 50 for reasonable resource usage")
	}

	// Cross-provider copy
	if cfg.SingleRequestLimit <= 0 {
		errors = append(errors, "single_request_limit must be positive")
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("unsupported log_level %q", cfg.LogLevel))
	}

	if len(errors) > 0 {
		return &ValidationError{
			Field:   "config",
			Message: strings.Join(errors, "; "),
		}
	}

	return nil
}
