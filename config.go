package datastorex

import (
	"fmt"
	"strings"
)

// Size units used by the defaults below
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// Config holds orchestration and stream-engine options
type Config struct {
	// PageSize is the paged reader window size in bytes
	PageSize int64 `mapstructure:"page_size" yaml:"page_size" default:"26214400"` // 25MB

	// MaxPages bounds the number of cached pages per reader
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages" default:"20"`

	// MinPartSize is the smallest part uploaded on its own
	MinPartSize int64 `mapstructure:"min_part_size" yaml:"min_part_size" default:"5242880"` // 5MB

	// MaxPartSize is the per-request ceiling of the destination
	MaxPartSize int64 `mapstructure:"max_part_size" yaml:"max_part_size" default:"5368709120"` // 5GB

	// MaxPartCount is the total-parts ceiling of the destination
	MaxPartCount int `mapstructure:"max_part_count" yaml:"max_part_count" default:"10000"`

	// PartConcurrency is the number of parts uploaded in parallel
	PartConcurrency int `mapstructure:"part_concurrency" yaml:"part_concurrency" default:"4"`

	// SingleRequestLimit is the largest object a cross-provider copy writes in one request
	SingleRequestLimit int64 `mapstructure:"single_request_limit" yaml:"single_request_limit" default:"67108864"` // 64MB

	// EnableLogging enables operation logging
	EnableLogging bool `mapstructure:"enable_logging" yaml:"enable_logging" default:"false"`

	// LogLevel selects "debug" (development encoder) or anything else (production encoder)
	LogLevel string `mapstructure:"log_level" yaml:"log_level" default:"info"`
}

// Prefix returns the configuration key prefix
func (Config) Prefix() string { return "datastore" }

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PageSize:           25 * MiB,
		MaxPages:           20,
		MinPartSize:        5 * MiB,
		MaxPartSize:        5 * GiB,
		MaxPartCount:       10000,
		PartConcurrency:    4,
		SingleRequestLimit: 64 * MiB,
		EnableLogging:      false,
		LogLevel:           "info",
	}
}

// Sanitize fills unset values with defaults and returns a copy without
// mutating the receiver.
func (c *Config) Sanitize() *Config {
	if c == nil {
		return DefaultConfig()
	}

	sanitized := *c
	def := DefaultConfig()

	if sanitized.PageSize == 0 {
		sanitized.PageSize = def.PageSize
	}
	if sanitized.MaxPages == 0 {
		sanitized.MaxPages = def.MaxPages
	}
	if sanitized.MinPartSize == 0 {
		sanitized.MinPartSize = def.MinPartSize
	}
	if sanitized.MaxPartSize == 0 {
		sanitized.MaxPartSize = def.MaxPartSize
	}
	if sanitized.MaxPartCount == 0 {
		sanitized.MaxPartCount = def.MaxPartCount
	}
	if sanitized.PartConcurrency == 0 {
		sanitized.PartConcurrency = def.PartConcurrency
	}
	if sanitized.SingleRequestLimit == 0 {
		sanitized.SingleRequestLimit = def.SingleRequestLimit
	}

	sanitized.LogLevel = strings.ToLower(strings.TrimSpace(sanitized.LogLevel))
	if sanitized.LogLevel == "" {
		sanitized.LogLevel = def.LogLevel
	}

	return &sanitized
}

// ConfigSummary returns a summary of the configuration for logging
func (c *Config) ConfigSummary() map[string]any {
	if c == nil {
		return map[string]any{"error": "nil config"}
	}

	return map[string]any{
		"page_size":            formatBytes(c.PageSize),
		"max_pages":            c.MaxPages,
		"min_part_size":        formatBytes(c.MinPartSize),
		"max_part_size":        formatBytes(c.MaxPartSize),
		"max_part_count":       c.MaxPartCount,
		"part_concurrency":     c.PartConcurrency,
		"single_request_limit": formatBytes(c.SingleRequestLimit),
		"enable_logging":       c.EnableLogging,
		"log_level":            c.LogLevel,
	}
}

// String returns a compact representation for log lines
func (c *Config) String() string {
	return fmt.Sprintf("Config{PageSize:%d, MaxPages:%d, MinPart:%d, MaxPart:%d, MaxParts:%d}",
		c.PageSize, c.MaxPages, c.MinPartSize, c.MaxPartSize, c.MaxPartCount)
}

func formatBytes(n int64) string {
	switch {
	case n >= GiB && n%GiB == 0:
		return fmt.Sprintf("%d GB", n/GiB)
	case n >= MiB && n%MiB == 0:
		return fmt.Sprintf("%d MB", n/MiB)
	case n >= KiB && n%KiB == 0:
		return fmt.Sprintf("%d KB", n/KiB)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
