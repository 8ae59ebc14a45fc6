package datastorex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "zero page size",
			mutate:  func(c *Config) { c.PageSize = 0 },
			wantErr: "page_size must be positive",
		},
		{
			name:    "negative max pages",
			mutate:  func(c *Config) { c.MaxPages = -1 },
			wantErr: "max_pages must be positive",
		},
		{
			name:    "oversized page cache",
			mutate:  func(c *Config) { c.PageSize = 8 * GiB; c.MaxPages = 16 },
			wantErr: "should not exceed 64GB",
		},
		{
			name:    "max part below min part",
			mutate:  func(c *Config) { c.MinPartSize = 10 * MiB; c.MaxPartSize = 5 * MiB },
			wantErr: "max_part_size must be at least min_part_size",
		},
		{
			name:    "zero part count",
			mutate:  func(c *Config) { c.MaxPartCount = 0 },
			wantErr: "max_part_count must be positive",
		},
		{
			name:    "excessive concurrency",
			mutate:  func(c *Config) { c.PartConcurrency = 51 },
			wantErr: "part_concurrency should not exceed 50",
		},
		{
			name:    "zero single request limit",
			mutate:  func(c *Config) { c.SingleRequestLimit = 0 },
			wantErr: "single_request_limit must be positive",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: `unsupported log_level "verbose"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateConfig_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 0
	cfg.MaxPartCount = 0

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size")
	assert.Contains(t, err.Error(), "max_part_count")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "config", verr.Field)
}

func TestValidateConfig_Nil(t *testing.T) {
	err := ValidateConfig(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
