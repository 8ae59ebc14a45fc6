package localfs

import (
	"fmt"
	"strings"

	"github.com/gostratum/datastorex"
)

// ProviderType is the discriminator reported by the filesystem provider
const ProviderType = "localfs"

// Config configures one filesystem provider instance
type Config struct {
	// Identifier names the provider in the registry; defaults to "localfs"
	Identifier string `mapstructure:"identifier" yaml:"identifier"`

	// Priority orders probing among providers; lower probes first
	Priority int `mapstructure:"priority" yaml:"priority"`

	// Root is the directory objects are stored under
	Root string `mapstructure:"root" yaml:"root"`

	// PathPrefix is the path prefix this provider claims.
	// Defaults to "local://<identifier>/".
	PathPrefix string `mapstructure:"path_prefix" yaml:"path_prefix"`

	// RequireRoot fails instead of creating Root when it does not exist
	RequireRoot bool `mapstructure:"require_root" yaml:"require_root" default:"false"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{}
}

// Name returns the registry identifier
func (c *Config) Name() string {
	if c.Identifier != "" {
		return c.Identifier
	}
	return ProviderType
}

// Sanitize returns a copy with defaults applied and values trimmed
func (c *Config) Sanitize() *Config {
	if c == nil {
		return DefaultConfig()
	}
	sanitized := *c

	sanitized.Root = strings.TrimSpace(sanitized.Root)
	sanitized.PathPrefix = strings.TrimSpace(sanitized.PathPrefix)
	if sanitized.PathPrefix == "" {
		sanitized.PathPrefix = "local://" + sanitized.Name() + "/"
	}
	if !strings.HasSuffix(sanitized.PathPrefix, "/") {
		sanitized.PathPrefix += "/"
	}
	return &sanitized
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	if c == nil {
		return &datastorex.ValidationError{Field: "localfs", Message: "configuration cannot be nil"}
	}

	var problems []string
	if c.Root == "" {
		problems = append(problems, "root cannot be empty")
	}
	if strings.Contains(c.Root, "..") {
		problems = append(problems, "root cannot contain '..'")
	}
	if c.PathPrefix == "" || !strings.Contains(c.PathPrefix, "://") {
		problems = append(problems, fmt.Sprintf("path_prefix %q must look like <scheme>://...", c.PathPrefix))
	}

	if len(problems) > 0 {
		return &datastorex.ValidationError{
			Field:   "localfs." + c.Name(),
			Message: strings.Join(problems, "; "),
		}
	}
	return nil
}
