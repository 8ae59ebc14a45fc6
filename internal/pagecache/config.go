package pagecache

import (
	"fmt"

	"github.com/gostratum/datastorex"
)

// Config sizes the page cache
type Config struct {
	PageSize int64
	MaxPages int
}

// DefaultConfig returns 20 pages of 25 MiB
func DefaultConfig() Config {
	return Config{PageSize: 25 * datastorex.MiB, MaxPages: 20}
}

// FromConfig extracts the cache settings from the module configuration
func FromConfig(cfg *datastorex.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return Config{PageSize: cfg.PageSize, MaxPages: cfg.MaxPages}.Sanitize()
}

// Sanitize fills unset values with defaults
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	return c
}

func (c Config) String() string {
	return fmt.Sprintf("pagecache{page:%d pages:%d}", c.PageSize, c.MaxPages)
}
