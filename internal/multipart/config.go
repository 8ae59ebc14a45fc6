package multipart

import (
	"fmt"

	"github.com/gostratum/datastorex"
)

// Config bounds part sizing and upload parallelism
type Config struct {
	MinPartSize  int64
	MaxPartSize  int64
	MaxPartCount int
	Concurrency  int
}

// DefaultConfig returns S3-compatible limits
func DefaultConfig() Config {
	return Config{
		MinPartSize:  5 * datastorex.MiB,
		MaxPartSize:  5 * datastorex.GiB,
		MaxPartCount: 10000,
		Concurrency:  4,
	}
}

// FromConfig extracts the writer settings from the module configuration
func FromConfig(cfg *datastorex.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return Config{
		MinPartSize:  cfg.MinPartSize,
		MaxPartSize:  cfg.MaxPartSize,
		MaxPartCount: cfg.MaxPartCount,
		Concurrency:  cfg.PartConcurrency,
	}.Sanitize()
}

// Sanitize fills unset or inconsistent values
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.MinPartSize <= 0 {
		c.MinPartSize = def.MinPartSize
	}
	if c.MaxPartSize <= 0 {
		c.MaxPartSize = def.MaxPartSize
	}
	if c.MaxPartSize < c.MinPartSize {
		c.MaxPartSize = c.MinPartSize
	}
	if c.MaxPartCount <= 0 {
		c.MaxPartCount = def.MaxPartCount
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}

// MaxObjectSize is the largest object the ramp can carry within MaxPartCount parts
func (c Config) MaxObjectSize() int64 {
	c = c.Sanitize()
	var total, target int64 = 0, c.MinPartSize
	for n := 0; n < c.MaxPartCount; n++ {
		total += target
		if target == c.MaxPartSize {
			return total + int64(c.MaxPartCount-n-1)*c.MaxPartSize
		}
		target = NextPartSize(c, target, n+1)
	}
	return total
}

// Clamp narrows c to what a destination accepts. The minimum only grows
// and the maximum and count only shrink.
func (c Config) Clamp(l datastorex.PartLimits) Config {
	c = c.Sanitize()
	if l.MinPartSize > 0 {
		c.MinPartSize = max(c.MinPartSize, l.MinPartSize)
	}
	if l.MaxPartSize > 0 {
		c.MaxPartSize = min(c.MaxPartSize, l.MaxPartSize)
	}
	if l.MaxPartCount > 0 {
		c.MaxPartCount = min(c.MaxPartCount, l.MaxPartCount)
	}
	return c.Sanitize()
}

func (c Config) String() string {
	return fmt.Sprintf("multipart{min:%d max:%d count:%d parallel:%d}",
		c.MinPartSize, c.MaxPartSize, c.MaxPartCount, c.Concurrency)
}

// NextPartSize returns the target size of the part that follows partsSoFar
// submitted parts: max(min, current, (partsSoFar/2+1)*min) capped at max.
func NextPartSize(c Config, current int64, partsSoFar int) int64 {
	ramp := int64(partsSoFar/2+1) * c.MinPartSize
	next := max(c.MinPartSize, current, ramp)
	return clamp(next, c.MinPartSize, c.MaxPartSize)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
