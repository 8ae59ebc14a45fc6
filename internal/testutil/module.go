package testutil

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gostratum/datastorex"
)

// TestModule provides a small-sized configuration, a development logger
// and two in-memory providers ("mem-a" owning "a://" paths and "mem-b"
// owning "b://" paths) contributed to the provider group.
//
// Example usage:
//
//	app := fxtest.New(t,
//	    testutil.TestModule,
//	    orchestrator.Module(),
//	    fx.Invoke(func(o *orchestrator.Orchestrator) {
//	        // Use the orchestrator...
//	    }),
//	)
var TestModule = fx.Module("datastorex-test",
	fx.Provide(
		NewTestConfig,
		NewTestLogger,
		datastorex.NewStructuredLogger,
		fx.Annotate(
			func() datastorex.ProviderDescriptor {
				return NewMemoryProvider("memory", "a://").Descriptor("mem-a", nil)
			},
			fx.ResultTags(`group:"`+datastorex.ProviderGroup+`"`),
		),
		fx.Annotate(
			func() datastorex.ProviderDescriptor {
				return NewMemoryProvider("memory", "b://").Descriptor("mem-b", nil)
			},
			fx.ResultTags(`group:"`+datastorex.ProviderGroup+`"`),
		),
	),
)

// NewTestConfig creates a configuration with tiny pages and parts so that
// tests exercise paging and multipart paths with a few hundred bytes.
func NewTestConfig() *datastorex.Config {
	cfg := datastorex.DefaultConfig()
	cfg.PageSize = 16
	cfg.MaxPages = 4
	cfg.MinPartSize = 8
	cfg.MaxPartSize = 32
	cfg.MaxPartCount = 1000
	cfg.PartConcurrency = 2
	cfg.SingleRequestLimit = 64
	cfg.EnableLogging = true
	cfg.LogLevel = "debug"
	return cfg
}

// NewTestLogger creates a development logger at debug level
func NewTestLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	logger, _ := config.Build()
	return logger
}
