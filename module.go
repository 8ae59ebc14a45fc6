package datastorex

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides configuration, logging and instrumentation for fx.
// It does not provide any storage. Combine it with orchestrator.Module()
// and one or more adapter modules (e.g. s3.Module(), localfs.Module()).
//
// Example usage:
//
//	app := fx.New(
//	    datastorex.Module(),
//	    s3.Module(),
//	    orchestrator.Module(),
//	    fx.Invoke(func(o *orchestrator.Orchestrator) {
//	        // Use the orchestrator...
//	    }),
//	)
func Module() fx.Option {
	return fx.Module("datastorex",
		fx.Provide(
			NewConfig,
			NewLogger,
			NewStructuredLogger,
			NewObservabilityInstrumenter,
		),
		fx.Invoke(registerLifecycle),
	)
}

// ConfigParams defines the parameters needed for config creation
type ConfigParams struct {
	fx.In

	// Viper instance for configuration (optional)
	Viper *viper.Viper `optional:"true"`
}

// NewConfig creates a new configuration from Viper or defaults
func NewConfig(params ConfigParams) (*Config, error) {
	return LoadConfig(params.Viper)
}

// NewLogger creates a zap logger based on configuration
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if !cfg.EnableLogging {
		return zap.NewNop(), nil
	}

	config := zap.NewProductionConfig()
	if cfg.LogLevel == "debug" {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		config.Level = level
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger.Named("datastorex"), nil
}

// NewStructuredLogger exposes the zap logger through the Logger interface
func NewStructuredLogger(l *zap.Logger) Logger {
	return WrapZapLogger(l)
}

// ObservabilityDeps defines optional observability dependencies
type ObservabilityDeps struct {
	fx.In

	Registerer     prometheus.Registerer `optional:"true"`
	TracerProvider trace.TracerProvider  `optional:"true"`
}

// NewObservabilityInstrumenter creates an instrumenter for storage operations
func NewObservabilityInstrumenter(deps ObservabilityDeps) *Instrumenter {
	return NewInstrumenter(deps.Registerer, deps.TracerProvider)
}

// LifecycleParams defines parameters for lifecycle management
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *Config
	Logger    *zap.Logger
}

// registerLifecycle logs the effective configuration and flushes the logger on stop
func registerLifecycle(params LifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			params.Logger.Info("Datastore module started", zap.Any("config", params.Config.ConfigSummary()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			params.Logger.Info("Datastore module stopped")
			// Sync fails on stderr/stdout sinks on some platforms; nothing to recover.
			_ = params.Logger.Sync()
			return nil
		},
	})
}

// ConfigFromViper supplies an existing Viper instance to the fx graph
func ConfigFromViper(v *viper.Viper) fx.Option {
	return fx.Supply(v)
}

// WithCustomLogger replaces the zap logger built from configuration
func WithCustomLogger(logger *zap.Logger) fx.Option {
	return fx.Decorate(func(*zap.Logger) *zap.Logger { return logger })
}

// WithRegisterer supplies a prometheus registerer for the instrumenter
func WithRegisterer(reg prometheus.Registerer) fx.Option {
	return fx.Provide(func() prometheus.Registerer { return reg })
}
