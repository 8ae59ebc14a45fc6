package s3

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/gostratum/datastorex"
)

// Module contributes one ProviderDescriptor per entry of
// datastore.providers.s3 to the provider group. Clients are created
// lazily by the registry on first use.
//
// Example configuration:
//
//	datastore:
//	  providers:
//	    s3:
//	      - identifier: archive
//	        bucket: archive-bucket
//	        region: eu-west-1
//	        use_sdk_defaults: true
func Module() fx.Option {
	return fx.Module("datastorex-s3",
		fx.Provide(provideDescriptors),
	)
}

// ModuleParams defines the dependencies of the S3 module
type ModuleParams struct {
	fx.In

	Viper        *viper.Viper             `optional:"true"`
	Config       *datastorex.Config       `optional:"true"`
	Logger       datastorex.Logger        `optional:"true"`
	Instrumenter *datastorex.Instrumenter `optional:"true"`
}

// ModuleResult carries the descriptors into the provider group
type ModuleResult struct {
	fx.Out

	Descriptors []datastorex.ProviderDescriptor `group:"datastore_providers,flatten"`
}

func provideDescriptors(params ModuleParams) (ModuleResult, error) {
	var configs []*Config
	if err := datastorex.LoadProviderConfigs(params.Viper, ProviderType, &configs); err != nil {
		return ModuleResult{}, err
	}

	opts := []datastorex.Option{
		datastorex.WithLogger(params.Logger),
		datastorex.WithInstrumenter(params.Instrumenter),
	}

	descs := make([]datastorex.ProviderDescriptor, 0, len(configs))
	for i, cfg := range configs {
		cfg = cfg.Sanitize()
		if err := cfg.Validate(); err != nil {
			return ModuleResult{}, fmt.Errorf("datastore.providers.s3[%d]: %w", i, err)
		}
		descs = append(descs, Descriptor(cfg, params.Config, opts...))
	}
	return ModuleResult{Descriptors: descs}, nil
}

// Descriptor describes an S3 provider for the registry. dsCfg supplies
// the part sizing for multipart writes and may be nil.
func Descriptor(cfg *Config, dsCfg *datastorex.Config, opts ...datastorex.Option) datastorex.ProviderDescriptor {
	return datastorex.ProviderDescriptor{
		Identifier: cfg.Name(),
		Type:       ProviderType,
		Options:    cfg,
		Priority:   cfg.Priority,
		Factory: func(ctx context.Context, options any) (datastorex.Provider, error) {
			c, ok := options.(*Config)
			if !ok {
				return nil, fmt.Errorf("%w: s3 provider expects *s3.Config, got %T", datastorex.ErrInvalidConfig, options)
			}
			return NewProvider(ctx, c, dsCfg, opts...)
		},
	}
}
