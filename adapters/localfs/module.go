package localfs

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/gostratum/datastorex"
)

// Module contributes one ProviderDescriptor per entry of
// datastore.providers.localfs to the provider group.
//
// Example configuration:
//
//	datastore:
//	  providers:
//	    localfs:
//	      - identifier: scratch
//	        root: /var/lib/datastore/scratch
func Module() fx.Option {
	return fx.Module("datastorex-localfs",
		fx.Provide(provideDescriptors),
	)
}

// ModuleParams defines the dependencies of the localfs module
type ModuleParams struct {
	fx.In

	Viper  *viper.Viper      `optional:"true"`
	Logger datastorex.Logger `optional:"true"`
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

	descs := make([]datastorex.ProviderDescriptor, 0, len(configs))
	for i, cfg := range configs {
		cfg = cfg.Sanitize()
		if err := cfg.Validate(); err != nil {
			return ModuleResult{}, fmt.Errorf("datastore.providers.localfs[%d]: %w", i, err)
		}
		descs = append(descs, Descriptor(cfg, datastorex.WithLogger(params.Logger)))
	}
	return ModuleResult{Descriptors: descs}, nil
}

// Descriptor describes a filesystem provider for the registry
func Descriptor(cfg *Config, opts ...datastorex.Option) datastorex.ProviderDescriptor {
	return datastorex.ProviderDescriptor{
		Identifier: cfg.Name(),
		Type:       ProviderType,
		Options:    cfg,
		Priority:   cfg.Priority,
		Factory: func(_ context.Context, options any) (datastorex.Provider, error) {
			c, ok := options.(*Config)
			if !ok {
				return nil, fmt.Errorf("%w: localfs provider expects *localfs.Config, got %T", datastorex.ErrInvalidConfig, options)
			}
			return NewProvider(c, opts...)
		},
	}
}
