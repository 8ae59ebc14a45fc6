package orchestrator

import (
	"context"
	"sort"

	"go.uber.org/fx"

	"github.com/gostratum/datastorex"
)

// Module provides the Registry and Orchestrator built from every
// ProviderDescriptor contributed to the "datastore_providers" value group,
// plus the orchestrator itself as a Provider named "orchestrated".
//
// Example usage:
//
//	app := fx.New(
//	    datastorex.Module(),
//	    localfs.Module(),
//	    s3.Module(),
//	    orchestrator.Module(),
//	    fx.Invoke(func(o *orchestrator.Orchestrator) {
//	        // Use the orchestrator...
//	    }),
//	)
func Module() fx.Option {
	return fx.Module("datastorex-orchestrator",
		fx.Provide(
			NewRegistryFromGroup,
			NewOrchestrator,
			fx.Annotate(AsProvider, fx.ResultTags(`name:"orchestrated"`)),
		),
		fx.Invoke(registerLifecycle),
	)
}

// RegistryParams collects descriptors from adapter modules
type RegistryParams struct {
	fx.In

	Descriptors []datastorex.ProviderDescriptor `group:"datastore_providers"`
	Logger      datastorex.Logger               `optional:"true"`
}

// NewRegistryFromGroup builds a registry with descriptors ordered by Priority.
// Descriptors of equal priority keep the order fx delivered them in.
func NewRegistryFromGroup(params RegistryParams) *Registry {
	descs := make([]datastorex.ProviderDescriptor, len(params.Descriptors))
	copy(descs, params.Descriptors)
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Priority < descs[j].Priority })

	return NewRegistry(descs, datastorex.WithLogger(params.Logger))
}

// OrchestratorParams defines the dependencies of the orchestrator
type OrchestratorParams struct {
	fx.In

	Registry     *Registry
	Config       *datastorex.Config       `optional:"true"`
	Logger       datastorex.Logger        `optional:"true"`
	Instrumenter *datastorex.Instrumenter `optional:"true"`
}

// NewOrchestrator is the fx constructor for Orchestrator
func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	return New(params.Registry, params.Config,
		datastorex.WithLogger(params.Logger),
		datastorex.WithInstrumenter(params.Instrumenter),
	)
}

// LifecycleParams defines parameters for lifecycle management
type LifecycleParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	Orchestrator *Orchestrator
	Logger       datastorex.Logger `optional:"true"`
}

// registerLifecycle closes the providers on shutdown
func registerLifecycle(params LifecycleParams) {
	logger := params.Logger
	if logger == nil {
		logger = datastorex.NewNopLogger()
	}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Orchestrator started",
				"providers", len(params.Orchestrator.Registry().Descriptors()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := params.Orchestrator.Close(); err != nil {
				logger.Error("Error closing providers", "error", err)
				return err
			}
			logger.Info("Orchestrator stopped")
			return nil
		},
	})
}
