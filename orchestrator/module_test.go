package orchestrator_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/testutil"
	"github.com/gostratum/datastorex/orchestrator"
)

func TestModule_Lifecycle(t *testing.T) {
	var o *orchestrator.Orchestrator
	var nested datastorex.Provider

	app := fxtest.New(t,
		testutil.TestModule,
		fx.Provide(func() *datastorex.Instrumenter { return datastorex.NewInstrumenter(nil, nil) }),
		orchestrator.Module(),
		fx.Populate(&o),
		fx.Invoke(fx.Annotate(func(p datastorex.Provider) { nested = p }, fx.ParamTags(`name:"orchestrated"`))),
	)
	app.RequireStart()

	require.NotNil(t, o)
	assert.Len(t, o.Registry().Descriptors(), 2)
	assert.Equal(t, orchestrator.OrchestratedType, nested.Type())

	ctx := context.Background()
	require.NoError(t, o.Write(ctx, "a://x", strings.NewReader("fx")))
	require.NoError(t, o.Copy(ctx, "a://x", "b://x"))

	exists, err := nested.Exists(ctx, "b://x")
	require.NoError(t, err)
	assert.True(t, exists)

	app.RequireStop()
	assert.Empty(t, o.Registry().Instances(), "providers are released on stop")
}

func TestModule_PriorityOrdersGroup(t *testing.T) {
	low := testutil.NewMemoryProvider("memory", "")
	high := testutil.NewMemoryProvider("memory", "")

	lowDesc := low.Descriptor("low", nil)
	lowDesc.Priority = 10
	highDesc := high.Descriptor("high", nil)
	highDesc.Priority = -1

	var reg *orchestrator.Registry
	app := fxtest.New(t,
		fx.Provide(
			fx.Annotate(func() datastorex.ProviderDescriptor { return lowDesc }, fx.ResultTags(`group:"datastore_providers"`)),
			fx.Annotate(func() datastorex.ProviderDescriptor { return highDesc }, fx.ResultTags(`group:"datastore_providers"`)),
		),
		fx.Provide(orchestrator.NewRegistryFromGroup),
		fx.Populate(&reg),
	)
	app.RequireStart()
	defer app.RequireStop()

	p, err := reg.ResolveByPath(context.Background(), "any://path")
	require.NoError(t, err)
	assert.Same(t, high, p)
}
