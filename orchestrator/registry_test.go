package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/testutil"
)

func TestRegistry_ResolveByName(t *testing.T) {
	ctx := context.Background()
	a := testutil.NewMemoryProvider("memory", "a://")
	b := testutil.NewMemoryProvider("memory", "b://")

	var calls int
	reg := NewRegistry([]datastorex.ProviderDescriptor{
		a.Descriptor("alpha", &calls),
		b.Descriptor("", nil),
		a.Descriptor("twin", nil),
		b.Descriptor("twin", nil),
	})

	t.Run("exact match is cached", func(t *testing.T) {
		p1, err := reg.ResolveByName(ctx, "alpha")
		require.NoError(t, err)
		p2, err := reg.ResolveByName(ctx, "alpha")
		require.NoError(t, err)

		assert.Same(t, a, p1)
		assert.Same(t, p1, p2)
		assert.Equal(t, 1, calls)
	})

	t.Run("empty identifier falls back to type", func(t *testing.T) {
		p, err := reg.ResolveByName(ctx, "memory")
		require.NoError(t, err)
		assert.Same(t, b, p)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := reg.ResolveByName(ctx, "missing")
		assert.ErrorIs(t, err, datastorex.ErrProviderNotFound)
	})

	t.Run("duplicate identifier", func(t *testing.T) {
		_, err := reg.ResolveByName(ctx, "twin")
		assert.ErrorIs(t, err, datastorex.ErrAmbiguousProvider)
	})
}

func TestRegistry_ResolveByPath(t *testing.T) {
	ctx := context.Background()

	t.Run("first claimant in registration order wins", func(t *testing.T) {
		wide := testutil.NewMemoryProvider("memory", "")
		narrow := testutil.NewMemoryProvider("memory", "a://")
		reg := NewRegistry([]datastorex.ProviderDescriptor{
			narrow.Descriptor("narrow", nil),
			wide.Descriptor("wide", nil),
		})

		p, err := reg.ResolveByPath(ctx, "a://x")
		require.NoError(t, err)
		assert.Same(t, narrow, p)

		p, err = reg.ResolveByPath(ctx, "z://x")
		require.NoError(t, err)
		assert.Same(t, wide, p)
	})

	t.Run("failing and panicking probes are skipped", func(t *testing.T) {
		broken := testutil.NewMemoryProvider("memory", "a://")
		broken.ProbeErr = errors.New("probe exploded")
		panicky := testutil.NewMemoryProvider("memory", "a://")
		panicky.ProbePanic = true
		good := testutil.NewMemoryProvider("memory", "a://")

		reg := NewRegistry([]datastorex.ProviderDescriptor{
			broken.Descriptor("broken", nil),
			panicky.Descriptor("panicky", nil),
			good.Descriptor("good", nil),
		})

		p, err := reg.ResolveByPath(ctx, "a://x")
		require.NoError(t, err)
		assert.Same(t, good, p)
		assert.Equal(t, 1, broken.Counters().Probes)
		assert.Equal(t, 1, panicky.Counters().Probes)
	})

	t.Run("factory failure is skipped and not cached", func(t *testing.T) {
		good := testutil.NewMemoryProvider("memory", "a://")
		var attempts atomic.Int32
		reg := NewRegistry([]datastorex.ProviderDescriptor{
			{
				Identifier: "flaky",
				Type:       "memory",
				Factory: func(ctx context.Context, _ any) (datastorex.Provider, error) {
					attempts.Add(1)
					return nil, errors.New("dial failed")
				},
			},
			good.Descriptor("good", nil),
		})

		for i := 0; i < 2; i++ {
			p, err := reg.ResolveByPath(ctx, "a://x")
			require.NoError(t, err)
			assert.Same(t, good, p)
		}
		assert.Equal(t, int32(2), attempts.Load())

		_, err := reg.ResolveByName(ctx, "flaky")
		assert.ErrorContains(t, err, "dial failed")
	})

	t.Run("no claimant", func(t *testing.T) {
		reg := NewRegistry([]datastorex.ProviderDescriptor{
			testutil.NewMemoryProvider("memory", "a://").Descriptor("a", nil),
		})

		_, err := reg.ResolveByPath(ctx, "b://x")
		require.ErrorIs(t, err, datastorex.ErrProviderNotFound)
		assert.ErrorContains(t, err, "b://x")
	})

	t.Run("missing factory is a configuration error", func(t *testing.T) {
		reg := NewRegistry([]datastorex.ProviderDescriptor{{Identifier: "empty", Type: "memory"}})
		_, err := reg.ResolveByName(ctx, "empty")
		assert.ErrorIs(t, err, datastorex.ErrInvalidConfig)
	})
}

func TestRegistry_ConcurrentFirstUseBuildsOnce(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewMemoryProvider("memory", "a://")

	var calls atomic.Int32
	release := make(chan struct{})
	reg := NewRegistry([]datastorex.ProviderDescriptor{{
		Identifier: "slow",
		Type:       "memory",
		Factory: func(ctx context.Context, _ any) (datastorex.Provider, error) {
			calls.Add(1)
			<-release
			return p, nil
		},
	}})

	var wg sync.WaitGroup
	results := make([]datastorex.Provider, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = reg.ResolveByPath(ctx, "a://x")
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Same(t, p, r)
	}
}

func TestRegistry_RegisterAndClose(t *testing.T) {
	ctx := context.Background()
	a := testutil.NewMemoryProvider("memory", "a://")
	b := testutil.NewMemoryProvider("memory", "b://")

	reg := NewRegistry(nil)
	reg.Register(a.Descriptor("a", nil))
	reg.Register(b.Descriptor("b", nil))
	require.Len(t, reg.Descriptors(), 2)

	_, err := reg.ResolveByName(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, reg.Instances(), 1)

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())
	assert.Zero(t, a.Counters().Closes, "never built, never closed")
	assert.Equal(t, 1, b.Counters().Closes)

	_, err = reg.ResolveByName(ctx, "a")
	assert.ErrorIs(t, err, datastorex.ErrAborted)
}

func TestRegistry_CancelledCallerLeavesBuildRunning(t *testing.T) {
	p := testutil.NewMemoryProvider("memory", "a://")

	var calls atomic.Int32
	started := make(chan context.Context, 1)
	release := make(chan struct{})
	reg := NewRegistry([]datastorex.ProviderDescriptor{{
		Identifier: "slow",
		Type:       "memory",
		Factory: func(ctx context.Context, _ any) (datastorex.Provider, error) {
			calls.Add(1)
			started <- ctx
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return p, nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.ResolveByName(ctx, "slow")
		firstErr <- err
	}()

	buildCtx := <-started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.NoError(t, buildCtx.Err(), "build must not inherit the caller's cancellation")

	second := make(chan datastorex.Provider, 1)
	go func() {
		got, err := reg.ResolveByName(context.Background(), "slow")
		assert.NoError(t, err)
		second <- got
	}()
	close(release)

	assert.Same(t, p, <-second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_BuildTimeout(t *testing.T) {
	reg := NewRegistry([]datastorex.ProviderDescriptor{{
		Identifier: "stuck",
		Type:       "memory",
		Factory: func(ctx context.Context, _ any) (datastorex.Provider, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})
	reg.buildTimeout = 20 * time.Millisecond

	_, err := reg.ResolveByName(context.Background(), "stuck")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_CloseDuringBuildClosesLateInstance(t *testing.T) {
	p := testutil.NewMemoryProvider("memory", "a://")

	started := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry([]datastorex.ProviderDescriptor{{
		Identifier: "late",
		Type:       "memory",
		Factory: func(context.Context, any) (datastorex.Provider, error) {
			close(started)
			<-release
			return p, nil
		},
	}})

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.ResolveByName(context.Background(), "late")
		errCh <- err
	}()

	<-started
	require.NoError(t, reg.Close())
	close(release)

	assert.ErrorIs(t, <-errCh, datastorex.ErrAborted)
	assert.Equal(t, 1, p.Counters().Closes)
	assert.Empty(t, reg.Instances())
}
