package datastorex

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumenter_TraceOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	in := NewInstrumenter(reg, nil)

	require.NoError(t, in.TraceOperation(context.Background(), "write", "a://x", func(context.Context) error {
		return nil
	}))

	boom := errors.New("boom")
	err := in.TraceOperation(context.Background(), "write", "a://x", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(in.operations.WithLabelValues("write", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(in.operations.WithLabelValues("write", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(in.duration, "datastore_operation_duration_seconds"))
}

func TestInstrumenter_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	in := NewInstrumenter(reg, nil)

	in.RecordMultipartParts(3)
	in.RecordMultipartParts(0)
	in.RecordPageCacheEvent("hit")
	in.RecordPageCacheEvent("hit")
	in.RecordPageCacheEvent("miss")
	in.SessionOpened()
	in.SessionOpened()
	in.SessionClosed()
	in.RecordOperationSize("read", 2048)

	assert.Equal(t, 3.0, testutil.ToFloat64(in.parts))
	assert.Equal(t, 2.0, testutil.ToFloat64(in.pageCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(in.pageCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(in.sessions))
	assert.Equal(t, 1, testutil.CollectAndCount(in.bytes, "datastore_operation_bytes"))
}

func TestInstrumenter_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewInstrumenter(reg, nil)
	second := NewInstrumenter(reg, nil)

	first.SessionOpened()
	second.SessionOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.sessions))
}

func TestInstrumenter_WithoutRegisterer(t *testing.T) {
	in := NewInstrumenter(nil, nil)

	called := false
	require.NoError(t, in.TraceOperation(context.Background(), "read", "a://x", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)

	// recorders are no-ops without metrics
	in.RecordMultipartParts(1)
	in.RecordPageCacheEvent("hit")
	in.SessionOpened()
	in.AddSpanAttribute(context.Background(), "k", "v")
}

func TestInstrumenter_Nil(t *testing.T) {
	var in *Instrumenter
	require.NoError(t, in.TraceOperation(context.Background(), "read", "", func(context.Context) error { return nil }))
	in.RecordOperationSize("read", 1)
	in.SessionClosed()
}

func TestApplyOptions_Defaults(t *testing.T) {
	opts := ApplyOptions(nil)
	assert.NotNil(t, opts.GetLogger())
	assert.NotNil(t, opts.GetInstrumenter())
	assert.NotNil(t, opts.GetClock())

	in := NewInstrumenter(nil, nil)
	opts = ApplyOptions(WithInstrumenter(in), WithLogger(NewNopLogger()))
	assert.Same(t, in, opts.GetInstrumenter())
}
