package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/datastorex"
)

// memBackend is an in-memory Backend that assembles parts on Complete.
type memBackend struct {
	mu        sync.Mutex
	creates   int
	completes int
	aborts    int
	parts     map[int32][]byte
	completed []Part
	object    []byte
	failPart  int32
	jitter    bool
}

func newMemBackend() *memBackend {
	return &memBackend{parts: make(map[int32][]byte)}
}

func (b *memBackend) Create(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	return fmt.Sprintf("upload-%d", b.creates), nil
}

func (b *memBackend) UploadPart(ctx context.Context, uploadID string, partNumber int32, data []byte) (string, error) {
	if b.jitter {
		// later parts finish first
		time.Sleep(time.Duration(10-partNumber%10) * time.Millisecond)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.failPart == partNumber {
		return "", errors.New("injected part failure")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts[partNumber] = append([]byte(nil), data...)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (b *memBackend) Complete(ctx context.Context, uploadID string, parts []Part) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completes++
	b.completed = parts

	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(b.parts[p.Number])
	}
	b.object = buf.Bytes()
	return nil
}

func (b *memBackend) Abort(ctx context.Context, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborts++
	b.parts = make(map[int32][]byte)
	return nil
}

func smallConfig() Config {
	return Config{MinPartSize: 4, MaxPartSize: 16, MaxPartCount: 100, Concurrency: 3}
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestWriter_RoundTripSizes(t *testing.T) {
	cfg := smallConfig()

	tests := []struct {
		name string
		size int
	}{
		{"one byte", 1},
		{"exactly min part", int(cfg.MinPartSize)},
		{"between parts", 11},
		{"one max part", int(cfg.MaxPartSize)},
		{"several max parts", int(cfg.MaxPartSize) * 7},
		{"large odd size", 1021},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemBackend()
			backend.jitter = true
			data := randomBytes(tt.size, int64(tt.size))

			w := NewWriter(context.Background(), backend, cfg)
			n, err := w.Write(data)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			require.NoError(t, w.Close())

			assert.Equal(t, data, backend.object)
			assert.Equal(t, 1, backend.creates)
			assert.Equal(t, 1, backend.completes)
			assert.Zero(t, backend.aborts)
			assert.LessOrEqual(t, len(backend.completed), cfg.MaxPartCount)

			for i, p := range backend.completed {
				assert.Equal(t, int32(i+1), p.Number, "parts must be listed in number order")
			}
		})
	}
}

func TestWriter_ZeroBytesCreatesNothing(t *testing.T) {
	backend := newMemBackend()
	w := NewWriter(context.Background(), backend, smallConfig())

	require.NoError(t, w.Flush(false))
	require.NoError(t, w.Close())

	assert.Zero(t, backend.creates)
	assert.Zero(t, backend.completes)
	assert.Zero(t, backend.aborts)
	assert.Empty(t, w.UploadID())
}

func TestWriter_FlushBelowMinIsNoop(t *testing.T) {
	backend := newMemBackend()
	w := NewWriter(context.Background(), backend, smallConfig())

	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Flush(false))
	assert.Zero(t, w.PartCount())
	assert.Zero(t, backend.creates)

	require.NoError(t, w.Flush(true))
	assert.Equal(t, 1, w.PartCount())

	_, err = w.Write([]byte("more"))
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, w.Close())
	assert.Equal(t, []byte("abc"), backend.object)
}

func TestWriter_PartFailureAborts(t *testing.T) {
	backend := newMemBackend()
	backend.failPart = 2
	w := NewWriter(context.Background(), backend, smallConfig())

	_, _ = w.Write(randomBytes(200, 1))
	err := w.Close()
	require.Error(t, err)

	assert.Zero(t, backend.completes, "a failed upload must never be completed")
	assert.Equal(t, 1, backend.aborts)

	// Close is idempotent and keeps reporting the failure
	assert.Equal(t, err, w.Close())
}

func TestWriter_CancelledContextNeverCompletes(t *testing.T) {
	backend := newMemBackend()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(ctx, backend, smallConfig())

	_, err := w.Write(randomBytes(20, 2))
	require.NoError(t, err)
	cancel()

	err = w.Close()
	require.ErrorIs(t, err, datastorex.ErrAborted)
	assert.Zero(t, backend.completes)
	assert.Equal(t, 1, backend.aborts)
}

func TestWriter_TooManyParts(t *testing.T) {
	backend := newMemBackend()
	cfg := Config{MinPartSize: 1, MaxPartSize: 1, MaxPartCount: 3, Concurrency: 1}
	w := NewWriter(context.Background(), backend, cfg)

	_, err := w.Write([]byte("abcd"))
	require.ErrorIs(t, err, datastorex.ErrTooLarge)
	require.ErrorIs(t, w.Close(), datastorex.ErrTooLarge)
	assert.Zero(t, backend.completes)
	assert.Equal(t, 1, backend.aborts)
}

func TestWriter_ExplicitAbort(t *testing.T) {
	backend := newMemBackend()
	w := NewWriter(context.Background(), backend, smallConfig())

	_, err := w.Write(randomBytes(40, 3))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	assert.Zero(t, backend.completes)
	assert.Equal(t, 1, backend.aborts)
	require.ErrorIs(t, w.Close(), datastorex.ErrAborted)
}

func TestWriter_SetExpectedSize(t *testing.T) {
	cfg := Config{MinPartSize: 4, MaxPartSize: 64, MaxPartCount: 10, Concurrency: 2}

	w := NewWriter(context.Background(), newMemBackend(), cfg)
	w.SetExpectedSize(300)
	assert.Equal(t, int64(30), w.target)

	w = NewWriter(context.Background(), newMemBackend(), cfg)
	w.SetExpectedSize(10)
	assert.Equal(t, cfg.MinPartSize, w.target)

	w = NewWriter(context.Background(), newMemBackend(), cfg)
	w.SetExpectedSize(1 << 20)
	assert.Equal(t, cfg.MaxPartSize, w.target)
}

func TestNextPartSize_Ramp(t *testing.T) {
	cfg := Config{MinPartSize: 5, MaxPartSize: 20, MaxPartCount: 100, Concurrency: 1}

	want := []int64{5, 10, 10, 15, 15, 20, 20, 20, 20}
	target := cfg.MinPartSize
	for parts := 1; parts <= len(want); parts++ {
		target = NextPartSize(cfg, target, parts)
		assert.Equal(t, want[parts-1], target, "after %d parts", parts)
	}
}

func TestConfig_MaxObjectSize(t *testing.T) {
	cfg := Config{MinPartSize: 5, MaxPartSize: 20, MaxPartCount: 4, Concurrency: 1}
	// parts: 5, 5, 10, 10
	assert.Equal(t, int64(30), cfg.MaxObjectSize())
}

func TestConfig_Clamp(t *testing.T) {
	cfg := Config{MinPartSize: 8, MaxPartSize: 32, MaxPartCount: 1000, Concurrency: 3}

	got := cfg.Clamp(datastorex.PartLimits{MinPartSize: 16, MaxPartSize: 24, MaxPartCount: 10})
	assert.Equal(t, Config{MinPartSize: 16, MaxPartSize: 24, MaxPartCount: 10, Concurrency: 3}, got)

	// looser limits leave the settings alone
	got = cfg.Clamp(datastorex.PartLimits{MinPartSize: 1, MaxPartSize: 1 << 20, MaxPartCount: 1 << 20})
	assert.Equal(t, cfg, got)

	// zero limits are unbounded
	assert.Equal(t, cfg, cfg.Clamp(datastorex.PartLimits{}))

	// a minimum above the configured maximum lifts the maximum with it
	got = cfg.Clamp(datastorex.PartLimits{MinPartSize: 64})
	assert.Equal(t, int64(64), got.MinPartSize)
	assert.Equal(t, int64(64), got.MaxPartSize)
}
