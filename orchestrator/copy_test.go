package orchestrator

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/testutil"
)

// chunkRecorder is a memory destination that records its chunks in the
// order WriteChunk received them
type chunkRecorder struct {
	*testutil.MemoryProvider

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	arrivals    [][]byte
}

func (c *chunkRecorder) WriteChunk(ctx context.Context, uploadID string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.inFlight++
	c.maxInFlight = max(c.maxInFlight, c.inFlight)
	c.arrivals = append(c.arrivals, data)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	// widen the window for overlapping uploads
	time.Sleep(2 * time.Millisecond)
	return c.MemoryProvider.WriteChunk(ctx, uploadID, bytes.NewReader(data))
}

// sequencedRecorder also accepts caller-numbered chunks
type sequencedRecorder struct {
	*chunkRecorder

	seqMu     sync.Mutex
	sequenced map[int32][]byte
}

func (s *sequencedRecorder) WriteChunkAt(ctx context.Context, uploadID string, sequence int32, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.seqMu.Lock()
	s.sequenced[sequence] = data
	s.seqMu.Unlock()
	return s.chunkRecorder.WriteChunk(ctx, uploadID, bytes.NewReader(data))
}

// limitedRecorder rejects nothing but advertises part limits
type limitedRecorder struct {
	*chunkRecorder
	limits datastorex.PartLimits
}

func (l *limitedRecorder) PartLimits() datastorex.PartLimits { return l.limits }

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{MemoryProvider: testutil.NewMemoryProvider("memory", "c://")}
}

func newCopyFixture(t *testing.T, dst datastorex.Provider) (*Orchestrator, *testutil.MemoryProvider) {
	t.Helper()

	a := testutil.NewMemoryProvider("memory", "a://")
	reg := NewRegistry([]datastorex.ProviderDescriptor{
		a.Descriptor("mem-a", nil),
		{
			Identifier: "mem-c",
			Type:       "memory",
			Factory: func(context.Context, any) (datastorex.Provider, error) {
				return dst, nil
			},
		},
	})
	o := New(reg, testutil.NewTestConfig())
	t.Cleanup(func() { _ = o.Close() })
	return o, a
}

func TestCopy_ArrivalOrderedDestinationGetsChunksInPartOrder(t *testing.T) {
	for round := 0; round < 5; round++ {
		dst := newChunkRecorder()
		o, a := newCopyFixture(t, dst)
		data := payload(700 + round)
		a.Put("a://src", data)

		require.NoError(t, o.Copy(context.Background(), "a://src", "c://dst"))

		got, ok := dst.Object("c://dst")
		require.True(t, ok)
		assert.Equal(t, data, got)

		dst.mu.Lock()
		assert.Equal(t, 1, dst.maxInFlight)
		assert.Greater(t, len(dst.arrivals), 1)
		assert.Equal(t, data, bytes.Join(dst.arrivals, nil), "chunks arrived out of part order")
		dst.mu.Unlock()
	}
}

func TestCopy_SequencedDestinationNumbersEveryPart(t *testing.T) {
	dst := &sequencedRecorder{chunkRecorder: newChunkRecorder(), sequenced: make(map[int32][]byte)}
	o, a := newCopyFixture(t, dst)
	data := payload(900)
	a.Put("a://src", data)

	require.NoError(t, o.Copy(context.Background(), "a://src", "c://dst"))

	got, ok := dst.Object("c://dst")
	require.True(t, ok)
	assert.Equal(t, data, got)

	dst.seqMu.Lock()
	defer dst.seqMu.Unlock()

	seqs := make([]int, 0, len(dst.sequenced))
	for s := range dst.sequenced {
		seqs = append(seqs, int(s))
	}
	sort.Ints(seqs)

	var joined []byte
	for i, s := range seqs {
		assert.Equal(t, i+1, s)
		joined = append(joined, dst.sequenced[int32(s)]...)
	}
	assert.Equal(t, data, joined)

	dst.mu.Lock()
	assert.LessOrEqual(t, dst.maxInFlight, testutil.NewTestConfig().PartConcurrency)
	dst.mu.Unlock()
}

func TestCopy_ClampsPartsToDestinationLimits(t *testing.T) {
	dst := &limitedRecorder{
		chunkRecorder: newChunkRecorder(),
		limits:        datastorex.PartLimits{MinPartSize: 40, MaxPartSize: 64},
	}
	o, a := newCopyFixture(t, dst)
	data := payload(500)
	a.Put("a://src", data)

	require.NoError(t, o.Copy(context.Background(), "a://src", "c://dst"))

	got, ok := dst.Object("c://dst")
	require.True(t, ok)
	assert.Equal(t, data, got)

	dst.mu.Lock()
	defer dst.mu.Unlock()
	require.NotEmpty(t, dst.arrivals)
	for i, chunk := range dst.arrivals {
		assert.LessOrEqual(t, len(chunk), 64, "chunk %d", i)
		if i < len(dst.arrivals)-1 {
			assert.GreaterOrEqual(t, len(chunk), 40, "chunk %d", i)
		}
	}
}

func TestCopy_DestinationPartCountLimit(t *testing.T) {
	dst := &limitedRecorder{
		chunkRecorder: newChunkRecorder(),
		limits:        datastorex.PartLimits{MaxPartCount: 2},
	}
	o, a := newCopyFixture(t, dst)
	a.Put("a://src", payload(500))

	err := o.Copy(context.Background(), "a://src", "c://dst")
	require.Error(t, err)
	assert.ErrorIs(t, err, datastorex.ErrTooLarge)

	_, ok := dst.Object("c://dst")
	assert.False(t, ok)
	assert.Zero(t, dst.OpenUploads())
}
