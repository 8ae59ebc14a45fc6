// Package pagecache serves random-access reads of a remote object from a
// bounded set of fixed-size pages fetched with range requests.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gostratum/datastorex"
)

// Cache event labels reported to the instrumenter
const (
	EventHit      = "hit"
	EventMiss     = "miss"
	EventEviction = "eviction"
)

// ErrClosed is returned by calls on a closed reader
var ErrClosed = errors.New("pagecache: reader closed")

// Fetcher loads a byte range of the object. The etag pins the object
// version; a fetcher must return datastorex.ErrObjectModified when the
// remote object no longer matches it.
type Fetcher interface {
	FetchRange(ctx context.Context, offset, length int64, etag string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, offset, length int64, etag string) ([]byte, error)

// FetchRange calls f
func (f FetcherFunc) FetchRange(ctx context.Context, offset, length int64, etag string) ([]byte, error) {
	return f(ctx, offset, length, etag)
}

// Stats reports cache activity
type Stats struct {
	TotalRead   int64 // bytes returned to callers
	TotalLoaded int64 // bytes fetched from the remote object
	Fetches     int
	Evictions   int
	CachedPages int
}

// Reader is a seekable, read-only view of a remote object. It is safe for
// concurrent use; ReadAt does not move the shared cursor.
type Reader struct {
	ctx     context.Context
	fetcher Fetcher
	size    int64
	etag    string
	cfg     Config
	logger  datastorex.Logger
	instr   *datastorex.Instrumenter

	mu     sync.Mutex
	pages  map[int64][]byte
	hot    map[int64]uint64
	pos    int64
	closed bool
	stats  Stats
}

// New creates a reader over an object of the given size and fingerprint.
// ctx bounds every fetch issued by the reader.
func New(ctx context.Context, fetcher Fetcher, size int64, etag string, cfg Config, opts ...datastorex.Option) *Reader {
	options := datastorex.ApplyOptions(opts...)
	return &Reader{
		ctx:     ctx,
		fetcher: fetcher,
		size:    size,
		etag:    etag,
		cfg:     cfg.Sanitize(),
		logger:  options.GetLogger(),
		instr:   options.GetInstrumenter(),
		pages:   make(map[int64][]byte),
		hot:     make(map[int64]uint64),
	}
}

// Size returns the object length
func (r *Reader) Size() int64 { return r.size }

// ETag returns the fingerprint the reader is pinned to
func (r *Reader) ETag() string { return r.etag }

// Read reads from the current position and advances it
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	n, err := r.readAt(p, r.pos)
	r.pos += int64(n)
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes at off without touching the cursor
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, datastorex.ErrInvalidSeek
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	return r.readAt(p, off)
}

func (r *Reader) readAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= r.size {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && off < r.size {
		idx := off / r.cfg.PageSize
		page, err := r.page(idx)
		if err != nil {
			return n, err
		}

		c := copy(p[n:], page[off-idx*r.cfg.PageSize:])
		n += c
		off += int64(c)
	}
	r.stats.TotalRead += int64(n)

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// page returns the cached page, fetching it if needed. The cache is only
// mutated after a successful fetch.
func (r *Reader) page(idx int64) ([]byte, error) {
	if data, ok := r.pages[idx]; ok {
		r.hot[idx]++
		r.instr.RecordPageCacheEvent(EventHit)
		return data, nil
	}

	offset := idx * r.cfg.PageSize
	length := min(r.cfg.PageSize, r.size-offset)

	r.instr.RecordPageCacheEvent(EventMiss)
	r.stats.Fetches++
	data, err := r.fetcher.FetchRange(r.ctx, offset, length, r.etag)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", idx, err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("%w: page %d returned %d of %d bytes",
			datastorex.ErrObjectModified, idx, len(data), length)
	}
	r.stats.TotalLoaded += length

	if len(r.pages) >= r.cfg.MaxPages {
		r.evict()
	}
	r.pages[idx] = data
	r.hot[idx]++
	return data, nil
}

// evict drops the cached page with the fewest accesses, lowest index first.
// Access counts outlive eviction so a page that was hot stays favoured.
func (r *Reader) evict() {
	victim := int64(-1)
	var count uint64
	for idx := range r.pages {
		c := r.hot[idx]
		if victim < 0 || c < count || (c == count && idx < victim) {
			victim, count = idx, c
		}
	}
	if victim < 0 {
		return
	}

	delete(r.pages, victim)
	r.stats.Evictions++
	r.instr.RecordPageCacheEvent(EventEviction)
	r.logger.Debug("Evicted cache page", "page", victim, "accesses", count)
}

// Seek sets the cursor. The result must lie within [0, Size()].
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.pos + offset
	case io.SeekEnd:
		next = r.size + offset
	default:
		return r.pos, fmt.Errorf("%w: whence %d", datastorex.ErrInvalidSeek, whence)
	}

	if next < 0 || next > r.size {
		return r.pos, fmt.Errorf("%w: %d outside [0, %d]", datastorex.ErrInvalidSeek, next, r.size)
	}
	r.pos = next
	return next, nil
}

// Write always fails; the reader is read-only
func (r *Reader) Write([]byte) (int, error) {
	return 0, datastorex.ErrUnsupported
}

// Truncate always fails; the reader is read-only
func (r *Reader) Truncate(int64) error {
	return datastorex.ErrUnsupported
}

// Stats returns a snapshot of the cache counters
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.CachedPages = len(r.pages)
	return s
}

// Close releases cached pages
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.pages = nil
	r.hot = nil
	return nil
}

var _ datastorex.SeekableReader = (*Reader)(nil)
