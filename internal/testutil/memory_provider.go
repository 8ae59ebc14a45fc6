package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gostratum/datastorex"
)

// MemoryProvider is a thread-safe in-memory datastorex.Provider for tests.
// It claims every path that starts with its prefix and keeps every written
// version of an object. The exported hook fields inject failures; set them
// before the provider is shared between goroutines.
type MemoryProvider struct {
	typ    string
	prefix string

	// ProbeErr makes CanAccessObject fail with this error
	ProbeErr error
	// ProbePanic makes CanAccessObject panic
	ProbePanic bool
	// FailChunk makes the n-th WriteChunk call (1-based) fail
	FailChunk int
	// PingErr is returned by Ping
	PingErr error
	// NextUploadID, when set, is used for the next StartChunkedWrite
	NextUploadID string

	mu       sync.RWMutex
	objects  map[string]*memObject
	uploads  map[string]*memUpload
	sequence int64
	now      func() time.Time

	// counters
	probes       int
	chunkCalls   int
	rangeFetches int
	reads        int
	cancels      int
	closes       int
}

type memObject struct {
	versions []memVersion
}

type memVersion struct {
	id      string
	data    []byte
	etag    string
	created time.Time
	order   int64
}

type memUpload struct {
	path   string
	chunks map[string]memChunk
}

type memChunk struct {
	data   []byte
	hashes map[string]string
}

// NewMemoryProvider creates a provider of type typ that owns paths with the given prefix
func NewMemoryProvider(typ, prefix string) *MemoryProvider {
	return &MemoryProvider{
		typ:     typ,
		prefix:  prefix,
		objects: make(map[string]*memObject),
		uploads: make(map[string]*memUpload),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Descriptor returns a descriptor whose factory hands out this instance.
// calls, when non-nil, is incremented on every factory call.
func (m *MemoryProvider) Descriptor(identifier string, calls *int) datastorex.ProviderDescriptor {
	var mu sync.Mutex
	return datastorex.ProviderDescriptor{
		Identifier: identifier,
		Type:       m.typ,
		Factory: func(ctx context.Context, _ any) (datastorex.Provider, error) {
			if calls != nil {
				mu.Lock()
				*calls++
				mu.Unlock()
			}
			return m, nil
		},
	}
}

func (m *MemoryProvider) Type() string { return m.typ }

func (m *MemoryProvider) CanAccessObject(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	m.probes++
	m.mu.Unlock()

	if m.ProbePanic {
		panic("memory provider probe panic")
	}
	if m.ProbeErr != nil {
		return false, m.ProbeErr
	}
	return strings.HasPrefix(path, m.prefix), nil
}

func (m *MemoryProvider) GetMetadata(ctx context.Context, path string) (*datastorex.ObjectMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, datastorex.NewError("get_metadata", path, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[path]
	if !ok {
		return nil, datastorex.NewError("get_metadata", path, datastorex.ErrObjectNotFound)
	}

	versions := make([]datastorex.ObjectVersionMetadata, 0, len(obj.versions))
	for _, v := range obj.versions {
		versions = append(versions, datastorex.ObjectVersionMetadata{
			VersionID:   v.id,
			CreatedDate: v.created,
			SortOrder:   v.order,
			Hashes:      map[string]string{datastorex.HashMD5: v.etag},
		})
	}
	latest := obj.latest()
	return datastorex.NewObjectMetadata(path, "", int64(len(latest.data)), latest.etag, versions), nil
}

func (m *MemoryProvider) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, datastorex.NewError("exists", path, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryProvider) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, datastorex.NewError("read", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	obj, ok := m.objects[path]
	if !ok {
		return nil, datastorex.NewError("read", path, datastorex.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.latest().data)), nil
}

// ReadRange serves a byte range of the latest version
func (m *MemoryProvider) ReadRange(ctx context.Context, path string, offset, length int64, ifMatch string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, datastorex.NewError("read_range", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeFetches++

	obj, ok := m.objects[path]
	if !ok {
		return nil, datastorex.NewError("read_range", path, datastorex.ErrObjectNotFound)
	}
	latest := obj.latest()
	if ifMatch != "" && ifMatch != latest.etag {
		return nil, datastorex.NewError("read_range", path, datastorex.ErrObjectModified)
	}

	size := int64(len(latest.data))
	if offset < 0 || offset > size {
		return nil, datastorex.NewError("read_range", path, datastorex.ErrInvalidSeek)
	}
	end := min(offset+length, size)
	return io.NopCloser(bytes.NewReader(latest.data[offset:end])), nil
}

func (m *MemoryProvider) Write(ctx context.Context, path string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return datastorex.NewError("write", path, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return datastorex.NewError("write", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(path, data)
	return nil
}

// store appends a new version; callers hold the write lock
func (m *MemoryProvider) store(path string, data []byte) {
	m.sequence++
	sum := md5.Sum(data)
	v := memVersion{
		id:      uuid.NewString(),
		data:    data,
		etag:    hex.EncodeToString(sum[:]),
		created: m.now(),
		order:   m.sequence,
	}

	obj, ok := m.objects[path]
	if !ok {
		obj = &memObject{}
		m.objects[path] = obj
	}
	obj.versions = append(obj.versions, v)
}

func (m *MemoryProvider) Delete(ctx context.Context, path, versionID string) error {
	if err := ctx.Err(); err != nil {
		return datastorex.NewError("delete", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[path]
	if !ok {
		return datastorex.NewError("delete", path, datastorex.ErrObjectNotFound)
	}
	if versionID == "" {
		delete(m.objects, path)
		return nil
	}

	for i, v := range obj.versions {
		if v.id == versionID {
			obj.versions = append(obj.versions[:i], obj.versions[i+1:]...)
			if len(obj.versions) == 0 {
				delete(m.objects, path)
			}
			return nil
		}
	}
	return datastorex.NewError("delete", path, fmt.Errorf("%w: version %s", datastorex.ErrObjectNotFound, versionID))
}

func (m *MemoryProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return datastorex.NewError("copy", srcPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[srcPath]
	if !ok {
		return datastorex.NewError("copy", srcPath, datastorex.ErrObjectNotFound)
	}
	m.store(dstPath, append([]byte(nil), obj.latest().data...))
	return nil
}

func (m *MemoryProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := m.Copy(ctx, srcPath, dstPath); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, srcPath)
	return nil
}

func (m *MemoryProvider) StartChunkedWrite(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", datastorex.NewError("start_chunked_write", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.NextUploadID
	if id == "" {
		id = uuid.NewString()
	}
	m.uploads[id] = &memUpload{path: path, chunks: make(map[string]memChunk)}
	return id, nil
}

func (m *MemoryProvider) WriteChunk(ctx context.Context, uploadID string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", datastorex.NewError("write_chunk", uploadID, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", datastorex.NewError("write_chunk", uploadID, err)
	}
	hashes, err := datastorex.Digests(data)
	if err != nil {
		return "", datastorex.NewError("write_chunk", uploadID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunkCalls++
	if m.FailChunk > 0 && m.chunkCalls == m.FailChunk {
		return "", datastorex.NewError("write_chunk", uploadID, datastorex.ErrTransient)
	}

	upload, ok := m.uploads[uploadID]
	if !ok {
		return "", datastorex.NewError("write_chunk", uploadID, datastorex.ErrChunkedUploadInvalid)
	}
	id := uuid.NewString()
	upload.chunks[id] = memChunk{data: data, hashes: hashes}
	return id, nil
}

func (m *MemoryProvider) EndChunkedWrite(ctx context.Context, uploadID string, chunks []datastorex.ChunkDetail) error {
	if err := ctx.Err(); err != nil {
		return datastorex.NewError("end_chunked_write", uploadID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.uploads[uploadID]
	if !ok {
		return datastorex.NewError("end_chunked_write", uploadID, datastorex.ErrChunkedUploadInvalid)
	}

	var buf bytes.Buffer
	for _, c := range chunks {
		stored, ok := upload.chunks[c.ID]
		if !ok {
			return datastorex.NewError("end_chunked_write", uploadID,
				fmt.Errorf("%w: unknown chunk %q", datastorex.ErrIntegrity, c.ID))
		}
		if err := datastorex.VerifyChunk(c, stored.hashes); err != nil {
			return datastorex.NewError("end_chunked_write", uploadID, err)
		}
		buf.Write(stored.data)
	}

	m.store(upload.path, buf.Bytes())
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryProvider) CancelChunkedWrite(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancels++
	if _, ok := m.uploads[uploadID]; !ok {
		return datastorex.NewError("cancel_chunked_write", uploadID, datastorex.ErrChunkedUploadInvalid)
	}
	delete(m.uploads, uploadID)
	return nil
}

// Ping returns PingErr
func (m *MemoryProvider) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close counts shutdown calls
func (m *MemoryProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// Put stores data directly, bypassing context checks
func (m *MemoryProvider) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(path, append([]byte(nil), data...))
}

// Object returns the latest contents stored at path
func (m *MemoryProvider) Object(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.latest().data...), true
}

// OpenUploads returns the number of chunked uploads not yet ended or cancelled
func (m *MemoryProvider) OpenUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

// Counters returns probe, range fetch, read, cancel and close counts
func (m *MemoryProvider) Counters() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Counters{
		Probes:       m.probes,
		RangeFetches: m.rangeFetches,
		Reads:        m.reads,
		Cancels:      m.cancels,
		Closes:       m.closes,
	}
}

// Counters is a snapshot of MemoryProvider call counts
type Counters struct {
	Probes       int
	RangeFetches int
	Reads        int
	Cancels      int
	Closes       int
}

func (o *memObject) latest() memVersion {
	return o.versions[len(o.versions)-1]
}

var (
	_ datastorex.Provider    = (*MemoryProvider)(nil)
	_ datastorex.RangeReader = (*MemoryProvider)(nil)
	_ datastorex.Pinger      = (*MemoryProvider)(nil)
	_ io.Closer              = (*MemoryProvider)(nil)
)
