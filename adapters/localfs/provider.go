// Package localfs stores objects as files on an afero filesystem.
//
// Object paths look like local://<identifier>/<key>. Writes are staged
// under a hidden uploads directory and renamed into place, so readers
// never observe a partially written object.
package localfs

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/spf13/afero"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/session"
)

// stagingDir holds in-progress writes and chunked uploads
const stagingDir = ".uploads"

// Provider implements datastorex.Provider over an afero filesystem
type Provider struct {
	fs      afero.Fs
	cfg     *Config
	logger  datastorex.Logger
	uploads *session.Store[*upload]
}

// upload is one open chunked write staged in its own directory
type upload struct {
	path   string
	key    string
	dir    string
	mu     sync.Mutex
	chunks map[string]map[string]string
}

var (
	_ datastorex.Provider    = (*Provider)(nil)
	_ datastorex.RangeReader = (*Provider)(nil)
	_ datastorex.Pinger      = (*Provider)(nil)
)

// NewProvider creates a provider rooted at cfg.Root on the OS filesystem
func NewProvider(cfg *Config, opts ...datastorex.Option) (*Provider, error) {
	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	osFs := afero.NewOsFs()
	if !cfg.RequireRoot {
		if err := osFs.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create root %q: %w", cfg.Root, err)
		}
	}
	if _, err := osFs.Stat(cfg.Root); err != nil {
		return nil, mapFsError(err, "open", cfg.Root)
	}

	return New(afero.NewBasePathFs(osFs, cfg.Root), cfg, opts...)
}

// New creates a provider over fsys, whose root holds the objects
func New(fsys afero.Fs, cfg *Config, opts ...datastorex.Option) (*Provider, error) {
	cfg = cfg.Sanitize()
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fsys.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, mapFsError(err, "open", stagingDir)
	}

	options := datastorex.ApplyOptions(opts...)
	return &Provider{
		fs:      fsys,
		cfg:     cfg,
		logger:  options.GetLogger(),
		uploads: session.NewStore[*upload](),
	}, nil
}

// Type returns the provider discriminator
func (p *Provider) Type() string { return ProviderType }

// CanAccessObject claims paths under the configured prefix
func (p *Provider) CanAccessObject(_ context.Context, objectPath string) (bool, error) {
	_, err := p.objectKey(objectPath)
	return err == nil, nil
}

// objectKey maps a path to a clean, relative file name
func (p *Provider) objectKey(objectPath string) (string, error) {
	rest, ok := strings.CutPrefix(objectPath, p.cfg.PathPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q is not under %s", datastorex.ErrInvalidPath, objectPath, p.cfg.PathPrefix)
	}
	key := path.Clean("/" + rest)[1:]
	if key == "" || key == stagingDir || strings.HasPrefix(key, stagingDir+"/") || strings.HasSuffix(rest, "/") {
		return "", fmt.Errorf("%w: %q", datastorex.ErrInvalidPath, objectPath)
	}
	return key, nil
}

// GetMetadata stats the file and sniffs its content type
func (p *Provider) GetMetadata(_ context.Context, objectPath string) (*datastorex.ObjectMetadata, error) {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return nil, datastorex.NewError("get_metadata", objectPath, err)
	}

	f, err := p.fs.Open(key)
	if err != nil {
		return nil, mapFsError(err, "get_metadata", objectPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, mapFsError(err, "get_metadata", objectPath)
	}
	if info.IsDir() {
		return nil, datastorex.NewError("get_metadata", objectPath, datastorex.ErrObjectNotFound)
	}

	mime := datastorex.DefaultMimeType
	if info.Size() > 0 {
		if m, err := mimetype.DetectReader(f); err == nil {
			mime = m.String()
		}
	}

	fp := fingerprint(info)
	version := datastorex.ObjectVersionMetadata{
		VersionID:   fp,
		CreatedDate: info.ModTime(),
		SortOrder:   info.ModTime().UnixNano(),
	}
	return datastorex.NewObjectMetadata(objectPath, mime, info.Size(), fp, []datastorex.ObjectVersionMetadata{version}), nil
}

// Exists reports whether a regular file is present at path
func (p *Provider) Exists(_ context.Context, objectPath string) (bool, error) {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return false, datastorex.NewError("exists", objectPath, err)
	}

	info, err := p.fs.Stat(key)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, mapFsError(err, "exists", objectPath)
	}
	return !info.IsDir(), nil
}

// Read opens the file for streaming
func (p *Provider) Read(_ context.Context, objectPath string) (io.ReadCloser, error) {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return nil, datastorex.NewError("read", objectPath, err)
	}

	f, err := p.fs.Open(key)
	if err != nil {
		return nil, mapFsError(err, "read", objectPath)
	}
	return f, nil
}

// ReadRange returns length bytes at offset. A non-empty ifMatch must equal
// the file's current fingerprint.
func (p *Provider) ReadRange(_ context.Context, objectPath string, offset, length int64, ifMatch string) (io.ReadCloser, error) {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return nil, datastorex.NewError("read_range", objectPath, err)
	}

	f, err := p.fs.Open(key)
	if err != nil {
		return nil, mapFsError(err, "read_range", objectPath)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, mapFsError(err, "read_range", objectPath)
	}
	if ifMatch != "" && fingerprint(info) != ifMatch {
		_ = f.Close()
		return nil, datastorex.NewError("read_range", objectPath, datastorex.ErrObjectModified)
	}
	if offset < 0 || length <= 0 || offset >= info.Size() {
		_ = f.Close()
		return nil, datastorex.NewError("read_range", objectPath, datastorex.ErrInvalidSeek)
	}

	return &sectionReader{
		Reader: io.NewSectionReader(f, offset, length),
		closer: f,
	}, nil
}

type sectionReader struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReader) Close() error { return s.closer.Close() }

// Write stages r in a temporary file and renames it into place
func (p *Provider) Write(ctx context.Context, objectPath string, r io.Reader) error {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return datastorex.NewError("write", objectPath, err)
	}

	tmp, err := p.stage(ctx, r)
	if err != nil {
		return datastorex.NewError("write", objectPath, err)
	}
	if err := p.commit(tmp, key); err != nil {
		return datastorex.NewError("write", objectPath, err)
	}

	p.logger.Debug("Object written", "path", objectPath)
	return nil
}

// stage copies r into a new file under the staging directory
func (p *Provider) stage(ctx context.Context, r io.Reader) (string, error) {
	tmp := path.Join(stagingDir, uuid.NewString())
	f, err := p.fs.Create(tmp)
	if err != nil {
		return "", mapFsError(err, "stage", tmp)
	}

	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = p.fs.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// commit moves a staged file to key, creating parent directories
func (p *Provider) commit(tmp, key string) error {
	if dir := path.Dir(key); dir != "." {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			_ = p.fs.Remove(tmp)
			return mapFsError(err, "commit", key)
		}
	}
	if err := p.fs.Rename(tmp, key); err != nil {
		_ = p.fs.Remove(tmp)
		return mapFsError(err, "commit", key)
	}
	return nil
}

// Delete removes the file. A non-empty versionID must match the current
// fingerprint, since only the latest version is kept.
func (p *Provider) Delete(_ context.Context, objectPath, versionID string) error {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return datastorex.NewError("delete", objectPath, err)
	}

	if versionID != "" {
		info, err := p.fs.Stat(key)
		if err != nil {
			return mapFsError(err, "delete", objectPath)
		}
		if fingerprint(info) != versionID {
			return datastorex.NewError("delete", objectPath,
				fmt.Errorf("%w: version %q", datastorex.ErrObjectNotFound, versionID))
		}
	}

	if err := p.fs.Remove(key); err != nil {
		return mapFsError(err, "delete", objectPath)
	}
	return nil
}

// Copy duplicates the file through the staging directory
func (p *Provider) Copy(ctx context.Context, srcPath, dstPath string) error {
	srcKey, err := p.objectKey(srcPath)
	if err != nil {
		return datastorex.NewError("copy", srcPath, err)
	}
	dstKey, err := p.objectKey(dstPath)
	if err != nil {
		return datastorex.NewError("copy", dstPath, err)
	}

	src, err := p.fs.Open(srcKey)
	if err != nil {
		return mapFsError(err, "copy", srcPath)
	}
	defer src.Close()

	tmp, err := p.stage(ctx, src)
	if err != nil {
		return datastorex.NewError("copy", srcPath, err)
	}
	if err := p.commit(tmp, dstKey); err != nil {
		return datastorex.NewError("copy", dstPath, err)
	}
	return nil
}

// Move renames the file
func (p *Provider) Move(_ context.Context, srcPath, dstPath string) error {
	srcKey, err := p.objectKey(srcPath)
	if err != nil {
		return datastorex.NewError("move", srcPath, err)
	}
	dstKey, err := p.objectKey(dstPath)
	if err != nil {
		return datastorex.NewError("move", dstPath, err)
	}

	if _, err := p.fs.Stat(srcKey); err != nil {
		return mapFsError(err, "move", srcPath)
	}
	if dir := path.Dir(dstKey); dir != "." {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return mapFsError(err, "move", dstPath)
		}
	}
	if err := p.fs.Rename(srcKey, dstKey); err != nil {
		return mapFsError(err, "move", srcPath)
	}
	return nil
}

// StartChunkedWrite creates a staging directory for the upload
func (p *Provider) StartChunkedWrite(_ context.Context, objectPath string) (string, error) {
	key, err := p.objectKey(objectPath)
	if err != nil {
		return "", datastorex.NewError("start_chunked_write", objectPath, err)
	}

	id := uuid.NewString()
	dir := path.Join(stagingDir, id)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return "", mapFsError(err, "start_chunked_write", objectPath)
	}

	u := &upload{path: objectPath, key: key, dir: dir, chunks: make(map[string]map[string]string)}
	if err := p.uploads.Insert(id, u); err != nil {
		return "", datastorex.NewError("start_chunked_write", objectPath,
			fmt.Errorf("%w: upload id %q already open", datastorex.ErrConflict, id))
	}
	return id, nil
}

// WriteChunk stores one chunk and records its digests
func (p *Provider) WriteChunk(ctx context.Context, uploadID string, r io.Reader) (string, error) {
	u, ok := p.uploads.Get(uploadID)
	if !ok {
		return "", datastorex.NewError("write_chunk", uploadID, datastorex.ErrChunkedUploadInvalid)
	}

	digests, err := datastorex.NewDigestSet()
	if err != nil {
		return "", datastorex.NewError("write_chunk", uploadID, err)
	}

	chunkID := uuid.NewString()
	name := path.Join(u.dir, chunkID)
	f, err := p.fs.Create(name)
	if err != nil {
		return "", mapFsError(err, "write_chunk", uploadID)
	}
	_, err = io.Copy(io.MultiWriter(f, digests), &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = p.fs.Remove(name)
		return "", datastorex.NewError("write_chunk", uploadID, err)
	}

	u.mu.Lock()
	u.chunks[chunkID] = digests.Sums()
	u.mu.Unlock()

	return chunkID, nil
}

// EndChunkedWrite verifies the listed chunks and concatenates them in the
// listed order. Any failure leaves the upload open.
func (p *Provider) EndChunkedWrite(ctx context.Context, uploadID string, chunks []datastorex.ChunkDetail) error {
	u, ok := p.uploads.Get(uploadID)
	if !ok {
		return datastorex.NewError("end_chunked_write", uploadID, datastorex.ErrChunkedUploadInvalid)
	}

	u.mu.Lock()
	for _, c := range chunks {
		recorded, ok := u.chunks[c.ID]
		if !ok {
			u.mu.Unlock()
			return datastorex.NewError("end_chunked_write", uploadID,
				fmt.Errorf("%w: unknown chunk %q", datastorex.ErrIntegrity, c.ID))
		}
		if err := datastorex.VerifyChunk(c, recorded); err != nil {
			u.mu.Unlock()
			return datastorex.NewError("end_chunked_write", uploadID, err)
		}
	}
	u.mu.Unlock()

	parts := make([]io.Reader, 0, len(chunks))
	var files []afero.File
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, c := range chunks {
		f, err := p.fs.Open(path.Join(u.dir, c.ID))
		if err != nil {
			return mapFsError(err, "end_chunked_write", uploadID)
		}
		files = append(files, f)
		parts = append(parts, f)
	}

	tmp, err := p.stage(ctx, io.MultiReader(parts...))
	if err != nil {
		return datastorex.NewError("end_chunked_write", uploadID, err)
	}
	if err := p.commit(tmp, u.key); err != nil {
		return datastorex.NewError("end_chunked_write", uploadID, err)
	}

	p.uploads.Remove(uploadID)
	if err := p.fs.RemoveAll(u.dir); err != nil {
		p.logger.Warn("Failed to remove upload staging directory", "upload_id", uploadID, "error", err)
	}
	p.logger.Debug("Chunked write completed", "path", u.path, "upload_id", uploadID, "chunks", len(chunks))
	return nil
}

// CancelChunkedWrite discards the staged chunks
func (p *Provider) CancelChunkedWrite(_ context.Context, uploadID string) error {
	u, ok := p.uploads.Get(uploadID)
	if !ok {
		return datastorex.NewError("cancel_chunked_write", uploadID, datastorex.ErrChunkedUploadInvalid)
	}
	if err := p.fs.RemoveAll(u.dir); err != nil {
		return mapFsError(err, "cancel_chunked_write", uploadID)
	}
	p.uploads.Remove(uploadID)
	return nil
}

// OpenUploads returns the number of chunked writes not yet ended or cancelled
func (p *Provider) OpenUploads() int { return p.uploads.Len() }

// Ping checks that the root is still reachable
func (p *Provider) Ping(_ context.Context) error {
	if _, err := p.fs.Stat(stagingDir); err != nil {
		return datastorex.NewError("ping", p.cfg.Root, fmt.Errorf("%w: %w", datastorex.ErrTransient, err))
	}
	return nil
}

// Close discards uploads left open
func (p *Provider) Close() error {
	var errs []error
	for _, id := range p.uploads.Keys() {
		u, ok := p.uploads.Get(id)
		if !ok {
			continue
		}
		if err := p.fs.RemoveAll(u.dir); err != nil {
			errs = append(errs, mapFsError(err, "close", id))
			continue
		}
		p.uploads.Remove(id)
		p.logger.Warn("Discarded chunked write left open at close", "path", u.path, "upload_id", id)
	}
	return errors.Join(errs...)
}

// fingerprint identifies a file version by size and modification time
func fingerprint(info os.FileInfo) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(info.Size()))
	binary.BigEndian.PutUint64(buf[8:], uint64(info.ModTime().UnixNano()))
	h1, h2 := murmur3.Sum128(buf[:])

	var sum [16]byte
	binary.BigEndian.PutUint64(sum[:8], h1)
	binary.BigEndian.PutUint64(sum[8:], h2)
	return hex.EncodeToString(sum[:])
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", datastorex.ErrAborted, err)
	}
	return c.r.Read(p)
}

// mapFsError converts filesystem errors to datastorex domain errors
func mapFsError(err error, op, objectPath string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = fmt.Errorf("%w: %w", datastorex.ErrObjectNotFound, err)
	case errors.Is(err, fs.ErrExist):
		err = fmt.Errorf("%w: %w", datastorex.ErrConflict, err)
	case errors.Is(err, fs.ErrPermission):
		err = fmt.Errorf("%w: %w", datastorex.ErrInvalidConfig, err)
	}
	return datastorex.NewError(op, objectPath, err)
}

// staleAfter is how old a staged file must be before Sweep removes it
const staleAfter = 24 * time.Hour

// Sweep removes staged files and upload directories older than a day that
// no open upload owns, returning how many entries were removed.
func (p *Provider) Sweep(now time.Time) (int, error) {
	entries, err := afero.ReadDir(p.fs, stagingDir)
	if err != nil {
		return 0, mapFsError(err, "sweep", stagingDir)
	}

	removed := 0
	for _, e := range entries {
		if _, open := p.uploads.Get(e.Name()); open {
			continue
		}
		if now.Sub(e.ModTime()) < staleAfter {
			continue
		}
		if err := p.fs.RemoveAll(path.Join(stagingDir, e.Name())); err != nil {
			return removed, mapFsError(err, "sweep", e.Name())
		}
		removed++
	}
	return removed, nil
}
