// Package orchestrator routes object operations to the provider that owns
// each path and runs the multi-step protocols that span providers:
// chunked upload sessions, cross-provider copy and move, and paged reads.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/session"
)

type sessionState int

const (
	stateStarted sessionState = iota
	stateWriting
	stateEnded
	stateCancelled
)

func (s sessionState) String() string {
	switch s {
	case stateStarted:
		return "started"
	case stateWriting:
		return "writing"
	case stateEnded:
		return "ended"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// chunkSession binds an upload id to the provider that issued it.
// WriteChunk holds the read lock while forwarding; End and Cancel take
// the write lock, so a terminal transition never overlaps a chunk upload.
type chunkSession struct {
	id       string
	path     string
	provider datastorex.Provider

	mu     sync.RWMutex
	state  sessionState
	chunks atomic.Int64
}

func (s *chunkSession) terminal() bool {
	return s.state == stateEnded || s.state == stateCancelled
}

// Orchestrator is the single entry point for object operations across
// every registered provider. It is safe for concurrent use.
type Orchestrator struct {
	registry *Registry
	cfg      *datastorex.Config
	opts     []datastorex.Option
	logger   datastorex.Logger
	instr    *datastorex.Instrumenter
	sessions *session.Store[*chunkSession]
}

// New creates an orchestrator over registry. A nil cfg uses defaults.
func New(registry *Registry, cfg *datastorex.Config, opts ...datastorex.Option) *Orchestrator {
	if cfg == nil {
		cfg = datastorex.DefaultConfig()
	}
	options := datastorex.ApplyOptions(opts...)

	return &Orchestrator{
		registry: registry,
		cfg:      cfg.Sanitize(),
		opts:     opts,
		logger:   options.GetLogger(),
		instr:    options.GetInstrumenter(),
		sessions: session.NewStore[*chunkSession](),
	}
}

// Registry returns the provider registry
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Config returns the effective configuration
func (o *Orchestrator) Config() *datastorex.Config { return o.cfg }

// ActiveSessions returns the number of open chunked upload sessions
func (o *Orchestrator) ActiveSessions() int { return o.sessions.Len() }

// Exists reports whether the object at path is present
func (o *Orchestrator) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := o.instr.TraceOperation(ctx, "exists", path, func(ctx context.Context) error {
		p, err := o.registry.ResolveByPath(ctx, path)
		if err != nil {
			return err
		}
		exists, err = p.Exists(ctx, path)
		return err
	})
	return exists, err
}

// Read opens the object at path for streaming. The caller closes the reader.
func (o *Orchestrator) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := o.instr.TraceOperation(ctx, "read", path, func(ctx context.Context) error {
		p, err := o.registry.ResolveByPath(ctx, path)
		if err != nil {
			return err
		}
		rc, err = p.Read(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, onClose: func(n int64) {
		o.instr.RecordOperationSize("read", n)
	}}, nil
}

// Write stores the contents of r at path
func (o *Orchestrator) Write(ctx context.Context, path string, r io.Reader) error {
	return o.instr.TraceOperation(ctx, "write", path, func(ctx context.Context) error {
		p, err := o.registry.ResolveByPath(ctx, path)
		if err != nil {
			return err
		}

		cr := &countingReader{Reader: r}
		if err := p.Write(ctx, path, cr); err != nil {
			return err
		}
		o.instr.RecordOperationSize("write", cr.n)
		return nil
	})
}

// GetMetadata returns the metadata of the object at path
func (o *Orchestrator) GetMetadata(ctx context.Context, path string) (*datastorex.ObjectMetadata, error) {
	var md *datastorex.ObjectMetadata
	err := o.instr.TraceOperation(ctx, "get_metadata", path, func(ctx context.Context) error {
		p, err := o.registry.ResolveByPath(ctx, path)
		if err != nil {
			return err
		}
		md, err = p.GetMetadata(ctx, path)
		return err
	})
	return md, err
}

// Delete removes the object at path, or one version when versionID is set
func (o *Orchestrator) Delete(ctx context.Context, path, versionID string) error {
	return o.instr.TraceOperation(ctx, "delete", path, func(ctx context.Context) error {
		p, err := o.registry.ResolveByPath(ctx, path)
		if err != nil {
			return err
		}
		return p.Delete(ctx, path, versionID)
	})
}

// StartChunkedWrite opens an upload session at the provider owning path
func (o *Orchestrator) StartChunkedWrite(ctx context.Context, path string) (string, error) {
	var uploadID string
	err := o.instr.TraceOperation(ctx, "start_chunked_write", path, func(ctx context.Context) error {
		p, err := o.registry.ResolveByPath(ctx, path)
		if err != nil {
			return err
		}

		id, err := p.StartChunkedWrite(ctx, path)
		if err != nil {
			return err
		}

		s := &chunkSession{id: id, path: path, provider: p, state: stateStarted}
		if err := o.sessions.Insert(id, s); err != nil {
			// a live session owns this id; release the upload we just opened
			if cerr := p.CancelChunkedWrite(ctx, id); cerr != nil {
				o.logger.Warn("Failed to cancel colliding upload", "upload_id", id, "error", cerr)
			}
			return datastorex.NewError("start_chunked_write", path,
				fmt.Errorf("%w: upload id %q already active", datastorex.ErrChunkedUploadInvalid, id))
		}

		o.instr.SessionOpened()
		o.logger.Debug("Chunked upload started", "upload_id", id, "path", path, "provider", p.Type())
		uploadID = id
		return nil
	})
	return uploadID, err
}

// WriteChunk forwards one chunk to the provider that issued uploadID
func (o *Orchestrator) WriteChunk(ctx context.Context, uploadID string, r io.Reader) (string, error) {
	var chunkID string
	err := o.instr.TraceOperation(ctx, "write_chunk", uploadID, func(ctx context.Context) error {
		s, err := o.lookup("write_chunk", uploadID)
		if err != nil {
			return err
		}

		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.terminal() {
			return invalidSession("write_chunk", uploadID, s.state)
		}

		cr := &countingReader{Reader: r}
		chunkID, err = s.provider.WriteChunk(ctx, uploadID, cr)
		if err != nil {
			return err
		}
		s.chunks.Add(1)
		o.instr.RecordOperationSize("write_chunk", cr.n)
		return nil
	})
	return chunkID, err
}

// EndChunkedWrite completes the upload. The session is removed only when the
// provider accepts the chunks; after a failure the caller may retry or cancel.
func (o *Orchestrator) EndChunkedWrite(ctx context.Context, uploadID string, chunks []datastorex.ChunkDetail) error {
	return o.instr.TraceOperation(ctx, "end_chunked_write", uploadID, func(ctx context.Context) error {
		s, err := o.lookup("end_chunked_write", uploadID)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.terminal() {
			return invalidSession("end_chunked_write", uploadID, s.state)
		}

		if err := s.provider.EndChunkedWrite(ctx, uploadID, chunks); err != nil {
			o.logger.Warn("Chunked upload completion failed",
				"upload_id", uploadID,
				"chunks", len(chunks),
				"error", err)
			return err
		}

		s.state = stateEnded
		o.release(s)
		o.logger.Debug("Chunked upload ended",
			"upload_id", uploadID,
			"path", s.path,
			"chunks_written", s.chunks.Load())
		return nil
	})
}

// CancelChunkedWrite discards the upload at its provider and closes the session.
// A failed provider cancel leaves the session open for another attempt.
func (o *Orchestrator) CancelChunkedWrite(ctx context.Context, uploadID string) error {
	return o.instr.TraceOperation(ctx, "cancel_chunked_write", uploadID, func(ctx context.Context) error {
		s, err := o.lookup("cancel_chunked_write", uploadID)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.terminal() {
			return invalidSession("cancel_chunked_write", uploadID, s.state)
		}

		if err := s.provider.CancelChunkedWrite(ctx, uploadID); err != nil {
			return err
		}

		s.state = stateCancelled
		o.release(s)
		o.logger.Debug("Chunked upload cancelled", "upload_id", uploadID, "path", s.path)
		return nil
	})
}

func (o *Orchestrator) lookup(op, uploadID string) (*chunkSession, error) {
	s, ok := o.sessions.Get(uploadID)
	if !ok {
		return nil, datastorex.NewError(op, uploadID,
			fmt.Errorf("%w: no provider for upload id", datastorex.ErrChunkedUploadInvalid))
	}
	return s, nil
}

// release drops s from the table; callers hold s.mu
func (o *Orchestrator) release(s *chunkSession) {
	if o.sessions.RemoveIf(s.id, func(cur *chunkSession) bool { return cur == s }) {
		o.instr.SessionClosed()
	}
}

func invalidSession(op, uploadID string, state sessionState) error {
	return datastorex.NewError(op, uploadID,
		fmt.Errorf("%w: session already %s", datastorex.ErrChunkedUploadInvalid, state))
}

// Close releases the registry's providers
func (o *Orchestrator) Close() error {
	if n := o.sessions.Len(); n > 0 {
		o.logger.Warn("Closing with open chunked uploads", "sessions", n)
	}
	return o.registry.Close()
}

type countingReader struct {
	io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	n       int64
	once    sync.Once
	onClose func(int64)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	c.once.Do(func() { c.onClose(c.n) })
	return c.ReadCloser.Close()
}
