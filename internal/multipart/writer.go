// Package multipart turns a sequential byte stream into a multipart upload.
//
// Bytes written to a Writer accumulate in a part buffer. Full parts are
// uploaded in the background with bounded concurrency while the caller
// keeps writing, and Close finalizes the upload listing parts in part
// number order. A Writer never finalizes after a failure.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gostratum/datastorex"
)

// abortTimeout bounds the cleanup call issued after a failure or cancellation
const abortTimeout = 30 * time.Second

// ErrClosed is returned by calls on a closed or aborted writer
var ErrClosed = errors.New("multipart: writer closed")

// Part identifies an uploaded part
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// Backend is the remote multipart protocol the writer drives
type Backend interface {
	// Create opens an upload and returns its id
	Create(ctx context.Context) (uploadID string, err error)

	// UploadPart uploads one part. Calls may run concurrently.
	UploadPart(ctx context.Context, uploadID string, partNumber int32, data []byte) (etag string, err error)

	// Complete assembles the parts, which are sorted by number
	Complete(ctx context.Context, uploadID string, parts []Part) error

	// Abort discards the upload and any uploaded parts
	Abort(ctx context.Context, uploadID string) error
}

// Writer is an io.WriteCloser over a Backend. Write, Flush and Close must
// not be called concurrently; part uploads run on their own goroutines.
type Writer struct {
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	backend Backend
	cfg     Config
	logger  datastorex.Logger
	instr   *datastorex.Instrumenter
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	buf       []byte
	target    int64
	submitted int32
	written   int64
	uploadID  string
	started   bool
	final     bool
	closed    bool
	closeErr  error

	mu    sync.Mutex
	parts []Part
	err   error
}

// NewWriter creates a writer. No remote call happens until the first part
// is ready, so a writer that never receives bytes never opens an upload.
func NewWriter(ctx context.Context, backend Backend, cfg Config, opts ...datastorex.Option) *Writer {
	cfg = cfg.Sanitize()
	options := datastorex.ApplyOptions(opts...)
	inner, cancel := context.WithCancel(ctx)

	return &Writer{
		parent:  ctx,
		ctx:     inner,
		cancel:  cancel,
		backend: backend,
		cfg:     cfg,
		logger:  options.GetLogger(),
		instr:   options.GetInstrumenter(),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		target:  cfg.MinPartSize,
	}
}

// SetExpectedSize raises the initial part size so that an object of n bytes
// fits within MaxPartCount parts. It only has an effect before the first write.
func (w *Writer) SetExpectedSize(n int64) {
	if w.submitted > 0 || len(w.buf) > 0 || n <= 0 {
		return
	}
	count := int64(w.cfg.MaxPartCount)
	size := (n + count - 1) / count
	w.target = clamp(size, w.cfg.MinPartSize, w.cfg.MaxPartSize)
}

// Write appends p to the current part, dispatching parts as they fill
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed || w.final {
		return 0, ErrClosed
	}
	if err := w.failure(); err != nil {
		return 0, err
	}

	n := 0
	for len(p) > 0 {
		room := w.target - int64(len(w.buf))
		take := int64(len(p))
		if take > room {
			take = room
		}

		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		n += int(take)
		w.written += take

		if int64(len(w.buf)) >= w.target {
			if err := w.dispatch(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush uploads the buffered bytes. A non-final flush below MinPartSize is
// a no-op so that no undersized part is uploaded before the last one.
// After a final flush the writer accepts no more bytes.
func (w *Writer) Flush(final bool) error {
	if w.closed {
		return ErrClosed
	}
	if final {
		w.final = true
	}
	return w.flush(final)
}

func (w *Writer) flush(final bool) error {
	if err := w.failure(); err != nil {
		return err
	}
	if !final && int64(len(w.buf)) < w.cfg.MinPartSize {
		return nil
	}
	if len(w.buf) == 0 {
		return nil
	}
	return w.dispatch()
}

// Close uploads the final part, waits for every in-flight upload and
// completes the upload. On any failure the upload is aborted instead.
func (w *Writer) Close() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	defer w.cancel()

	err := w.flush(true)
	w.wg.Wait()

	if ctxErr := w.parent.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", datastorex.ErrAborted, ctxErr)
	} else if err == nil {
		err = w.failure()
	}

	if !w.started {
		w.closeErr = err
		return err
	}

	if err != nil {
		w.abort()
		w.closeErr = err
		return err
	}

	parts := w.sortedParts()
	if len(parts) != int(w.submitted) {
		err = fmt.Errorf("multipart: %d parts submitted but %d recorded", w.submitted, len(parts))
		w.abort()
		w.closeErr = err
		return err
	}

	if err := w.backend.Complete(w.ctx, w.uploadID, parts); err != nil {
		w.logger.Error("Failed to complete multipart upload",
			"upload_id", w.uploadID,
			"parts", len(parts),
			"error", err)
		w.abort()
		w.closeErr = err
		return err
	}

	w.instr.RecordMultipartParts(len(parts))
	w.logger.Debug("Multipart upload completed",
		"upload_id", w.uploadID,
		"parts", len(parts),
		"size", w.written)

	return nil
}

// Abort stops the writer and discards the remote upload if one was opened
func (w *Writer) Abort() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	w.closeErr = fmt.Errorf("%w: multipart upload aborted", datastorex.ErrAborted)

	w.cancel()
	w.wg.Wait()
	if w.started {
		return w.abort()
	}
	return nil
}

// Written returns the number of bytes accepted by Write
func (w *Writer) Written() int64 { return w.written }

// PartCount returns the number of parts handed off for upload
func (w *Writer) PartCount() int { return int(w.submitted) }

// UploadID returns the remote upload id, empty until the first part
func (w *Writer) UploadID() string { return w.uploadID }

func (w *Writer) dispatch() error {
	data := w.buf
	w.buf = nil

	if int(w.submitted) >= w.cfg.MaxPartCount {
		return w.setErr(fmt.Errorf("%w: more than %d parts required", datastorex.ErrTooLarge, w.cfg.MaxPartCount))
	}

	if !w.started {
		id, err := w.backend.Create(w.ctx)
		if err != nil {
			return w.setErr(err)
		}
		w.uploadID = id
		w.started = true
		w.logger.Debug("Multipart upload created", "upload_id", id)
	}

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return w.setErr(fmt.Errorf("%w: %w", datastorex.ErrAborted, err))
	}

	w.submitted++
	number := w.submitted
	w.target = NextPartSize(w.cfg, w.target, int(w.submitted))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)

		etag, err := w.backend.UploadPart(w.ctx, w.uploadID, number, data)
		if err != nil {
			w.logger.Error("Part upload failed",
				"upload_id", w.uploadID,
				"part_number", number,
				"error", err)
			w.setErr(fmt.Errorf("part %d: %w", number, err))
			return
		}

		w.mu.Lock()
		w.parts = append(w.parts, Part{Number: number, ETag: etag, Size: int64(len(data))})
		w.mu.Unlock()
	}()

	return w.failure()
}

func (w *Writer) abort() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.parent), abortTimeout)
	defer cancel()

	if err := w.backend.Abort(ctx, w.uploadID); err != nil {
		w.logger.Warn("Failed to abort multipart upload",
			"upload_id", w.uploadID,
			"error", err)
		return err
	}
	w.logger.Debug("Multipart upload aborted", "upload_id", w.uploadID)
	return nil
}

// setErr records the first failure, cancels outstanding uploads and
// returns the recorded failure
func (w *Writer) setErr(err error) error {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	first := w.err
	w.mu.Unlock()
	w.cancel()
	return first
}

func (w *Writer) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) sortedParts() []Part {
	w.mu.Lock()
	parts := make([]Part, len(w.parts))
	copy(parts, w.parts)
	w.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}
