package orchestrator

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/multipart"
)

// Copy duplicates src at dst. Within one provider the provider's own copy
// is used; across providers the object is streamed, switching to a chunked
// upload at the destination once it exceeds SingleRequestLimit.
func (o *Orchestrator) Copy(ctx context.Context, srcPath, dstPath string) error {
	return o.instr.TraceOperation(ctx, "copy", srcPath, func(ctx context.Context) error {
		o.instr.AddSpanAttribute(ctx, "datastore.destination", dstPath)
		return o.copy(ctx, srcPath, dstPath)
	})
}

// Move relocates src to dst. Across providers the source is deleted only
// after the destination reports the object present.
func (o *Orchestrator) Move(ctx context.Context, srcPath, dstPath string) error {
	return o.instr.TraceOperation(ctx, "move", srcPath, func(ctx context.Context) error {
		o.instr.AddSpanAttribute(ctx, "datastore.destination", dstPath)

		src, dst, err := o.resolvePair(ctx, srcPath, dstPath)
		if err != nil {
			return err
		}
		if src.index == dst.index {
			return src.provider.Move(ctx, srcPath, dstPath)
		}

		if err := o.streamCopy(ctx, src, dst, srcPath, dstPath); err != nil {
			return err
		}

		ok, err := dst.provider.Exists(ctx, dstPath)
		if err != nil {
			return fmt.Errorf("confirm moved object: %w", err)
		}
		if !ok {
			return datastorex.NewError("move", dstPath,
				fmt.Errorf("%w: destination missing after copy", datastorex.ErrObjectNotFound))
		}

		if err := src.provider.Delete(ctx, srcPath, ""); err != nil {
			o.logger.Warn("Moved object but failed to delete source",
				"source", srcPath,
				"destination", dstPath,
				"error", err)
			return err
		}
		return nil
	})
}

func (o *Orchestrator) copy(ctx context.Context, srcPath, dstPath string) error {
	src, dst, err := o.resolvePair(ctx, srcPath, dstPath)
	if err != nil {
		return err
	}
	if src.index == dst.index {
		return src.provider.Copy(ctx, srcPath, dstPath)
	}
	return o.streamCopy(ctx, src, dst, srcPath, dstPath)
}

func (o *Orchestrator) resolvePair(ctx context.Context, srcPath, dstPath string) (resolved, resolved, error) {
	src, err := o.registry.resolvePath(ctx, srcPath)
	if err != nil {
		return resolved{}, resolved{}, err
	}
	dst, err := o.registry.resolvePath(ctx, dstPath)
	if err != nil {
		return resolved{}, resolved{}, err
	}
	return src, dst, nil
}

func (o *Orchestrator) streamCopy(ctx context.Context, src, dst resolved, srcPath, dstPath string) error {
	if src.provider.Type() == dst.provider.Type() {
		o.logger.Debug("Streaming copy between providers of the same type",
			"type", src.provider.Type(),
			"source", src.name,
			"destination", dst.name)
	}

	md, err := src.provider.GetMetadata(ctx, srcPath)
	if err != nil {
		return err
	}

	rc, err := src.provider.Read(ctx, srcPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	if md.Size <= o.cfg.SingleRequestLimit {
		if err := dst.provider.Write(ctx, dstPath, rc); err != nil {
			return err
		}
		o.instr.RecordOperationSize("copy", md.Size)
		return nil
	}

	plan := o.copyPlan(dst)
	// SetExpectedSize spreads the object over at most MaxPartCount parts
	if limit := int64(plan.MaxPartCount) * plan.MaxPartSize; md.Size > limit {
		return datastorex.NewError("copy", dstPath,
			fmt.Errorf("%w: %d bytes exceed the %d byte chunked limit of %q", datastorex.ErrTooLarge, md.Size, limit, dst.name))
	}

	backend := &chunkedBackend{provider: dst.provider, path: dstPath, digests: make(map[int32]string)}
	w := multipart.NewWriter(ctx, backend, plan, o.opts...)
	w.SetExpectedSize(md.Size)

	if _, err := io.Copy(w, rc); err != nil {
		if aerr := w.Abort(); aerr != nil {
			o.logger.Warn("Failed to abort chunked copy", "destination", dstPath, "error", aerr)
		}
		return datastorex.NewError("copy", dstPath, err)
	}
	if err := w.Close(); err != nil {
		return datastorex.NewError("copy", dstPath, err)
	}

	o.instr.RecordOperationSize("copy", w.Written())
	o.logger.Debug("Chunked copy completed",
		"source", srcPath,
		"destination", dstPath,
		"size", w.Written(),
		"parts", w.PartCount())
	return nil
}

// copyPlan sizes the parts of a chunked copy into dst. Destinations that
// number chunks by arrival get one part in flight at a time so their chunk
// order matches the part order.
func (o *Orchestrator) copyPlan(dst resolved) multipart.Config {
	plan := multipart.FromConfig(o.cfg)
	if l, ok := dst.provider.(datastorex.PartLimiter); ok {
		plan = plan.Clamp(l.PartLimits())
	}
	if _, ok := dst.provider.(datastorex.SequencedChunkWriter); !ok {
		plan.Concurrency = 1
	}
	return plan
}

// chunkedBackend drives a provider's chunked-write triplet as a multipart
// backend. Part etags carry chunk ids; each part's md5 is asserted at the end.
type chunkedBackend struct {
	provider datastorex.Provider
	path     string

	mu      sync.Mutex
	digests map[int32]string
}

func (b *chunkedBackend) Create(ctx context.Context) (string, error) {
	return b.provider.StartChunkedWrite(ctx, b.path)
}

func (b *chunkedBackend) UploadPart(ctx context.Context, uploadID string, partNumber int32, data []byte) (string, error) {
	sum := md5.Sum(data)

	var chunkID string
	var err error
	if sw, ok := b.provider.(datastorex.SequencedChunkWriter); ok {
		chunkID, err = sw.WriteChunkAt(ctx, uploadID, partNumber, bytes.NewReader(data))
	} else {
		chunkID, err = b.provider.WriteChunk(ctx, uploadID, bytes.NewReader(data))
	}
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.digests[partNumber] = hex.EncodeToString(sum[:])
	b.mu.Unlock()
	return chunkID, nil
}

func (b *chunkedBackend) Complete(ctx context.Context, uploadID string, parts []multipart.Part) error {
	b.mu.Lock()
	chunks := make([]datastorex.ChunkDetail, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, datastorex.ChunkDetail{
			ID:     p.ETag,
			Hashes: map[string]string{datastorex.HashMD5: b.digests[p.Number]},
		})
	}
	b.mu.Unlock()

	return b.provider.EndChunkedWrite(ctx, uploadID, chunks)
}

func (b *chunkedBackend) Abort(ctx context.Context, uploadID string) error {
	return b.provider.CancelChunkedWrite(ctx, uploadID)
}
