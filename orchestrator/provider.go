package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/gostratum/datastorex"
)

// OrchestratedType is the provider type reported by AsProvider
const OrchestratedType = "orchestrated"

// AsProvider exposes the orchestrator through the Provider contract so it
// can be nested under another registry or handed to code written against a
// single provider.
func AsProvider(o *Orchestrator) datastorex.Provider {
	return &orchestratedProvider{o: o}
}

type orchestratedProvider struct {
	o *Orchestrator
}

func (p *orchestratedProvider) Type() string { return OrchestratedType }

// CanAccessObject is true when any registered provider claims path
func (p *orchestratedProvider) CanAccessObject(ctx context.Context, path string) (bool, error) {
	_, err := p.o.registry.ResolveByPath(ctx, path)
	if datastorex.IsProviderNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *orchestratedProvider) GetMetadata(ctx context.Context, path string) (*datastorex.ObjectMetadata, error) {
	return p.o.GetMetadata(ctx, path)
}

func (p *orchestratedProvider) Exists(ctx context.Context, path string) (bool, error) {
	return p.o.Exists(ctx, path)
}

func (p *orchestratedProvider) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	return p.o.Read(ctx, path)
}

func (p *orchestratedProvider) Write(ctx context.Context, path string, r io.Reader) error {
	return p.o.Write(ctx, path, r)
}

func (p *orchestratedProvider) Delete(ctx context.Context, path, versionID string) error {
	return p.o.Delete(ctx, path, versionID)
}

func (p *orchestratedProvider) Copy(ctx context.Context, srcPath, dstPath string) error {
	return p.o.Copy(ctx, srcPath, dstPath)
}

func (p *orchestratedProvider) Move(ctx context.Context, srcPath, dstPath string) error {
	return p.o.Move(ctx, srcPath, dstPath)
}

func (p *orchestratedProvider) StartChunkedWrite(ctx context.Context, path string) (string, error) {
	return p.o.StartChunkedWrite(ctx, path)
}

func (p *orchestratedProvider) WriteChunk(ctx context.Context, uploadID string, r io.Reader) (string, error) {
	return p.o.WriteChunk(ctx, uploadID, r)
}

func (p *orchestratedProvider) EndChunkedWrite(ctx context.Context, uploadID string, chunks []datastorex.ChunkDetail) error {
	return p.o.EndChunkedWrite(ctx, uploadID, chunks)
}

func (p *orchestratedProvider) CancelChunkedWrite(ctx context.Context, uploadID string) error {
	return p.o.CancelChunkedWrite(ctx, uploadID)
}

// ReadRange forwards to the owning provider when it supports ranges
func (p *orchestratedProvider) ReadRange(ctx context.Context, path string, offset, length int64, ifMatch string) (io.ReadCloser, error) {
	inner, err := p.o.registry.ResolveByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	rr, ok := inner.(datastorex.RangeReader)
	if !ok {
		return nil, datastorex.NewError("read_range", path,
			fmt.Errorf("%w: provider %q cannot serve ranges", datastorex.ErrUnsupported, inner.Type()))
	}
	return rr.ReadRange(ctx, path, offset, length, ifMatch)
}

// Ping reports the aggregated health of every registered provider
func (p *orchestratedProvider) Ping(ctx context.Context) error {
	return p.o.CheckHealth(ctx).Err()
}

var (
	_ datastorex.Provider    = (*orchestratedProvider)(nil)
	_ datastorex.RangeReader = (*orchestratedProvider)(nil)
	_ datastorex.Pinger      = (*orchestratedProvider)(nil)
)
