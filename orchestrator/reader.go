package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/pagecache"
)

// OpenReader returns a seekable reader over the object at path backed by a
// page cache. The reader is pinned to the object's current ETag and fails
// with ErrObjectModified once the object changes. ctx bounds every page
// fetch. Providers without range support yield ErrUnsupported.
func (o *Orchestrator) OpenReader(ctx context.Context, path string) (datastorex.SeekableReader, error) {
	var reader *pagecache.Reader
	err := o.instr.TraceOperation(ctx, "open_reader", path, func(traceCtx context.Context) error {
		p, err := o.registry.ResolveByPath(traceCtx, path)
		if err != nil {
			return err
		}

		rr, ok := p.(datastorex.RangeReader)
		if !ok {
			return datastorex.NewError("open_reader", path,
				fmt.Errorf("%w: provider %q cannot serve ranges", datastorex.ErrUnsupported, p.Type()))
		}

		md, err := p.GetMetadata(traceCtx, path)
		if err != nil {
			return err
		}

		reader = pagecache.New(ctx, rangeFetcher(rr, path), md.Size, md.ETag,
			pagecache.FromConfig(o.cfg), o.opts...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func rangeFetcher(rr datastorex.RangeReader, path string) pagecache.Fetcher {
	return pagecache.FetcherFunc(func(ctx context.Context, offset, length int64, etag string) ([]byte, error) {
		rc, err := rr.ReadRange(ctx, path, offset, length, etag)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		data := make([]byte, length)
		n, err := io.ReadFull(rc, data)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return data[:n], nil
	})
}
