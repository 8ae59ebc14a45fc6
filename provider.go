package datastorex

import (
	"context"
	"io"
)

// Provider is the capability contract every backing store implements.
// Paths are opaque to the caller; CanAccessObject decides ownership.
type Provider interface {
	// Type returns the discriminator name of the backend (e.g. "s3")
	Type() string

	// CanAccessObject reports whether this provider owns the path.
	// An error means the probe itself failed, not that access was denied.
	CanAccessObject(ctx context.Context, path string) (bool, error)

	// GetMetadata returns descriptive metadata for the object
	GetMetadata(ctx context.Context, path string) (*ObjectMetadata, error)

	// Exists reports whether the object is present
	Exists(ctx context.Context, path string) (bool, error)

	// Read opens the object for streaming
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores the full contents of r at path
	Write(ctx context.Context, path string, r io.Reader) error

	// Delete removes the object, or a single version when versionID is set
	Delete(ctx context.Context, path, versionID string) error

	// Copy duplicates an object within this provider
	Copy(ctx context.Context, srcPath, dstPath string) error

	// Move relocates an object within this provider
	Move(ctx context.Context, srcPath, dstPath string) error

	// StartChunkedWrite opens an upload session and returns its id
	StartChunkedWrite(ctx context.Context, path string) (uploadID string, err error)

	// WriteChunk uploads one chunk and returns its id
	WriteChunk(ctx context.Context, uploadID string, r io.Reader) (chunkID string, err error)

	// EndChunkedWrite validates the listed chunks and assembles them in order
	EndChunkedWrite(ctx context.Context, uploadID string, chunks []ChunkDetail) error

	// CancelChunkedWrite discards the upload session
	CancelChunkedWrite(ctx context.Context, uploadID string) error
}

// RangeReader is implemented by providers that can serve byte ranges.
// When ifMatch is non-empty the provider must fail with ErrObjectModified
// if the object fingerprint no longer matches.
type RangeReader interface {
	ReadRange(ctx context.Context, path string, offset, length int64, ifMatch string) (io.ReadCloser, error)
}

// Pinger is implemented by providers that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}

// SequencedChunkWriter is implemented by providers whose chunk order is set
// by the caller instead of by arrival. Chunks written through WriteChunkAt
// may be uploaded concurrently; sequence starts at 1.
type SequencedChunkWriter interface {
	WriteChunkAt(ctx context.Context, uploadID string, sequence int32, r io.Reader) (chunkID string, err error)
}

// PartLimits bounds the chunks a provider accepts in one chunked write.
// Zero fields are unbounded.
type PartLimits struct {
	MinPartSize  int64
	MaxPartSize  int64
	MaxPartCount int
}

// PartLimiter is implemented by providers that reject chunks outside
// fixed size or count limits
type PartLimiter interface {
	PartLimits() PartLimits
}

// SeekableReader is a random-access, read-only view over a remote object
type SeekableReader interface {
	io.ReadSeekCloser
	io.ReaderAt

	// Size returns the object length fixed when the reader was opened
	Size() int64
}

// ProviderGroup is the fx value group adapter modules contribute
// ProviderDescriptor values to.
const ProviderGroup = "datastore_providers"

// ProviderFactory builds a provider instance from its typed options
type ProviderFactory func(ctx context.Context, options any) (Provider, error)

// ProviderDescriptor describes one configured backend
type ProviderDescriptor struct {
	// Identifier names the provider; empty means the type name is used
	Identifier string

	// Type is the backend discriminator
	Type string

	// Options is the provider's typed configuration value
	Options any

	// Factory constructs the provider
	Factory ProviderFactory

	// Priority orders descriptors collected from an fx value group, whose
	// order is unspecified. Lower values are probed first.
	Priority int
}

// Name returns the identifier, falling back to the type-derived default
func (d ProviderDescriptor) Name() string {
	if d.Identifier != "" {
		return d.Identifier
	}
	return d.Type
}
