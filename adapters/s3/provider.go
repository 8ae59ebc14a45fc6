package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/gostratum/datastorex"
	"github.com/gostratum/datastorex/internal/multipart"
	"github.com/gostratum/datastorex/internal/session"
)

// Provider implements datastorex.Provider over one S3 bucket.
// Object paths have the form s3://<bucket>/<key>.
type Provider struct {
	client  *ClientManager
	cfg     *Config
	parts   multipart.Config
	opts    []datastorex.Option
	logger  datastorex.Logger
	uploads *session.Store[*upload]
}

// upload is one open chunked write
type upload struct {
	path   string
	key    string
	parts  atomic.Int32
	mu     sync.Mutex
	chunks map[string]uploadedChunk
}

// reserve keeps arrival-order numbering above explicitly placed parts
func (u *upload) reserve(number int32) {
	for {
		cur := u.parts.Load()
		if cur >= number || u.parts.CompareAndSwap(cur, number) {
			return
		}
	}
}

type uploadedChunk struct {
	number int32
	etag   string
	hashes map[string]string
}

var (
	_ datastorex.Provider             = (*Provider)(nil)
	_ datastorex.RangeReader          = (*Provider)(nil)
	_ datastorex.Pinger               = (*Provider)(nil)
	_ datastorex.SequencedChunkWriter = (*Provider)(nil)
	_ datastorex.PartLimiter          = (*Provider)(nil)
)

// NewProvider creates an S3 provider. dsCfg bounds the multipart uploads
// issued by Write; nil means the defaults.
func NewProvider(ctx context.Context, cfg *Config, dsCfg *datastorex.Config, opts ...datastorex.Option) (*Provider, error) {
	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := datastorex.ApplyOptions(opts...)
	client, err := NewClientManager(ctx, ClientConfig{
		Config: cfg,
		Logger: options.GetLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client manager: %w", err)
	}

	options.GetLogger().Debug("S3 provider configured", "provider", cfg.Name(), "config", cfg.Redacted())
	return newProvider(client, partLimits(multipart.FromConfig(dsCfg)), opts...), nil
}

// S3 multipart limits
const (
	minPartSize  = 5 * datastorex.MiB
	maxPartSize  = 5 * datastorex.GiB
	maxPartCount = 10000
)

var serviceLimits = datastorex.PartLimits{
	MinPartSize:  minPartSize,
	MaxPartSize:  maxPartSize,
	MaxPartCount: maxPartCount,
}

// partLimits clamps writer settings to what S3 accepts
func partLimits(c multipart.Config) multipart.Config {
	return c.Clamp(serviceLimits)
}

func newProvider(client *ClientManager, parts multipart.Config, opts ...datastorex.Option) *Provider {
	options := datastorex.ApplyOptions(opts...)
	return &Provider{
		client:  client,
		cfg:     client.Config(),
		parts:   parts.Sanitize(),
		opts:    opts,
		logger:  options.GetLogger(),
		uploads: session.NewStore[*upload](),
	}
}

// Type returns the provider discriminator
func (p *Provider) Type() string { return ProviderType }

// CanAccessObject claims every path under this provider's bucket
func (p *Provider) CanAccessObject(_ context.Context, path string) (bool, error) {
	prefix := p.cfg.PathPrefix()
	return strings.HasPrefix(path, prefix) && len(path) > len(prefix), nil
}

// objectKey maps a path to the storage key, applying BasePrefix
func (p *Provider) objectKey(path string) (string, error) {
	prefix := p.cfg.PathPrefix()
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", fmt.Errorf("%w: %q is not under %s", datastorex.ErrInvalidPath, path, prefix)
	}
	key := strings.TrimPrefix(path, prefix)
	if p.cfg.BasePrefix != "" {
		key = p.cfg.BasePrefix + "/" + key
	}
	return key, nil
}

// GetMetadata heads the object
func (p *Provider) GetMetadata(ctx context.Context, path string) (*datastorex.ObjectMetadata, error) {
	key, err := p.objectKey(path)
	if err != nil {
		return nil, datastorex.NewError("get_metadata", path, err)
	}

	out, err := p.client.Client().HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, MapS3Error(err, "get_metadata", path)
	}

	etag := normalizeETag(aws.ToString(out.ETag))
	modified := aws.ToTime(out.LastModified)

	version := datastorex.ObjectVersionMetadata{
		VersionID:   aws.ToString(out.VersionId),
		CreatedDate: modified,
		SortOrder:   modified.UnixNano(),
	}
	// Multipart etags are not content digests
	if etag != "" && !strings.Contains(etag, "-") {
		version.Hashes = map[string]string{datastorex.HashMD5: etag}
	}

	return datastorex.NewObjectMetadata(
		path,
		aws.ToString(out.ContentType),
		aws.ToInt64(out.ContentLength),
		etag,
		[]datastorex.ObjectVersionMetadata{version},
	), nil
}

// Exists reports whether the object is present
func (p *Provider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := p.GetMetadata(ctx, path)
	if err == nil {
		return true, nil
	}
	if datastorex.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Read opens the object body for streaming
func (p *Provider) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := p.objectKey(path)
	if err != nil {
		return nil, datastorex.NewError("read", path, err)
	}

	out, err := p.client.Client().GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, MapS3Error(err, "read", path)
	}
	return out.Body, nil
}

// ReadRange fetches length bytes at offset. A non-empty ifMatch is sent as
// If-Match and also checked against the returned ETag.
func (p *Provider) ReadRange(ctx context.Context, path string, offset, length int64, ifMatch string) (io.ReadCloser, error) {
	key, err := p.objectKey(path)
	if err != nil {
		return nil, datastorex.NewError("read_range", path, err)
	}
	if offset < 0 || length <= 0 {
		return nil, datastorex.NewError("read_range", path, datastorex.ErrInvalidSeek)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}
	if ifMatch != "" {
		input.IfMatch = aws.String(quoteETag(ifMatch))
	}

	out, err := p.client.Client().GetObject(ctx, input)
	if err != nil {
		return nil, MapS3Error(err, "read_range", path)
	}
	if ifMatch != "" && normalizeETag(aws.ToString(out.ETag)) != normalizeETag(ifMatch) {
		_ = out.Body.Close()
		return nil, datastorex.NewError("read_range", path, datastorex.ErrObjectModified)
	}
	return out.Body, nil
}

// Write stores r at path. Streams shorter than the minimum part size go in
// one PutObject; longer ones are uploaded as a multipart upload.
func (p *Provider) Write(ctx context.Context, path string, r io.Reader) error {
	key, err := p.objectKey(path)
	if err != nil {
		return datastorex.NewError("write", path, err)
	}

	head := make([]byte, p.parts.MinPartSize)
	n, err := io.ReadFull(r, head)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return p.putObject(ctx, path, key, head[:n])
	case err != nil:
		return datastorex.NewError("write", path, fmt.Errorf("failed to read data: %w", err))
	}

	contentType := mimetype.Detect(head).String()
	w := multipart.NewWriter(ctx, &multipartBackend{provider: p, key: key, contentType: contentType}, p.parts, p.opts...)
	if _, err := w.Write(head); err != nil {
		_ = w.Abort()
		return datastorex.NewError("write", path, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return datastorex.NewError("write", path, err)
	}
	if err := w.Close(); err != nil {
		return datastorex.NewError("write", path, err)
	}

	p.logger.Debug("Object written via multipart upload",
		"path", path,
		"size", w.Written(),
		"parts", w.PartCount(),
	)
	return nil
}

func (p *Provider) putObject(ctx context.Context, path, key string, data []byte) error {
	_, err := p.client.Client().PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimetype.Detect(data).String()),
	})
	if err != nil {
		return MapS3Error(err, "write", path)
	}

	p.logger.Debug("Object put", "path", path, "size", len(data))
	return nil
}

// Delete removes the object, or one version when versionID is set
func (p *Provider) Delete(ctx context.Context, path, versionID string) error {
	key, err := p.objectKey(path)
	if err != nil {
		return datastorex.NewError("delete", path, err)
	}

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	if _, err := p.client.Client().DeleteObject(ctx, input); err != nil {
		return MapS3Error(err, "delete", path)
	}
	return nil
}

// Copy performs a server-side copy within the bucket
func (p *Provider) Copy(ctx context.Context, srcPath, dstPath string) error {
	srcKey, err := p.objectKey(srcPath)
	if err != nil {
		return datastorex.NewError("copy", srcPath, err)
	}
	dstKey, err := p.objectKey(dstPath)
	if err != nil {
		return datastorex.NewError("copy", dstPath, err)
	}

	_, err = p.client.Client().CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.cfg.Bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(p.cfg.Bucket, srcKey)),
	})
	if err != nil {
		return MapS3Error(err, "copy", srcPath)
	}
	return nil
}

// Move copies then deletes the source
func (p *Provider) Move(ctx context.Context, srcPath, dstPath string) error {
	if err := p.Copy(ctx, srcPath, dstPath); err != nil {
		return err
	}
	return p.Delete(ctx, srcPath, "")
}

// StartChunkedWrite opens a multipart upload and returns the S3 upload id
func (p *Provider) StartChunkedWrite(ctx context.Context, path string) (string, error) {
	key, err := p.objectKey(path)
	if err != nil {
		return "", datastorex.NewError("start_chunked_write", path, err)
	}

	out, err := p.client.Client().CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", MapS3Error(err, "start_chunked_write", path)
	}

	uploadID := aws.ToString(out.UploadId)
	u := &upload{path: path, key: key, chunks: make(map[string]uploadedChunk)}
	if err := p.uploads.Insert(uploadID, u); err != nil {
		_ = p.abortUpload(context.WithoutCancel(ctx), key, uploadID)
		return "", datastorex.NewError("start_chunked_write", path,
			fmt.Errorf("%w: upload id %q already open", datastorex.ErrConflict, uploadID))
	}

	p.logger.Debug("Chunked write started", "path", path, "upload_id", uploadID)
	return uploadID, nil
}

// WriteChunk uploads one part. The returned chunk id encodes the part
// number, assigned in arrival order.
func (p *Provider) WriteChunk(ctx context.Context, uploadID string, r io.Reader) (string, error) {
	return p.writeChunk(ctx, uploadID, 0, r)
}

// WriteChunkAt uploads r as part number sequence. Rewriting a sequence
// replaces the earlier part.
func (p *Provider) WriteChunkAt(ctx context.Context, uploadID string, sequence int32, r io.Reader) (string, error) {
	if sequence < 1 || sequence > maxPartCount {
		return "", datastorex.NewError("write_chunk", uploadID,
			fmt.Errorf("%w: part number %d outside 1..%d", datastorex.ErrInvalidConfig, sequence, maxPartCount))
	}
	return p.writeChunk(ctx, uploadID, sequence, r)
}

// PartLimits reports the S3 multipart limits
func (p *Provider) PartLimits() datastorex.PartLimits { return serviceLimits }

func (p *Provider) writeChunk(ctx context.Context, uploadID string, number int32, r io.Reader) (string, error) {
	u, ok := p.uploads.Get(uploadID)
	if !ok {
		return "", datastorex.NewError("write_chunk", uploadID, datastorex.ErrChunkedUploadInvalid)
	}

	digests, err := datastorex.NewDigestSet()
	if err != nil {
		return "", datastorex.NewError("write_chunk", uploadID, err)
	}
	data, err := io.ReadAll(io.TeeReader(r, digests))
	if err != nil {
		return "", datastorex.NewError("write_chunk", uploadID, fmt.Errorf("failed to read chunk: %w", err))
	}

	if number == 0 {
		number = u.parts.Add(1)
	} else {
		u.reserve(number)
	}
	out, err := p.client.Client().UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", MapS3Error(err, "write_chunk", uploadID)
	}

	chunkID := strconv.Itoa(int(number))
	u.mu.Lock()
	u.chunks[chunkID] = uploadedChunk{
		number: number,
		etag:   aws.ToString(out.ETag),
		hashes: digests.Sums(),
	}
	u.mu.Unlock()

	return chunkID, nil
}

// EndChunkedWrite verifies every listed chunk and completes the upload.
// Chunks must be listed in the order they were written. On failure the
// upload stays open.
func (p *Provider) EndChunkedWrite(ctx context.Context, uploadID string, chunks []datastorex.ChunkDetail) error {
	u, ok := p.uploads.Get(uploadID)
	if !ok {
		return datastorex.NewError("end_chunked_write", uploadID, datastorex.ErrChunkedUploadInvalid)
	}

	u.mu.Lock()
	completed := make([]types.CompletedPart, 0, len(chunks))
	var last int32
	for _, c := range chunks {
		stored, ok := u.chunks[c.ID]
		if !ok {
			u.mu.Unlock()
			return datastorex.NewError("end_chunked_write", uploadID,
				fmt.Errorf("%w: unknown chunk %q", datastorex.ErrIntegrity, c.ID))
		}
		if err := datastorex.VerifyChunk(c, stored.hashes); err != nil {
			u.mu.Unlock()
			return datastorex.NewError("end_chunked_write", uploadID, err)
		}
		if stored.number <= last {
			u.mu.Unlock()
			return datastorex.NewError("end_chunked_write", uploadID,
				fmt.Errorf("%w: chunk %q listed out of write order", datastorex.ErrUnsupported, c.ID))
		}
		last = stored.number
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(stored.etag),
			PartNumber: aws.Int32(stored.number),
		})
	}
	u.mu.Unlock()

	if len(completed) == 0 {
		// S3 rejects completion with no parts
		if err := p.putObject(ctx, u.path, u.key, nil); err != nil {
			return err
		}
		_ = p.abortUpload(ctx, u.key, uploadID)
		p.uploads.Remove(uploadID)
		return nil
	}

	_, err := p.client.Client().CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.cfg.Bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return MapS3Error(err, "end_chunked_write", uploadID)
	}

	p.uploads.Remove(uploadID)
	p.logger.Debug("Chunked write completed", "path", u.path, "upload_id", uploadID, "parts", len(completed))
	return nil
}

// CancelChunkedWrite aborts the multipart upload
func (p *Provider) CancelChunkedWrite(ctx context.Context, uploadID string) error {
	u, ok := p.uploads.Get(uploadID)
	if !ok {
		return datastorex.NewError("cancel_chunked_write", uploadID, datastorex.ErrChunkedUploadInvalid)
	}
	if err := p.abortUpload(ctx, u.key, uploadID); err != nil {
		return MapS3Error(err, "cancel_chunked_write", uploadID)
	}
	p.uploads.Remove(uploadID)
	return nil
}

func (p *Provider) abortUpload(ctx context.Context, key, uploadID string) error {
	_, err := p.client.Client().AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

// OpenUploads returns the number of chunked writes not yet ended or cancelled
func (p *Provider) OpenUploads() int { return p.uploads.Len() }

// Ping heads the bucket with a short timeout
func (p *Provider) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := p.client.Client().HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.cfg.Bucket),
	}); err != nil {
		return MapS3Error(err, "ping", p.cfg.Bucket)
	}
	return nil
}

// Close aborts uploads left open and releases the client
func (p *Provider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	for _, id := range p.uploads.Keys() {
		u, ok := p.uploads.Get(id)
		if !ok {
			continue
		}
		if err := p.abortUpload(ctx, u.key, id); err != nil {
			errs = append(errs, MapS3Error(err, "close", id))
			continue
		}
		p.uploads.Remove(id)
		p.logger.Warn("Aborted chunked write left open at close", "path", u.path, "upload_id", id)
	}
	errs = append(errs, p.client.Close())
	return errors.Join(errs...)
}

// copySource builds the x-amz-copy-source value, escaping each key segment
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func normalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

func quoteETag(etag string) string {
	return `"` + normalizeETag(etag) + `"`
}
