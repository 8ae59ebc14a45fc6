package s3

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gostratum/datastorex/internal/multipart"
)

// multipartBackend drives an S3 multipart upload for a multipart.Writer
type multipartBackend struct {
	provider    *Provider
	key         string
	contentType string
}

var _ multipart.Backend = (*multipartBackend)(nil)

func (b *multipartBackend) Create(ctx context.Context) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.provider.cfg.Bucket),
		Key:    aws.String(b.key),
	}
	if b.contentType != "" {
		input.ContentType = aws.String(b.contentType)
	}

	out, err := b.provider.client.Client().CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", MapS3Error(err, "create_multipart", b.key)
	}

	uploadID := aws.ToString(out.UploadId)
	b.provider.logger.Debug("Multipart upload created", "key", b.key, "upload_id", uploadID)
	return uploadID, nil
}

func (b *multipartBackend) UploadPart(ctx context.Context, uploadID string, partNumber int32, data []byte) (string, error) {
	out, err := b.provider.client.Client().UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.provider.cfg.Bucket),
		Key:           aws.String(b.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", MapS3Error(err, "upload_part", b.key)
	}
	return aws.ToString(out.ETag), nil
}

func (b *multipartBackend) Complete(ctx context.Context, uploadID string, parts []multipart.Part) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.Number),
		}
	}

	_, err := b.provider.client.Client().CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.provider.cfg.Bucket),
		Key:             aws.String(b.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return MapS3Error(err, "complete_multipart", b.key)
	}
	return nil
}

func (b *multipartBackend) Abort(ctx context.Context, uploadID string) error {
	b.provider.logger.Debug("Aborting multipart upload", "key", b.key, "upload_id", uploadID)
	if err := b.provider.abortUpload(ctx, b.key, uploadID); err != nil {
		return MapS3Error(err, "abort_multipart", b.key)
	}
	return nil
}
