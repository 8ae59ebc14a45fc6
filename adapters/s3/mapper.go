package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gostratum/datastorex"
)

// MapS3Error converts S3 SDK errors to datastorex domain errors
func MapS3Error(err error, op, path string) error {
	if err == nil {
		return nil
	}
	return datastorex.NewError(op, path, classify(err))
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", datastorex.ErrAborted, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", datastorex.ErrTimeout, err)
	}

	// Modeled error types first
	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
		noSuchUpload *types.NoSuchUpload
		exists       *types.BucketAlreadyExists
		owned        *types.BucketAlreadyOwnedByYou
		objectState  *types.InvalidObjectState
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return fmt.Errorf("%w: %w", datastorex.ErrObjectNotFound, err)
	case errors.As(err, &noSuchBucket):
		return fmt.Errorf("%w: bucket does not exist: %w", datastorex.ErrObjectNotFound, err)
	case errors.As(err, &noSuchUpload):
		return fmt.Errorf("%w: %w", datastorex.ErrChunkedUploadInvalid, err)
	case errors.As(err, &exists), errors.As(err, &owned), errors.As(err, &objectState):
		return fmt.Errorf("%w: %w", datastorex.ErrConflict, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if mapped := mapAPIErrorCode(apiErr.ErrorCode()); mapped != nil {
			return fmt.Errorf("%w: %w", mapped, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if mapped := mapHTTPStatus(respErr.HTTPStatusCode()); mapped != nil {
			return fmt.Errorf("%w: %w", mapped, err)
		}
		return err
	}

	// No HTTP response at all: the endpoint could not be reached
	var netErr net.Error
	if errors.As(err, &netErr) || apiErr == nil {
		return fmt.Errorf("%w: %w", datastorex.ErrTransient, err)
	}
	return err
}

// mapAPIErrorCode maps S3 error codes to domain errors
func mapAPIErrorCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchVersion":
		return datastorex.ErrObjectNotFound
	case "NoSuchUpload":
		return datastorex.ErrChunkedUploadInvalid
	case "PreconditionFailed":
		return datastorex.ErrObjectModified
	case "InvalidRange":
		return datastorex.ErrInvalidSeek
	case "BucketAlreadyExists", "BucketAlreadyOwnedByYou", "OperationAborted":
		return datastorex.ErrConflict
	case "EntityTooLarge":
		return datastorex.ErrTooLarge
	case "BadDigest", "InvalidDigest":
		return datastorex.ErrIntegrity
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return datastorex.ErrChunkedUploadInvalid
	case "InvalidBucketName", "AccessDenied", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "MalformedXML", "InvalidRequest":
		return datastorex.ErrInvalidConfig
	case "RequestTimeout", "RequestTimeTooSkewed", "TokenRefreshRequired":
		return datastorex.ErrTimeout
	case "SlowDown", "ServiceUnavailable", "InternalError":
		return datastorex.ErrTransient
	}
	return nil
}

// mapHTTPStatus maps bare HTTP statuses (HEAD responses carry no body)
func mapHTTPStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return datastorex.ErrObjectNotFound
	case http.StatusPreconditionFailed:
		return datastorex.ErrObjectModified
	case http.StatusRequestedRangeNotSatisfiable:
		return datastorex.ErrInvalidSeek
	case http.StatusForbidden, http.StatusUnauthorized:
		return datastorex.ErrInvalidConfig
	case http.StatusConflict:
		return datastorex.ErrConflict
	case http.StatusRequestEntityTooLarge:
		return datastorex.ErrTooLarge
	case http.StatusRequestTimeout:
		return datastorex.ErrTimeout
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return datastorex.ErrTransient
	}
	return nil
}

// IsRetryableError reports whether a mapped error may succeed on retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, datastorex.ErrAborted) {
		return false
	}
	return datastorex.IsTransient(err)
}
