package datastorex

import (
	"errors"
	"fmt"
)

// Domain Errors - use errors.Is for checking
var (
	// ErrProviderNotFound indicates no registered provider claims a path or name
	ErrProviderNotFound = errors.New("datastorex: provider not found")

	// ErrAmbiguousProvider indicates more than one descriptor shares an identifier
	ErrAmbiguousProvider = errors.New("datastorex: ambiguous provider identifier")

	// ErrObjectNotFound indicates the requested object or version was not found
	ErrObjectNotFound = errors.New("datastorex: object not found")

	// ErrChunkedUploadInvalid indicates an upload id that is unknown, expired or already closed
	ErrChunkedUploadInvalid = errors.New("datastorex: chunked upload not found")

	// ErrIntegrity indicates a chunk digest did not match the uploaded bytes
	ErrIntegrity = errors.New("datastorex: chunk integrity check failed")

	// ErrTransient indicates a provider-level connectivity failure
	ErrTransient = errors.New("datastorex: provider unavailable")

	// ErrObjectModified indicates the remote object changed under a reader
	ErrObjectModified = errors.New("datastorex: object modified")

	// ErrUnsupported indicates the operation is not supported by the stream or provider
	ErrUnsupported = errors.New("datastorex: operation not supported")

	// ErrInvalidSeek indicates a seek outside the object bounds
	ErrInvalidSeek = errors.New("datastorex: invalid seek position")

	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("datastorex: invalid configuration")

	// ErrConflict indicates a conflicting object or session
	ErrConflict = errors.New("datastorex: conflict")

	// ErrAborted indicates the operation was aborted (e.g., multipart upload cancelled)
	ErrAborted = errors.New("datastorex: operation aborted")

	// ErrTimeout indicates the operation timed out
	ErrTimeout = errors.New("datastorex: operation timeout")

	// ErrTooLarge indicates the object is too large for the operation
	ErrTooLarge = errors.New("datastorex: object too large")

	// ErrInvalidPath indicates a path the provider cannot interpret
	ErrInvalidPath = errors.New("datastorex: invalid object path")
)

// StorageError wraps underlying errors with the operation and object path
type StorageError struct {
	Op   string // operation that failed
	Path string // object path or upload id (if applicable)
	Err  error  // underlying error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("datastorex %s %q: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("datastorex %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewError builds a StorageError. A nil err yields nil.
func NewError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// IsNotFound checks if an error is or wraps ErrObjectNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// IsProviderNotFound checks if an error is or wraps ErrProviderNotFound
func IsProviderNotFound(err error) bool {
	return errors.Is(err, ErrProviderNotFound)
}

// IsTransient reports whether the failure came from provider connectivity
// rather than from the request itself.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
