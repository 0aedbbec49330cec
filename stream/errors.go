package stream

import (
	"errors"
	"fmt"
)

// ErrDuplicateRequest is reported when a request id is reused while the previous request with
// that id is still live. The live request is not affected.
var ErrDuplicateRequest = errors.New("request id is already in use")

// ErrCancelled is carried by the terminal notification of a cancelled request.
var ErrCancelled = errors.New("request cancelled")

// ErrInvalidBufferSize ...
var ErrInvalidBufferSize = errors.New("buffer size must be positive")

// SourceOpenError means the content source could not be opened, no data was sent.
type SourceOpenError struct {
	URI string
	Err error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("could not open stream for %s: %s", e.URI, e.Err)
}

func (e *SourceOpenError) Unwrap() error {
	return e.Err
}

// SourceReadError means reading failed after Offset bytes were already delivered.
type SourceReadError struct {
	URI    string
	Offset int64
	Err    error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("read %s at offset %d: %s", e.URI, e.Offset, e.Err)
}

func (e *SourceReadError) Unwrap() error {
	return e.Err
}
