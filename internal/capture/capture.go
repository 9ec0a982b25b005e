package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrNotReady is returned when the stream has no frame with non-zero
// dimensions yet. It is transient; the next tick may succeed.
var ErrNotReady = errors.New("capture: no frame available")

// Camera error names, matching the names browsers report for getUserMedia
// failures so status messages read the same across backends.
const (
	ErrNameNotFound    = "NotFoundError"
	ErrNameNotAllowed  = "NotAllowedError"
	ErrNameNotReadable = "NotReadableError"
)

// CameraError is returned by Source.Acquire when no stream can be bound.
type CameraError struct {
	Name    string
	Message string
	Err     error
}

func (e *CameraError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *CameraError) Unwrap() error {
	return e.Err
}

// Source binds a live video stream.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is a bound video stream that can produce the current frame on demand.
type Stream interface {
	// Frame returns the current frame, or ErrNotReady.
	Frame(ctx context.Context) (image.Image, error)
	// Close releases the underlying device. Calling it more than once is a no-op.
	Close() error
}
