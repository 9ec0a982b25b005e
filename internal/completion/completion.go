package completion

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vbonduro/camprompt/internal/capture"
)

// DefaultMaxTokens caps the length of each reply.
const DefaultMaxTokens = 100

// MaxErrorBody bounds how much of an error reply is kept for the status line.
const MaxErrorBody = 64 << 10

// TruncatedMarker is appended to an error body cut at MaxErrorBody.
const TruncatedMarker = " [truncated]"

// ErrMalformedResponse is returned when a 2xx reply does not carry the
// expected text. It is always wrapped in a *RequestError.
var ErrMalformedResponse = errors.New("malformed response")

// Request is one instruction plus one image.
type Request struct {
	// Endpoint is the server base URL, e.g. http://localhost:8080.
	Endpoint    string
	Instruction string
	Image       *capture.Frame
}

// Client submits a Request and returns the reply text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// RequestError reports a non-success HTTP status or an unusable reply body.
type RequestError struct {
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (status %d)", e.Err, e.Status)
	}
	return fmt.Sprintf("Server error %d: %s", e.Status, e.Body)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ReadErrorBody reads at most MaxErrorBody bytes of an error reply and marks
// the result when more was available.
func ReadErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, MaxErrorBody+1))
	if len(body) > MaxErrorBody {
		return string(body[:MaxErrorBody]) + TruncatedMarker
	}
	return string(body)
}
