// Package embedder provides implementations of the Embedder interface for
// converting work-item text into dense vector embeddings. Each implementation
// talks to a different backend (OpenAI, Azure OpenAI, Ollama) via plain
// HTTP — no additional SDK dependencies are required.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Embedder converts batches of text into dense vector embeddings. The
// returned outer slice is parallel to the input slice. Implementations must
// be safe for concurrent use.
type Embedder interface {
	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// TransientError marks an embedding failure that is worth retrying: rate
// limiting, server-side errors, or network failures. Callers that see a
// non-transient error should fail the affected texts rather than retry.
type TransientError struct {
	// Status is the HTTP status code, or 0 for network-level failures.
	Status int
	// RetryAfter is the server-suggested wait before retrying, if the
	// response carried a Retry-After header. Zero means no hint.
	RetryAfter time.Duration
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("embedder: transient failure (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("embedder: transient failure: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// transientStatus reports whether an HTTP status code indicates a failure
// the caller should retry: 429 rate limiting or any 5xx server error.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryAfterHeader parses the Retry-After response header as integer seconds.
// HTTP-date values are not supported and yield zero.
func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryAfterHint extracts the server-suggested retry delay from err, or zero
// when err is not transient or carried no hint.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
