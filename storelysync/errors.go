package storelysync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrJobTimeout means the bulk export stayed non-terminal past the
	// configured poll window. Surfaced as a chunk failure, never retried
	// inline.
	ErrJobTimeout = errors.New("bulk export job timed out")

	// ErrJobFailed covers FAILED/CANCELED terminal states reported by the
	// upstream for a bulk export.
	ErrJobFailed = errors.New("bulk export job failed upstream")

	// ErrSinkWrite wraps fact upsert failures. The chunk is marked failed
	// and nothing of it is committed.
	ErrSinkWrite = errors.New("sink write failed")
)

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storely api error %d: %s", e.StatusCode, e.Body)
}

// ErrorClass drives the retry decision for one failed request.
type ErrorClass struct {
	Retryable bool
	Throttled bool
}

// ClassifyError buckets an upstream error: throttling (429) and server
// errors (5xx) are retryable, other HTTP statuses are not, and transport
// errors are assumed transient. Context cancellation is never retried.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClass{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClass{}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return ErrorClass{Retryable: true, Throttled: true}
		case apiErr.StatusCode >= 500:
			return ErrorClass{Retryable: true}
		default:
			return ErrorClass{}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClass{Retryable: true}
	}

	// Unknown transport-level failure; treat as transient.
	return ErrorClass{Retryable: true}
}
