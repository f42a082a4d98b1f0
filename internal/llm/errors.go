package llm

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/retry"
)

var (
	// ErrNoModels is returned when a client is built without any model.
	ErrNoModels = errors.New("no models configured")
	// ErrAllModelsCooling is returned when every model is rate limited.
	ErrAllModelsCooling = errors.New("all models are cooling down after rate limits")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("empty model response")
)

// CollaboratorError is returned by the resilient wrappers once a call has
// failed for good. Transient reports whether the last failure was of a kind
// that could succeed later.
type CollaboratorError struct {
	Op        string
	Attempts  int
	Transient bool
	Err       error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Retryable reports whether a later session-level retry may help.
func (e *CollaboratorError) Retryable() bool { return e.Transient }

// StatusError carries an HTTP-like status from the backend.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// Retryable is true for rate limiting and server-side failures.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// IsRateLimited reports whether err is a 429 from the backend.
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests
	}
	return false
}

// classify turns backend errors into errors the retry machine understands.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	if code, ok := apiErrorCode(err); ok {
		return &StatusError{Code: code, Err: err}
	}
	// ErrTooManyRequests only means the half-open trial quota is taken; it
	// stays retryable so the backoff waits for the trial requests to settle.
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, ErrNoModels) {
		return retry.Permanent(err)
	}
	return err
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
