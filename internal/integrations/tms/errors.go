package tms

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// TransientError is a network or timeout failure. The request may not have
// reached the TMS at all.
type TransientError struct {
	Endpoint Endpoint
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("tms %s: transient: %v", e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx answer from the TMS.
type RemoteError struct {
	Endpoint   Endpoint
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("tms %s: http %d: %s", e.Endpoint, e.StatusCode, body)
}

// Permanent reports a payload or business-rule rejection.
func (e *RemoteError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsRetryable is the classification every retry policy around TMS calls uses:
// transient failures, 5xx and 429 are retried, everything else is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode >= 500 || re.StatusCode == http.StatusTooManyRequests
	}
	return false
}
