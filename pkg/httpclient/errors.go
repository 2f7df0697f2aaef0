package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// RetryableError reports that all retry attempts were exhausted.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetriesExhausted reports whether err wraps a RetryableError.
func IsRetriesExhausted(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// drain discards and closes a response body so the underlying connection
// can be reused by the next attempt.
func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
}
