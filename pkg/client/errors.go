package client

import (
	"errors"
	"fmt"
)

// Error taxonomy for a single fetch attempt. None of these escape a task:
// the executor turns them into retries and, eventually, a Failed record.
var (
	// ErrTransientNetwork covers timeouts, connection errors and non-success
	// statuses other than the auth rejection.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrAuthExpired is returned when the API rejects the session.
	ErrAuthExpired = errors.New("session expired")

	// ErrBusinessRejection is returned when the API answers successfully but
	// reports that the resource does not exist or may not be accessed.
	ErrBusinessRejection = errors.New("resource rejected by remote")

	// ErrMalformedResponse is returned when a success body is not valid JSON.
	ErrMalformedResponse = errors.New("malformed response body")
)

// FetchError represents a failed attempt with additional context.
type FetchError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}
