package client

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Kind is the classification of one fetch attempt.
type Kind int

const (
	// Success carries the payload; the task ends.
	Success Kind = iota
	// RetryableFailure covers network trouble, unexpected statuses and bad bodies.
	RetryableFailure
	// AuthExpired means the session was rejected; the next attempt needs a refresh.
	AuthExpired
	// FatalFailure means the remote explicitly denied or omitted the resource.
	FatalFailure
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case AuthExpired:
		return "auth_expired"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorClass represents a classification of failed responses.
type ErrorClass string

const (
	// ErrorClassAuth represents 401/403 session rejections.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and local rate limit waits.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents success statuses with unusable bodies.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassBusiness represents NOT_FOUND / Forbidden documents.
	ErrorClassBusiness ErrorClass = "business"
)

// Result is the outcome of one fetch attempt.
type Result struct {
	Kind       Kind
	StatusCode int
	Payload    []byte
	Err        error
}

// businessStatus is the envelope the API uses to report document-level errors
// inside a 200 response.
type businessStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// maxMessageLen bounds how much of a rejected body ends up in error messages.
const maxMessageLen = 512

// Classify maps a status code and body to a Result. It performs no I/O.
func Classify(status int, body []byte) Result {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Result{
			Kind:       AuthExpired,
			StatusCode: status,
			Err: &FetchError{
				StatusCode: status,
				ErrorClass: ErrorClassAuth,
				Message:    http.StatusText(status),
				Err:        ErrAuthExpired,
			},
		}
	case status < 200 || status >= 300:
		return Result{
			Kind:       RetryableFailure,
			StatusCode: status,
			Err: &FetchError{
				StatusCode: status,
				ErrorClass: classifyStatus(status),
				Message:    "non-success status " + http.StatusText(status),
				Err:        ErrTransientNetwork,
			},
		}
	}

	if !json.Valid(body) {
		return Result{
			Kind:       RetryableFailure,
			StatusCode: status,
			Err: &FetchError{
				StatusCode: status,
				ErrorClass: ErrorClassMalformed,
				Message:    truncate(string(body)),
				Err:        ErrMalformedResponse,
			},
		}
	}

	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return Result{
			Kind:       RetryableFailure,
			StatusCode: status,
			Err: &FetchError{
				StatusCode: status,
				ErrorClass: ErrorClassMalformed,
				Message:    "empty document",
				Err:        ErrMalformedResponse,
			},
		}
	}

	// Array bodies do not fit the envelope and are never business errors.
	var env businessStatus
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Status == "NOT_FOUND" || env.Message == "Forbidden" {
			return Result{
				Kind:       FatalFailure,
				StatusCode: status,
				Err: &FetchError{
					StatusCode: status,
					ErrorClass: ErrorClassBusiness,
					Message:    truncate(string(body)),
					Err:        ErrBusinessRejection,
				},
			}
		}
	}

	return Result{Kind: Success, StatusCode: status, Payload: body}
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
