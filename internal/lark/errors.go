package lark

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by sink operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, lark.ErrRateLimited) {
//	    // Back off and retry later
//	}
var (
	// ErrTokenUnavailable is returned when a tenant access token could
	// not be obtained, typically due to bad app credentials.
	ErrTokenUnavailable = errors.New("tenant access token unavailable")

	// ErrRateLimited is returned when the API rejects a call for
	// exceeding the request frequency limit.
	ErrRateLimited = errors.New("rate limited by sink API")

	// ErrWikiNodeNotFound is returned when a wiki token does not
	// resolve to a node.
	ErrWikiNodeNotFound = errors.New("wiki node not found")

	// ErrBatchTooLarge is returned when a single batch call exceeds the
	// documented 500-row cap.
	ErrBatchTooLarge = errors.New("batch exceeds 500 rows")
)

// rateLimitCode is the API-level code for frequency limiting; it can
// arrive under HTTP 200 or 400.
const rateLimitCode = 99991400

// APIError is a sink response that did not satisfy the success
// convention (HTTP 200 and body code 0).
type APIError struct {
	// HTTPStatus is the transport-level status code.
	HTTPStatus int

	// Code is the body-level error code, 0 if the body was unreadable.
	Code int

	// Msg is the body-level error message.
	Msg string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("sink API error %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("sink API returned HTTP %d: %s", e.HTTPStatus, e.Msg)
}

// Is lets callers match rate-limit responses with errors.Is.
func (e *APIError) Is(target error) bool {
	if target == ErrRateLimited {
		return e.Code == rateLimitCode || e.HTTPStatus == http.StatusTooManyRequests
	}
	return false
}

// IsTransient returns true if the error is likely to succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits clear once the window rolls over
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	if IsAuth(err) {
		return false
	}
	if errors.Is(err, ErrWikiNodeNotFound) || errors.Is(err, ErrBatchTooLarge) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ae *APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatus >= 500
	}

	// Anything that never produced an API response is a transport
	// failure and worth another attempt
	return true
}

// IsAuth returns true if the error indicates bad or expired credentials
// that a retry cannot fix.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTokenUnavailable) {
		return true
	}

	var ae *APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatus == http.StatusUnauthorized || ae.HTTPStatus == http.StatusForbidden
	}

	return false
}
