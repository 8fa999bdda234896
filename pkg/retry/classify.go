// Package retry provides error classification and bounded exponential
// backoff for transient failures. Retries apply only to classifier-marked
// transient errors; everything else fails fast.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classification is the retry decision for an error.
type Classification struct {
	Retryable bool
	Fatal     bool
}

// HTTPStatusCarrier is implemented by provider errors that carry an HTTP
// status code (e.g. LLM transport errors).
type HTTPStatusCarrier interface {
	error
	HTTPStatus() int
}

// FatalMarker is implemented by error types that must never be retried
// regardless of their message (validation, sandbox, not-found).
type FatalMarker interface {
	error
	Fatal() bool
}

// retryableStatuses are the HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// retryablePatterns are message fragments indicating transient failures.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporarily unavailable",
	"network",
}

// Classify maps an error to a retry decision.
//
// Retryable: HTTP status in {429, 500, 502, 503, 504}, or a network/timeout/
// rate-limit message pattern. Fatal: context cancellation, explicitly fatal
// error types, and anything unknown — unknown errors are not safe to retry.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	// Cancellation is never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Fatal: true}
	}

	var fatal FatalMarker
	if errors.As(err, &fatal) && fatal.Fatal() {
		return Classification{Fatal: true}
	}

	// Provider errors carrying an HTTP status: the status decides. An LLM
	// error without a retryable status is fatal even if its message happens
	// to match a transient pattern.
	var sc HTTPStatusCarrier
	if errors.As(err, &sc) {
		if retryableStatuses[sc.HTTPStatus()] {
			return Classification{Retryable: true}
		}
		if sc.HTTPStatus() != 0 {
			return Classification{Fatal: true}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return Classification{Retryable: true}
		}
	}

	return Classification{Fatal: true}
}
