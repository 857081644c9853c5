// Package aerrors holds the analyzer error sentinels and retryability
// classification in a leaf package so that provider implementations can
// use them without importing the analyzer factory package (which imports
// the providers).
package aerrors

import (
	"context"
	"errors"
)

var (
	// Retryable: the model service may recover.
	ErrUnavailable      = errors.New("analyzer unavailable")
	ErrInferenceTimeout = errors.New("analyzer inference timeout")

	// Permanent: retrying the same image cannot succeed.
	ErrImageUnreadable = errors.New("image unreadable")
	ErrInvalidResponse = errors.New("analyzer returned invalid response")
)

// IsRetryable reports whether err is worth another attempt on the same image.
// Unknown errors are treated as retryable so that transient faults we did not
// anticipate are not promoted to permanent per-image failures.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrImageUnreadable), errors.Is(err, ErrInvalidResponse):
		return false
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrInferenceTimeout):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return true
	}
}
