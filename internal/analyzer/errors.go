package analyzer

import (
	"github.com/aurahealth/retina-batch/internal/analyzer/aerrors"
)

// The sentinels live in the aerrors leaf package so providers can import
// them without creating a cycle with this package; these aliases preserve
// the analyzer.ErrX API and errors.Is identity.
var (
	// Retryable: the model service may recover.
	ErrUnavailable      = aerrors.ErrUnavailable
	ErrInferenceTimeout = aerrors.ErrInferenceTimeout

	// Permanent: retrying the same image cannot succeed.
	ErrImageUnreadable = aerrors.ErrImageUnreadable
	ErrInvalidResponse = aerrors.ErrInvalidResponse
)

// IsRetryable reports whether err is worth another attempt on the same image.
// Unknown errors are treated as retryable so that transient faults we did not
// anticipate are not promoted to permanent per-image failures.
func IsRetryable(err error) bool {
	return aerrors.IsRetryable(err)
}
