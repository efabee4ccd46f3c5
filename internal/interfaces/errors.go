package interfaces

import (
	"errors"
	"fmt"
)

// Pipeline error kinds. Wrap them with %w and test with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrContentRejected = errors.New("content rejected by safety check")
	ErrPersistence     = errors.New("persistence failure")
	ErrOracle          = errors.New("generation failed")
	ErrNotFound        = errors.New("not found")
	ErrPageConflict    = errors.New("page already written")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ErrorCode is the stable machine-readable name of an error kind.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrContentRejected):
		return "content_rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPageConflict):
		return "page_conflict"
	case errors.Is(err, ErrOracle):
		return "oracle_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "internal_error"
	}
}
