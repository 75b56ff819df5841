package engine

import (
	"errors"

	"stash/internal/classify"
	"stash/internal/cryptox"
	"stash/internal/storage"
)

// Validation failures. These are rejected before any storage mutation.
var (
	ErrEmptyUpload = errors.New("upload is empty")
	ErrTooLarge    = errors.New("upload exceeds the configured size limit")
)

// Re-exported so callers can dispatch on engine errors without importing
// every internal package.
var (
	ErrUnsupportedMediaType = classify.ErrUnsupportedMediaType
	ErrUnknownMediaType     = classify.ErrUnknownMediaType
	ErrDecryptionFailed     = cryptox.ErrDecryptionFailed
	ErrNotFound             = storage.ErrNotFound
)

// IsValidation reports whether err is a pre-storage validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyUpload) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrUnsupportedMediaType) ||
		errors.Is(err, ErrUnknownMediaType)
}
