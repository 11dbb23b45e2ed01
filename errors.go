package fileencryption

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/godaddy/asherah/go/fileencryption/pkg/crypt"
)

// Error kinds. Every error returned by this module that belongs to one of these kinds matches it with errors.Is.
var (
	// ErrDecryptionFailed is returned when a cipher operation rejects its input: wrong key, corrupt data or a
	// signature mismatch.
	ErrDecryptionFailed = crypt.ErrDecryptionFailed
	// ErrNotFound is returned when an expected key, file or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedOperation is returned for operations refused in the current state.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrValidationFailed is returned when a candidate key opens a file but a consistency check fails afterwards.
	ErrValidationFailed = errors.New("validation failed")
)

var (
	ErrSignatureMismatch     = crypt.ErrSignatureMismatch
	ErrLegacyFileKey         = errors.WithMessage(ErrDecryptionFailed, "file key is sealed in the legacy format")
	ErrMasterKeyIrreversible = errors.WithMessage(ErrUnsupportedOperation, "master key cannot be disabled once enabled")
	ErrPerUserDataPresent    = errors.WithMessage(ErrUnsupportedOperation, "files are already encrypted with per-user keys")
	ErrNotOwner              = errors.WithMessage(ErrUnsupportedOperation, "operation must run on the owner's copy")
	ErrNotReady              = errors.WithMessage(ErrUnsupportedOperation, "users are not ready for encryption")
)

// KeyUnavailableError is returned when the key of a file cannot be resolved while opening it. It matches
// ErrDecryptionFailed, and the cause (often ErrNotFound) is available through errors.Is and errors.Unwrap.
type KeyUnavailableError struct {
	Path string
	Err  error
}

func (e *KeyUnavailableError) Error() string {
	return fmt.Sprintf("key unavailable for %s: %v", e.Path, e.Err)
}

func (e *KeyUnavailableError) Unwrap() error {
	return e.Err
}

func (e *KeyUnavailableError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

func notFound(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}
