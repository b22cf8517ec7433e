package pipeerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline error taxonomy. Callers classify
// failures with errors.Is so that batch processing can distinguish
// per-item skips from stage-fatal conditions.
var (
	// ErrNotFound indicates a missing identity mapping, file or directory.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity indicates a checksum mismatch on a transferred artifact.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrAmbiguousClassification indicates zero or multiple template matches.
	ErrAmbiguousClassification = errors.New("ambiguous template classification")

	// ErrTransient indicates a retryable network failure.
	ErrTransient = errors.New("transient network error")

	// ErrAuthentication indicates a rejected credential. The transfer client
	// attempts exactly one token refresh before treating it as fatal.
	ErrAuthentication = errors.New("authentication failed")

	// ErrMalformedInput indicates an unparsable imaging file. Such files are
	// skipped, never fatal to the batch.
	ErrMalformedInput = errors.New("malformed imaging file")
)

// NotFound wraps ErrNotFound with context.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Integrity wraps ErrIntegrity with context.
func Integrity(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrIntegrity)
}

// Transient wraps ErrTransient with context.
func Transient(err error) error {
	return fmt.Errorf("%v: %w", err, ErrTransient)
}

// IsRetryable reports whether an error should be retried by the
// transfer client's bounded retry loop.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
