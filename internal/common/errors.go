// Package common defines shared constants and sentinel errors used across
// the PHI protection layers. Callers should use errors.Is to match these
// values; components wrap them with context via fmt.Errorf("...: %w").
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Session lifecycle errors.
	ErrSessionExpired = errors.New("session expired")
	ErrAccountLocked  = errors.New("account locked")
	ErrRateLimited    = errors.New("too many attempts")

	// ErrMFAVerification is soft: callers treat it as a failed login, never a fault.
	ErrMFAVerification = errors.New("mfa verification failed")

	// Cipher and file errors.
	ErrDecryption = errors.New("decryption failed")
	ErrFileIO     = errors.New("file i/o error")
	ErrInvalidKey = errors.New("invalid encryption key")
	ErrMissingKey = errors.New("encryption key not configured")

	// Audit and retention errors.
	ErrAuditWrite          = errors.New("audit write failed")
	ErrRetentionSweep      = errors.New("retention sweep failed")
	ErrRetentionAlreadySet = errors.New("retention date already set")
	ErrEraseFailed         = errors.New("secure erase failed")

	// ErrPHIUnavailable is the only error surfaced to end users when protected
	// data cannot be returned, whatever the underlying cause.
	ErrPHIUnavailable = errors.New("record unavailable")
)
