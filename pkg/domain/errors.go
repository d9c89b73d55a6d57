package domain

import "errors"

// Sentinel errors matching the wire error taxonomy. Transport layers map
// these to the client-visible {code, message} shape with errors.Is.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRateLimited    = errors.New("rate limited")
	ErrSenderMismatch = errors.New("id already used by a different sender or conversation")
)

// Code returns the machine-readable taxonomy code for a sentinel error,
// falling back to INTERNAL for anything unrecognized.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrSenderMismatch):
		return "FORBIDDEN"
	case errors.Is(err, ErrInvalidMessage):
		return "INVALID_MESSAGE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}
