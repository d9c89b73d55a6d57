package app

import "errors"

var (
	// ErrMissingCredential means the client presented no bearer credential
	// at connect time.
	ErrMissingCredential = errors.New("missing access token")
	// ErrInvalidCredential means the presented credential failed signature
	// or expiry verification.
	ErrInvalidCredential = errors.New("invalid or expired access token")
)
