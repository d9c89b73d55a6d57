package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not
	// match. Shown to end users; must not enable account enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	// ErrUserDisabled is returned when an account is disabled. Handlers
	// generally should not expose this directly to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrEmailRequired            = errors.New("email required")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrPasswordNotSet          = errors.New("password not set for this account")
	ErrNewPasswordRequired     = errors.New("new password required")
	ErrCurrentPasswordRequired = errors.New("current password required")

	// ErrRateLimited names the condition of a caller exceeding one of the
	// per-route fixed-window quotas (signup, login, refresh, password change).
	// The server's rate-limit wrapper writes its 429 response directly and
	// does not return this error.
	ErrRateLimited = errors.New("too many requests")
)
