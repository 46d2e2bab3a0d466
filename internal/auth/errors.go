package auth

import "errors"

// Store level errors.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Authentication and authorization outcomes.
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrNoSuchUser          = errors.New("auth: no such user")
	ErrEmailNotVerified    = errors.New("auth: email not verified")
	ErrTwoFactorRequired   = errors.New("auth: two-factor code required")
	ErrNoActiveCode        = errors.New("auth: no active two-factor code")
	ErrInvalidCode         = errors.New("auth: invalid two-factor code")
	ErrCodeExpired         = errors.New("auth: two-factor code expired")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrTokenInvalid        = errors.New("auth: token invalid")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrServerMisconfigured = errors.New("auth: server misconfigured")
	ErrUserNotFound        = errors.New("auth: user not found")
)
