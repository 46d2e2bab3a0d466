package auth

import "context"

// Mailer delivers emailed tokens. Transport is up to the implementation.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, token string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
	SendTwoFactorCode(ctx context.Context, to, code string) error
}
