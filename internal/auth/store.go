package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	TwoFactorTokens(ctx context.Context) TwoFactorTokenStore
	TwoFactorConfirmations(ctx context.Context) TwoFactorConfirmationStore
	EmailTokens(ctx context.Context, purpose TokenPurpose) EmailTokenStore
}

// UserStore loads users together with their roles and permissions.
type UserStore interface {
	// FindByEmail returns ErrNotFound when no user has email.
	FindByEmail(ctx context.Context, email string) (*User, error)
	// Find returns ErrNotFound when the user does not exist.
	Find(ctx context.Context, id string) (*User, error)
	// Create stores u and grants roleNames in one step. It returns
	// ErrConflict if the email is taken and ErrNotFound if a role is
	// unknown; either way no user is stored.
	Create(ctx context.Context, u *User, roleNames ...string) error
	AssignRole(ctx context.Context, userID, roleName string) error
	MarkEmailVerified(ctx context.Context, userID, email string, at time.Time) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// TwoFactorTokenStore keeps at most one live code per email.
type TwoFactorTokenStore interface {
	// Replace deletes any token for tok.Email and stores tok, atomically
	// with respect to other Replace calls for the same email.
	Replace(ctx context.Context, tok *TwoFactorToken) error
	// FindByEmail returns ErrNotFound when no token exists.
	FindByEmail(ctx context.Context, email string) (*TwoFactorToken, error)
	// Consume deletes tok if it is still the stored token and reports
	// whether this call removed it.
	Consume(ctx context.Context, tok *TwoFactorToken) (bool, error)
	// RecordFailure counts one wrong submission against tok and returns the
	// total for tok so far.
	RecordFailure(ctx context.Context, tok *TwoFactorToken) (int, error)
}

// TwoFactorConfirmationStore keeps at most one confirmation per user.
type TwoFactorConfirmationStore interface {
	Replace(ctx context.Context, userID string) (*TwoFactorConfirmation, error)
	FindByUser(ctx context.Context, userID string) (*TwoFactorConfirmation, error)
	Delete(ctx context.Context, userID string) error
}

// EmailTokenStore keeps at most one live link token per email.
type EmailTokenStore interface {
	Replace(ctx context.Context, tok *EmailToken) error
	// FindByToken returns ErrNotFound for unknown tokens.
	FindByToken(ctx context.Context, token string) (*EmailToken, error)
	Delete(ctx context.Context, id string) error
}

// RefreshReuseDetector remembers consumed refresh token ids.
type RefreshReuseDetector interface {
	// MarkUsed records jti as consumed until expiresAt. It reports false if
	// jti had already been consumed.
	MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}
