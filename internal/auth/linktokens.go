package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gymdesk.org/internal/ids"
)

// DefaultLinkTokenTTL is the lifetime of verification and reset tokens.
const DefaultLinkTokenTTL = time.Hour

// LinkTokens issues and resolves emailed verification and password reset
// tokens.
type LinkTokens struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewLinkTokens builds a LinkTokens over store.
func NewLinkTokens(store Store, ttl time.Duration, now func() time.Time) *LinkTokens {
	if ttl <= 0 {
		ttl = DefaultLinkTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &LinkTokens{store: store, ttl: ttl, now: now}
}

// Issue replaces any live token of purpose for email with a new one.
func (l *LinkTokens) Issue(ctx context.Context, purpose TokenPurpose, email string) (*EmailToken, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	tok := &EmailToken{
		ID:      ids.New(),
		Email:   email,
		Token:   ids.NewOpaque(),
		Expires: l.now().Add(l.ttl),
	}
	if err := l.store.EmailTokens(ctx, purpose).Replace(ctx, tok); err != nil {
		return nil, fmt.Errorf("store %s token: %w", purpose, err)
	}
	return tok, nil
}

// Lookup resolves a token. Unknown tokens yield ErrNotFound; expired ones
// are deleted and yield ErrTokenExpired.
func (l *LinkTokens) Lookup(ctx context.Context, purpose TokenPurpose, token string) (*EmailToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	store := l.store.EmailTokens(ctx, purpose)
	tok, err := store.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok.Expired(l.now()) {
		if err := store.Delete(ctx, tok.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, ErrTokenExpired
	}
	return tok, nil
}

// Consume deletes a token after use.
func (l *LinkTokens) Consume(ctx context.Context, purpose TokenPurpose, tok *EmailToken) error {
	err := l.store.EmailTokens(ctx, purpose).Delete(ctx, tok.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
