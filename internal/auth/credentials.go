package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Verification is the outcome of a credential check. PendingVerification is
// set when the password matched but the email address is still unverified;
// a fresh verification email has then been sent.
type Verification struct {
	User                *User
	PendingVerification bool
}

// CredentialVerifier checks an email/password pair against the store.
type CredentialVerifier struct {
	store  Store
	hasher Hasher
	links  *LinkTokens
	mailer Mailer

	dummyOnce sync.Once
	dummyHash string
}

// NewCredentialVerifier wires a verifier.
func NewCredentialVerifier(store Store, hasher Hasher, links *LinkTokens, mailer Mailer) *CredentialVerifier {
	return &CredentialVerifier{store: store, hasher: hasher, links: links, mailer: mailer}
}

// Verify looks up email and compares password.
//
// ErrNoSuchUser is returned for unknown emails and for accounts without a
// password; ErrInvalidCredentials on mismatch. An unverified email is not
// an error: the result has PendingVerification set.
func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (Verification, error) {
	email = NormalizeEmail(email)
	user, err := v.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			v.burnCompare(password)
			return Verification{}, ErrNoSuchUser
		}
		return Verification{}, fmt.Errorf("find user: %w", err)
	}
	if user.PasswordHash == "" {
		v.burnCompare(password)
		return Verification{}, ErrNoSuchUser
	}
	if !Verify(v.hasher, user.PasswordHash, password) {
		return Verification{}, ErrInvalidCredentials
	}
	if user.EmailVerified == nil {
		if err := v.sendVerification(ctx, user.Email); err != nil {
			return Verification{}, err
		}
		return Verification{User: user, PendingVerification: true}, nil
	}
	return Verification{User: user}, nil
}

func (v *CredentialVerifier) sendVerification(ctx context.Context, email string) error {
	tok, err := v.links.Issue(ctx, PurposeVerification, email)
	if err != nil {
		return err
	}
	if err := v.mailer.SendVerificationEmail(ctx, tok.Email, tok.Token); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// burnCompare spends one hash comparison so unknown emails take as long as
// known ones.
func (v *CredentialVerifier) burnCompare(password string) {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = v.hasher.Hash("gymdesk-dummy-password")
	})
	if v.dummyHash != "" {
		_ = v.hasher.Compare(v.dummyHash, password)
	}
}
