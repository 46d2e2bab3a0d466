package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gymdesk.org/internal/ids"
)

// DefaultTwoFactorTTL is the lifetime of an emailed two-factor code.
const DefaultTwoFactorTTL = 5 * time.Minute

// MaxCodeAttempts is how many wrong submissions a code survives. The next
// wrong one deletes it and a new login must request a fresh code.
const MaxCodeAttempts = 5

// ChallengeState tracks a login attempt through the two-factor flow.
type ChallengeState int

const (
	ChallengeNotRequired ChallengeState = iota
	ChallengeRequired
	ChallengeCodeSent
	ChallengeVerified
	ChallengeExpired
	ChallengeInvalid
)

func (s ChallengeState) String() string {
	switch s {
	case ChallengeNotRequired:
		return "NOT_REQUIRED"
	case ChallengeRequired:
		return "REQUIRED"
	case ChallengeCodeSent:
		return "CODE_SENT"
	case ChallengeVerified:
		return "VERIFIED"
	case ChallengeExpired:
		return "EXPIRED"
	case ChallengeInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// TwoFactorChallenge issues and validates emailed one-time codes.
type TwoFactorChallenge struct {
	store  Store
	codes  TwoFactorTokenStore
	mailer Mailer
	ttl    time.Duration
	now    func() time.Time
	gen    func() (string, error)

	maxAttempts int
}

// NewTwoFactorChallenge wires a challenge. codes may be nil, in which case
// codes are kept in store.
func NewTwoFactorChallenge(store Store, codes TwoFactorTokenStore, mailer Mailer, ttl time.Duration, now func() time.Time) *TwoFactorChallenge {
	if ttl <= 0 {
		ttl = DefaultTwoFactorTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TwoFactorChallenge{
		store:  store,
		codes:  codes,
		mailer: mailer,
		ttl:    ttl,
		now:    now,
		gen:    generateCode,

		maxAttempts: MaxCodeAttempts,
	}
}

func (c *TwoFactorChallenge) tokens(ctx context.Context) TwoFactorTokenStore {
	if c.codes != nil {
		return c.codes
	}
	return c.store.TwoFactorTokens(ctx)
}

// Issue replaces any live code for email with a new one and emails it.
// Only the most recently issued code validates.
func (c *TwoFactorChallenge) Issue(ctx context.Context, email string) (*TwoFactorToken, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	code, err := c.gen()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	tok := &TwoFactorToken{
		ID:      ids.New(),
		Email:   email,
		Code:    code,
		Expires: c.now().Add(c.ttl),
	}
	if err := c.tokens(ctx).Replace(ctx, tok); err != nil {
		return nil, fmt.Errorf("store two-factor token: %w", err)
	}
	if err := c.mailer.SendTwoFactorCode(ctx, email, code); err != nil {
		return nil, fmt.Errorf("send two-factor code: %w", err)
	}
	return tok, nil
}

// Validate checks code for email. On success the code is consumed and the
// user's two-factor confirmation is recreated.
func (c *TwoFactorChallenge) Validate(ctx context.Context, userID, email, code string) (ChallengeState, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)
	store := c.tokens(ctx)

	tok, err := store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ChallengeInvalid, ErrNoActiveCode
		}
		return ChallengeInvalid, fmt.Errorf("find two-factor token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(tok.Code), []byte(code)) != 1 {
		failures, err := store.RecordFailure(ctx, tok)
		if err != nil {
			return ChallengeInvalid, fmt.Errorf("record failed two-factor attempt: %w", err)
		}
		if failures >= c.maxAttempts {
			if _, err := store.Consume(ctx, tok); err != nil {
				return ChallengeInvalid, fmt.Errorf("revoke two-factor token: %w", err)
			}
		}
		return ChallengeInvalid, ErrInvalidCode
	}
	if !c.now().Before(tok.Expires) {
		if _, err := store.Consume(ctx, tok); err != nil {
			return ChallengeExpired, fmt.Errorf("delete expired two-factor token: %w", err)
		}
		return ChallengeExpired, ErrCodeExpired
	}

	consumed, err := store.Consume(ctx, tok)
	if err != nil {
		return ChallengeInvalid, fmt.Errorf("consume two-factor token: %w", err)
	}
	if !consumed {
		// Another request used or replaced this code first.
		return ChallengeInvalid, ErrNoActiveCode
	}

	if _, err := c.store.TwoFactorConfirmations(ctx).Replace(ctx, userID); err != nil {
		return ChallengeInvalid, fmt.Errorf("store two-factor confirmation: %w", err)
	}
	return ChallengeVerified, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100_000), nil
}
