package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gymdesk.org/internal/ids"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn        int64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Access           *AccessClaims
}

// TokenManager signs and verifies access and refresh tokens. The two token
// kinds use distinct HS256 secrets so neither secret can forge the other
// kind.
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTTLs overrides token lifetimes. Non-positive values are ignored.
func WithTTLs(access, refresh time.Duration) TokenOption {
	return func(m *TokenManager) {
		if access > 0 {
			m.accessTTL = access
		}
		if refresh > 0 {
			m.refreshTTL = refresh
		}
	}
}

// WithIssuer sets the iss claim and requires it on verification.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) {
		m.issuer = strings.TrimSpace(issuer)
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewTokenManager builds a manager. Missing secrets are not an error here:
// the manager reports ErrServerMisconfigured from Configured and from every
// issue or verify call instead.
func NewTokenManager(accessSecret, refreshSecret string, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		accessSecret:  []byte(strings.TrimSpace(accessSecret)),
		refreshSecret: []byte(strings.TrimSpace(refreshSecret)),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configured reports whether both secrets are present.
func (m *TokenManager) Configured() error {
	if m == nil || len(m.accessSecret) == 0 || len(m.refreshSecret) == 0 {
		return ErrServerMisconfigured
	}
	return nil
}

// AccessTTL returns the access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration { return m.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

// IssueAccessToken signs an access token embedding a snapshot of roles.
func (m *TokenManager) IssueAccessToken(user *User, roles []RoleClaim) (string, *AccessClaims, error) {
	if err := m.Configured(); err != nil {
		return "", nil, err
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	claims := &AccessClaims{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}
	if claims.Roles == nil {
		claims.Roles = []RoleClaim{}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefreshToken signs a refresh token carrying identity only.
func (m *TokenManager) IssueRefreshToken(user *User) (string, *RefreshClaims, error) {
	if err := m.Configured(); err != nil {
		return "", nil, err
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	claims := &RefreshClaims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.NewOpaque(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.refreshSecret)
	if err != nil {
		return "", nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, claims, nil
}

// IssuePair mints a fresh access and refresh token for user.
func (m *TokenManager) IssuePair(user *User) (TokenPair, error) {
	if user == nil {
		return TokenPair{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	access, accessClaims, err := m.IssueAccessToken(user, SnapshotRoles(user.Roles))
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshClaims, err := m.IssueRefreshToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(m.accessTTL / time.Second),
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		Access:           accessClaims,
	}, nil
}

// VerifyAccessToken validates signature and expiry of an access token.
func (m *TokenManager) VerifyAccessToken(token string) (*AccessClaims, error) {
	if err := m.Configured(); err != nil {
		return nil, err
	}
	claims := &AccessClaims{}
	if err := m.parse(token, claims, m.accessSecret); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyRefreshToken validates signature and expiry of a refresh token.
func (m *TokenManager) VerifyRefreshToken(token string) (*RefreshClaims, error) {
	if err := m.Configured(); err != nil {
		return nil, err
	}
	claims := &RefreshClaims{}
	if err := m.parse(token, claims, m.refreshSecret); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *TokenManager) parse(token string, claims jwt.Claims, secret []byte) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}
	return nil
}
