package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

// Service ties credential checks, two-factor challenges and token issuance
// together.
type Service struct {
	store       Store
	tokens      *TokenManager
	mailer      Mailer
	hasher      Hasher
	codes       TwoFactorTokenStore
	reuse       RefreshReuseDetector
	evaluator   Evaluator
	defaultRole string
	now         func() time.Time
	logger      *slog.Logger

	credentials *CredentialVerifier
	challenge   *TwoFactorChallenge
	links       *LinkTokens
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher overrides the password hasher (bcrypt at default cost otherwise).
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithTwoFactorStore keeps two-factor codes in codes instead of the main store.
func WithTwoFactorStore(codes TwoFactorTokenStore) ServiceOption {
	return func(s *Service) error {
		s.codes = codes
		return nil
	}
}

// WithRefreshReuseDetection rejects refresh tokens that were already
// exchanged once.
func WithRefreshReuseDetection(d RefreshReuseDetector) ServiceOption {
	return func(s *Service) error {
		s.reuse = d
		return nil
	}
}

// WithBypassRoles sets the roles that skip authorization checks.
func WithBypassRoles(b BypassRoles) ServiceOption {
	return func(s *Service) error {
		s.evaluator = NewEvaluator(b)
		return nil
	}
}

// WithDefaultRole sets the role assigned at registration. Empty disables it.
func WithDefaultRole(name string) ServiceOption {
	return func(s *Service) error {
		s.defaultRole = strings.TrimSpace(name)
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for audit-worthy events.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service. store, tokens and mailer are required.
func NewService(store Store, tokens *TokenManager, mailer Mailer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token manager is required")
	}
	if mailer == nil {
		return nil, errors.New("auth: mailer is required")
	}
	svc := &Service{
		store:     store,
		tokens:    tokens,
		mailer:    mailer,
		hasher:    NewBcryptHasher(0),
		evaluator: NewEvaluator(DefaultBypassRoles()),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.links = NewLinkTokens(store, DefaultLinkTokenTTL, svc.now)
	svc.credentials = NewCredentialVerifier(store, svc.hasher, svc.links, mailer)
	svc.challenge = NewTwoFactorChallenge(store, svc.codes, mailer, DefaultTwoFactorTTL, svc.now)
	return svc, nil
}

// Tokens exposes the token manager for request verification.
func (s *Service) Tokens() *TokenManager { return s.tokens }

// Evaluator exposes the configured permission evaluator.
func (s *Service) Evaluator() Evaluator { return s.evaluator }

// LoginOutcome says how far a login attempt got.
type LoginOutcome int

const (
	LoginComplete LoginOutcome = iota
	LoginTwoFactorPending
	LoginVerificationPending
)

// LoginInput is the submitted login form.
type LoginInput struct {
	Email    string
	Password string
	Code     string
}

// LoginResult carries tokens on LoginComplete. On LoginTwoFactorPending
// Email and Password echo the validated credentials so the client can
// resubmit them with the emailed code.
type LoginResult struct {
	Outcome   LoginOutcome
	Challenge ChallengeState
	User      *User
	Tokens    TokenPair
	Email     string
	Password  string
}

// Login authenticates a user.
//
// Secrets are checked before any lookup so a misconfigured server answers
// identically whether or not the email exists.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	if err := s.tokens.Configured(); err != nil {
		return LoginResult{}, err
	}
	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") || in.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	v, err := s.credentials.Verify(ctx, email, in.Password)
	if err != nil {
		return LoginResult{}, err
	}
	if v.PendingVerification {
		s.logger.InfoContext(ctx, "auth.login.verification_sent", "user_id", v.User.ID)
		return LoginResult{Outcome: LoginVerificationPending, User: v.User}, nil
	}
	user := v.User

	state := ChallengeNotRequired
	if user.IsTwoFactorEnabled {
		code := strings.TrimSpace(in.Code)
		if code == "" {
			if _, err := s.challenge.Issue(ctx, user.Email); err != nil {
				return LoginResult{}, err
			}
			s.logger.InfoContext(ctx, "auth.twofactor.issued", "user_id", user.ID)
			return LoginResult{
				Outcome:   LoginTwoFactorPending,
				Challenge: ChallengeCodeSent,
				User:      user,
				Email:     user.Email,
				Password:  in.Password,
			}, nil
		}
		state, err = s.challenge.Validate(ctx, user.ID, user.Email, code)
		if err != nil {
			return LoginResult{Challenge: state}, err
		}
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.InfoContext(ctx, "auth.login.success", "user_id", user.ID, "two_factor", state.String())
	return LoginResult{Outcome: LoginComplete, Challenge: state, User: user, Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair. Roles are
// re-read from the store, never taken from an earlier snapshot.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *User, error) {
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrUserNotFound
		}
		return TokenPair{}, nil, fmt.Errorf("find user: %w", err)
	}
	if s.reuse != nil {
		fresh, err := s.reuse.MarkUsed(ctx, claims.ID, claims.ExpiresAt.Time)
		if err != nil {
			return TokenPair{}, nil, fmt.Errorf("record refresh token use: %w", err)
		}
		if !fresh {
			s.logger.WarnContext(ctx, "auth.refresh.reuse_detected", "user_id", user.ID)
			return TokenPair{}, nil, ErrTokenInvalid
		}
	}
	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// Authenticate verifies an access token. It is the only way claims are read
// from a token anywhere in the service.
func (s *Service) Authenticate(token string) (*AccessClaims, error) {
	return s.tokens.VerifyAccessToken(token)
}

// Authorize evaluates req against verified claims and returns ErrForbidden
// on failure.
func (s *Service) Authorize(claims *AccessClaims, req Requirement) error {
	if claims == nil {
		return ErrTokenInvalid
	}
	if !s.evaluator.Evaluate(claims.Roles, req) {
		return ErrForbidden
	}
	return nil
}

// RegisterInput is the submitted registration form.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Register creates an unverified account and emails a verification link.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &User{Name: name, Email: email, PasswordHash: hash}
	var roles []string
	if s.defaultRole != "" {
		roles = append(roles, s.defaultRole)
	}
	if err := s.store.Users(ctx).Create(ctx, user, roles...); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: default role %q: %w", ErrServerMisconfigured, s.defaultRole, err)
		}
		return nil, err
	}
	if err := s.credentials.sendVerification(ctx, email); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "auth.register", "user_id", user.ID)
	return user, nil
}

// ConfirmEmail consumes a verification token and marks the address verified.
// The user's email is set to the token's email, which also covers address
// changes.
func (s *Service) ConfirmEmail(ctx context.Context, token string) error {
	tok, err := s.links.Lookup(ctx, PurposeVerification, token)
	if err != nil {
		return err
	}
	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, tok.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if err := users.MarkEmailVerified(ctx, user.ID, tok.Email, s.now().UTC()); err != nil {
		return err
	}
	return s.links.Consume(ctx, PurposeVerification, tok)
}

// RequestPasswordReset emails a reset link to a known address.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if _, err := s.store.Users(ctx).FindByEmail(ctx, email); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	tok, err := s.links.Issue(ctx, PurposePasswordReset, email)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordResetEmail(ctx, tok.Email, tok.Token); err != nil {
		return fmt.Errorf("send password reset email: %w", err)
	}
	return nil
}

// ResetPassword consumes a reset token and stores a new password hash.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	tok, err := s.links.Lookup(ctx, PurposePasswordReset, token)
	if err != nil {
		return err
	}
	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, tok.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	return s.links.Consume(ctx, PurposePasswordReset, tok)
}
