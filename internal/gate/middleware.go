package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/obs"
	"gymdesk.org/internal/session"
)

// Authenticator verifies access tokens and exchanges refresh tokens.
// *auth.Service satisfies it.
type Authenticator interface {
	Authenticate(token string) (*auth.AccessClaims, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, *auth.User, error)
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middleware)

// WithSecureCookies sets the Secure attribute on refreshed cookies.
func WithSecureCookies(secure bool) MiddlewareOption {
	return func(m *middleware) { m.secure = secure }
}

// WithLogger sets the logger for gate events.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) {
		if l != nil {
			m.logger = l
		}
	}
}

type middleware struct {
	gate   *Gate
	authn  Authenticator
	secure bool
	logger *slog.Logger
}

// Middleware resolves the caller's session and applies Decide. Allowed
// requests carry verified claims in their context. An expired access token
// is renewed from the refresh cookie when possible; a token with a bad
// signature never is.
func (g *Gate) Middleware(authn Authenticator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{gate: g, authn: authn, logger: obs.Logger()}
	for _, opt := range opts {
		opt(m)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, token := m.resolve(w, r)

			d := g.Decide(r.URL.Path, r.URL.RawQuery, claims)
			obs.ObserveGate(d.Action.String())
			if d.Action == Redirect {
				http.Redirect(w, r, d.Location, http.StatusTemporaryRedirect)
				return
			}
			if claims != nil {
				ctx := auth.ContextWithClaims(r.Context(), claims)
				ctx = auth.ContextWithToken(ctx, token)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *middleware) resolve(w http.ResponseWriter, r *http.Request) (*auth.AccessClaims, string) {
	token := session.AccessToken(r)
	if token == "" {
		return nil, ""
	}
	claims, err := m.authn.Authenticate(token)
	if err == nil {
		return claims, token
	}

	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		if m.gate.isAPIAuth(r.URL.Path) {
			return nil, ""
		}
		refresh := session.RefreshToken(r)
		if refresh == "" {
			return nil, ""
		}
		pair, _, rerr := m.authn.Refresh(r.Context(), refresh)
		if rerr != nil {
			obs.ObserveRefresh("gate_failed")
			m.logger.DebugContext(r.Context(), "gate.refresh_failed", "error", rerr)
			session.Clear(w, m.secure)
			return nil, ""
		}
		obs.ObserveRefresh("gate")
		session.SetTokens(w, pair, m.secure)
		return pair.Access, pair.AccessToken
	case errors.Is(err, auth.ErrServerMisconfigured):
		m.logger.ErrorContext(r.Context(), "gate.misconfigured", "error", err)
		return nil, ""
	default:
		m.logger.WarnContext(r.Context(), "gate.invalid_token", "path", r.URL.Path)
		return nil, ""
	}
}

func (g *Gate) isAPIAuth(path string) bool {
	return g.cfg.APIAuthPrefix != "" && hasPathPrefix(cleanPath(path), cleanPath(g.cfg.APIAuthPrefix))
}
