package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gymdesk.org/internal/audit"
	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/obs"
	"gymdesk.org/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type checkRolesRequest struct {
	RequiredRoles []string `json:"requiredRoles"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type newPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type userView struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Email              string           `json:"email"`
	IsTwoFactorEnabled bool             `json:"isTwoFactorEnabled"`
	Roles              []auth.RoleClaim `json:"roles"`
}

type sessionResponse struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refreshToken"`
	User         userView `json:"user"`
	ExpiresIn    int64    `json:"expiresIn"`
}

type twoFactorResponse struct {
	TwoFactor bool   `json:"twoFactor"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type successResponse struct {
	Success string `json:"success"`
}

func newSessionResponse(pair auth.TokenPair, u *auth.User) sessionResponse {
	view := userView{Roles: []auth.RoleClaim{}}
	if pair.Access != nil {
		view.ID = pair.Access.UserID
		view.Name = pair.Access.Name
		view.Email = pair.Access.Email
		view.Roles = pair.Access.Roles
	}
	if u != nil {
		view.IsTwoFactorEnabled = u.IsTwoFactorEnabled
	}
	return sessionResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         view,
		ExpiresIn:    pair.ExpiresIn,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.invalidBody(w, r, err)
		return
	}

	res, err := a.svc.Login(r.Context(), auth.LoginInput{Email: req.Email, Password: req.Password, Code: req.Code})
	if err != nil {
		obs.ObserveLogin(loginOutcome(err))
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{"reason": loginOutcome(err)})
		a.handleAuthError(w, r, err)
		return
	}

	switch res.Outcome {
	case auth.LoginVerificationPending:
		obs.ObserveLogin("verification_pending")
		writeJSON(w, http.StatusOK, successResponse{Success: "Confirmation email sent!"})
	case auth.LoginTwoFactorPending:
		obs.ObserveLogin("two_factor_pending")
		obs.ObserveTwoFactorIssued()
		writeJSON(w, http.StatusOK, twoFactorResponse{TwoFactor: true, Email: res.Email, Password: res.Password})
	default:
		obs.ObserveLogin("success")
		ctx := auth.ContextWithClaims(r.Context(), res.Tokens.Access)
		_ = audit.LogEvent(ctx, "auth.login.success", map[string]any{"two_factor": res.Challenge.String()})
		session.SetTokens(w, res.Tokens, a.secureCookies)
		writeJSON(w, http.StatusOK, newSessionResponse(res.Tokens, res.User))
	}
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, auth.ErrNoSuchUser), errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrNoActiveCode):
		return "invalid_code"
	case errors.Is(err, auth.ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, auth.ErrServerMisconfigured):
		return "misconfigured"
	default:
		return "error"
	}
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req, true); err != nil {
		a.invalidBody(w, r, err)
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		token = session.RefreshToken(r)
	}
	if token == "" {
		obs.ObserveRefresh("missing")
		writeError(w, r, http.StatusUnauthorized, "Refresh token required")
		return
	}

	pair, user, err := a.svc.Refresh(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			obs.ObserveRefresh("expired")
			writeError(w, r, http.StatusUnauthorized, "Refresh token expired")
		case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrUserNotFound):
			obs.ObserveRefresh("invalid")
			writeError(w, r, http.StatusUnauthorized, "Invalid refresh token")
		default:
			obs.ObserveRefresh("error")
			a.handleAuthError(w, r, err)
		}
		return
	}
	obs.ObserveRefresh("success")
	session.SetTokens(w, pair, a.secureCookies)
	writeJSON(w, http.StatusOK, newSessionResponse(pair, user))
}

func (a *API) handleCheckRoles(w http.ResponseWriter, r *http.Request) {
	var req checkRolesRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.invalidBody(w, r, err)
		return
	}
	claims, ok := a.claims(r)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"authorized": false})
		return
	}
	authorized := a.svc.Evaluator().HasAnyRole(claims.Roles, req.RequiredRoles)
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": authorized})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.invalidBody(w, r, err)
		return
	}
	u, err := a.svc.Register(r.Context(), auth.RegisterInput{Name: req.Name, Email: req.Email, Password: req.Password})
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, r, http.StatusBadRequest, "Email already in use!")
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{"user_id": u.ID})
	writeJSON(w, http.StatusOK, successResponse{Success: "Confirmation email sent!"})
}

func (a *API) handleNewVerification(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.invalidBody(w, r, err)
		return
	}
	if err := a.svc.ConfirmEmail(r.Context(), req.Token); err != nil {
		a.handleLinkTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: "Email verified!"})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.invalidBody(w, r, err)
		return
	}
	if err := a.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, r, http.StatusBadRequest, "Email not found!")
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: "Reset email sent!"})
}

func (a *API) handleNewPassword(w http.ResponseWriter, r *http.Request) {
	var req newPasswordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.invalidBody(w, r, err)
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		a.handleLinkTokenError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.reset", nil)
	writeJSON(w, http.StatusOK, successResponse{Success: "Password updated!"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	session.Clear(w, a.secureCookies)
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, successResponse{Success: "Logged out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.claims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": userView{
			ID:    claims.UserID,
			Name:  claims.Name,
			Email: claims.Email,
			Roles: claims.Roles,
		},
	})
}

// claims returns the session verified by the gate, or verifies the request
// token itself when the handler is mounted without the gate.
func (a *API) claims(r *http.Request) (*auth.AccessClaims, bool) {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c, true
	}
	token := session.AccessToken(r)
	if token == "" {
		return nil, false
	}
	c, err := a.svc.Authenticate(token)
	if err != nil {
		return nil, false
	}
	return c, true
}

func (a *API) invalidBody(w http.ResponseWriter, r *http.Request, err error) {
	if bodyTooLarge(err) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, "Invalid fields!")
}

func (a *API) handleLinkTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusBadRequest, "Token does not exist!")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusBadRequest, "Token has expired!")
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, r, http.StatusBadRequest, "Email does not exist!")
	default:
		a.handleAuthError(w, r, err)
	}
}

// handleAuthError maps auth errors to responses. Unknown errors are logged
// and hidden behind a generic message.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "Invalid fields!")
	case errors.Is(err, auth.ErrNoSuchUser), errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusBadRequest, "Invalid credentials!")
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrNoActiveCode):
		writeError(w, r, http.StatusBadRequest, "Invalid code!")
	case errors.Is(err, auth.ErrCodeExpired):
		writeError(w, r, http.StatusBadRequest, "Code expired!")
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, auth.ErrServerMisconfigured):
		a.logger.ErrorContext(r.Context(), "auth.misconfigured", "error", err)
		writeError(w, r, http.StatusInternalServerError, "Server configuration error")
	default:
		a.logger.ErrorContext(r.Context(), "internal_error", "error", err, "path", r.URL.Path)
		writeError(w, r, http.StatusInternalServerError, "Internal error")
	}
}
