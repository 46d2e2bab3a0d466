// Package session reads and writes the token cookies that carry a browser
// session.
package session

import (
	"net/http"
	"strings"
	"time"

	"gymdesk.org/internal/auth"
)

const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"

	// RefreshPath scopes the refresh cookie. The gate renews expired
	// sessions on page requests, so the cookie must reach every path.
	RefreshPath = "/"
)

// SetTokens writes both token cookies for pair. The access cookie lives as
// long as the refresh token so an expired access token still reaches the
// gate, which exchanges it using the refresh cookie.
func SetTokens(w http.ResponseWriter, pair auth.TokenPair, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(time.Until(pair.RefreshExpiresAt).Seconds()),
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    pair.RefreshToken,
		Path:     RefreshPath,
		MaxAge:   int(time.Until(pair.RefreshExpiresAt).Seconds()),
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear expires both token cookies.
func Clear(w http.ResponseWriter, secure bool) {
	for _, c := range []struct{ name, path string }{{AccessCookie, "/"}, {RefreshCookie, RefreshPath}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// AccessToken returns the bearer token if present, else the access cookie.
func AccessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(AccessCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// RefreshToken returns the refresh cookie value.
func RefreshToken(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
