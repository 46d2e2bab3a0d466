package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gymdesk.org/internal/auth"
)

func TestSetTokensCookieAttributes(t *testing.T) {
	rec := httptest.NewRecorder()
	now := time.Now()
	SetTokens(rec, auth.TokenPair{
		AccessToken:      "a",
		RefreshToken:     "r",
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(7 * 24 * time.Hour),
	}, true)

	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(cookies))
	}
	access, refresh := cookies[0], cookies[1]
	if access.Name != AccessCookie || access.Path != "/" || !access.HttpOnly || !access.Secure || access.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected access cookie %+v", access)
	}
	// the access cookie outlives its token so the gate can refresh it
	if access.MaxAge < 7*24*3600-10 || access.MaxAge > 7*24*3600 {
		t.Fatalf("unexpected access max-age %d", access.MaxAge)
	}
	if refresh.Name != RefreshCookie || refresh.Path != "/" {
		t.Fatalf("unexpected refresh cookie %+v", refresh)
	}
}

func TestAccessTokenPrefersBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: "cookie"})
	if got := AccessToken(req); got != "cookie" {
		t.Fatalf("AccessToken = %q", got)
	}
	req.Header.Set("Authorization", "bearer header")
	if got := AccessToken(req); got != "header" {
		t.Fatalf("AccessToken = %q", got)
	}
}

func TestClearExpiresCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	Clear(rec, false)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie not expired: %+v", c)
		}
	}
}
