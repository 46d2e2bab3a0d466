package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/config"
	"gymdesk.org/internal/session"
)

func testGate() *Gate {
	return New(FromConfig(config.Default().Gate), auth.NewEvaluator(auth.DefaultBypassRoles()))
}

func claimsWith(roles ...auth.RoleClaim) *auth.AccessClaims {
	return &auth.AccessClaims{UserID: "u1", Roles: roles}
}

func TestDecide(t *testing.T) {
	g := testGate()
	member := claimsWith(auth.RoleClaim{Name: "MEMBER", Permissions: []auth.PermissionClaim{{Name: "READ", Type: auth.PermRead, Resource: "plans"}}})
	admin := claimsWith(auth.RoleClaim{Name: "ADMIN", Permissions: []auth.PermissionClaim{{Name: "MANAGE", Type: auth.PermManage, Resource: "roles"}}})
	super := claimsWith(auth.RoleClaim{Name: "SUPER_ADMIN"})

	cases := []struct {
		name     string
		path     string
		query    string
		claims   *auth.AccessClaims
		action   Action
		location string
	}{
		{"dashboard without session", "/dashboard", "", nil, Redirect, "/login?callbackUrl=%2Fdashboard"},
		{"callback keeps query", "/dashboard/plans", "page=2", nil, Redirect, "/login?callbackUrl=%2Fdashboard%2Fplans%3Fpage%3D2"},
		{"api auth always allowed", "/api/auth/refresh", "", nil, Allow, ""},
		{"login page without session", "/login", "", nil, Allow, ""},
		{"login page with session", "/login", "", member, Redirect, "/dashboard"},
		{"public page", "/plans", "", nil, Allow, ""},
		{"public root", "/", "", nil, Allow, ""},
		{"trailing slash is same route", "/about/", "", nil, Allow, ""},
		{"dashboard with session", "/dashboard", "", member, Allow, ""},
		{"permission granted", "/dashboard/plans", "", member, Allow, ""},
		{"permission missing", "/dashboard/athletes/42", "", member, Redirect, "/unauthorized"},
		{"role missing", "/dashboard/users", "", member, Redirect, "/unauthorized"},
		{"role and manage", "/dashboard/roles/new", "", admin, Allow, ""},
		{"prefix is segment aware", "/dashboard/usersettings", "", member, Allow, ""},
		{"super admin bypasses", "/dashboard/users", "", super, Allow, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Decide(tc.path, tc.query, tc.claims)
			if d.Action != tc.action || d.Location != tc.location {
				t.Fatalf("Decide = %+v, want %v %q", d, tc.action, tc.location)
			}
		})
	}
}

func TestLongestPrefixWins(t *testing.T) {
	g := New(Config{
		Rules: []Rule{
			{Prefix: "/dashboard", Requirement: auth.Requirement{AllowedRoles: []string{"STAFF"}}},
			{Prefix: "/dashboard/public-board"},
		},
	}, auth.NewEvaluator(auth.DefaultBypassRoles()))

	if d := g.Decide("/dashboard/public-board", "", claimsWith()); d.Action != Allow {
		t.Fatalf("expected more specific rule to apply, got %+v", d)
	}
	if d := g.Decide("/dashboard/other", "", claimsWith()); d.Action != Redirect {
		t.Fatalf("expected STAFF rule, got %+v", d)
	}
}

type stubAuthn struct {
	claims      *auth.AccessClaims
	err         error
	refreshed   auth.TokenPair
	refreshErr  error
	refreshCall int
}

func (s *stubAuthn) Authenticate(string) (*auth.AccessClaims, error) { return s.claims, s.err }

func (s *stubAuthn) Refresh(context.Context, string) (auth.TokenPair, *auth.User, error) {
	s.refreshCall++
	return s.refreshed, nil, s.refreshErr
}

func serve(t *testing.T, g *Gate, authn Authenticator, req *http.Request) (*httptest.ResponseRecorder, *auth.AccessClaims) {
	t.Helper()
	var seen *auth.AccessClaims
	h := g.Middleware(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareRedirectsWithoutSession(t *testing.T) {
	rec, _ := serve(t, testGate(), &stubAuthn{}, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?callbackUrl=%2Fdashboard" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestMiddlewareAttachesClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: "tok"})
	rec, seen := serve(t, testGate(), &stubAuthn{claims: claimsWith()}, req)
	if rec.Code != http.StatusNoContent || seen == nil || seen.UserID != "u1" {
		t.Fatalf("expected pass-through with claims, got %d %+v", rec.Code, seen)
	}
}

func TestMiddlewareRefreshesExpiredSession(t *testing.T) {
	pair := auth.TokenPair{
		AccessToken:      "new-access",
		RefreshToken:     "new-refresh",
		AccessExpiresAt:  time.Now().Add(time.Hour),
		RefreshExpiresAt: time.Now().Add(time.Hour),
		Access:           claimsWith(),
	}
	authn := &stubAuthn{err: auth.ErrTokenExpired, refreshed: pair}

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: "old"})
	req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: "refresh"})
	rec, seen := serve(t, testGate(), authn, req)

	if rec.Code != http.StatusNoContent || seen == nil {
		t.Fatalf("expected refreshed pass-through, got %d", rec.Code)
	}
	if authn.refreshCall != 1 {
		t.Fatalf("expected one refresh, got %d", authn.refreshCall)
	}
	var names []string
	for _, c := range rec.Result().Cookies() {
		names = append(names, c.Name+"="+c.Value)
	}
	if len(names) != 2 || names[0] != "accessToken=new-access" || names[1] != "refreshToken=new-refresh" {
		t.Fatalf("unexpected cookies %v", names)
	}
}

func TestMiddlewareNeverRefreshesTamperedToken(t *testing.T) {
	authn := &stubAuthn{err: auth.ErrTokenInvalid}
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: "forged"})
	req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: "refresh"})
	rec, _ := serve(t, testGate(), authn, req)

	if authn.refreshCall != 0 {
		t.Fatal("tampered token must not trigger refresh")
	}
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
}

func TestMiddlewareFailedRefreshClearsCookies(t *testing.T) {
	authn := &stubAuthn{err: auth.ErrTokenExpired, refreshErr: auth.ErrTokenExpired}
	req := httptest.NewRequest(http.MethodGet, "/dashboard/plans", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: "old"})
	req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: "stale"})
	rec, _ := serve(t, testGate(), authn, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("expected cleared cookie, got %+v", c)
		}
	}
}
