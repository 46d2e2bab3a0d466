package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/config"
	"gymdesk.org/internal/gate"
	"gymdesk.org/internal/session"
	"gymdesk.org/internal/store/memstore"
)

type outbox struct {
	mu    sync.Mutex
	codes map[string]string
	links map[string]string
}

func newOutbox() *outbox {
	return &outbox{codes: map[string]string{}, links: map[string]string{}}
}

func (o *outbox) SendVerificationEmail(_ context.Context, to, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links["verify:"+to] = token
	return nil
}

func (o *outbox) SendPasswordResetEmail(_ context.Context, to, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links["reset:"+to] = token
	return nil
}

func (o *outbox) SendTwoFactorCode(_ context.Context, to, code string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.codes[to] = code
	return nil
}

func (o *outbox) get(m map[string]string, key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return m[key]
}

type testEnv struct {
	store  *memstore.Store
	mail   *outbox
	hasher auth.Hasher
	svc    *auth.Service
	h      http.Handler
}

func newTestEnv(t *testing.T, accessSecret, refreshSecret string, opts ...auth.TokenOption) *testEnv {
	t.Helper()
	env := &testEnv{store: memstore.New(), mail: newOutbox(), hasher: auth.NewBcryptHasher(4)}
	env.store.PutRole(auth.Role{Name: "MEMBER", Permissions: []auth.Permission{{Name: "READ", Type: auth.PermRead, Resource: "plans"}}})
	env.store.PutRole(auth.Role{Name: "ADMIN", Permissions: []auth.Permission{{Name: "MANAGE", Type: auth.PermManage, Resource: "roles"}}})

	tokens := auth.NewTokenManager(accessSecret, refreshSecret, opts...)
	svc, err := auth.NewService(env.store, tokens, env.mail, auth.WithHasher(env.hasher), auth.WithDefaultRole("MEMBER"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gate.New(gate.FromConfig(config.Default().Gate), svc.Evaluator())
	env.h = New(svc, g, WithLogger(logger), WithRateLimit(0, 0)).Handler()
	return env
}

func (e *testEnv) addUser(t *testing.T, email, password string, twoFactor bool, roles ...string) *auth.User {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := time.Now()
	return e.store.PutUser(auth.User{Name: "Test", Email: email, PasswordHash: hash, EmailVerified: &now, IsTwoFactorEnabled: twoFactor}, roles...)
}

func (e *testEnv) post(t *testing.T, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginReturnsSession(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", false, "ADMIN")

	rec := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["expiresIn"] != float64(3600) {
		t.Fatalf("unexpected expiresIn %v", body["expiresIn"])
	}
	if body["token"] == "" || body["refreshToken"] == "" {
		t.Fatalf("missing tokens: %v", body)
	}
	user := body["user"].(map[string]any)
	if user["email"] != "ana@example.com" {
		t.Fatalf("unexpected user %v", user)
	}

	access := cookieNamed(rec, session.AccessCookie)
	refresh := cookieNamed(rec, session.RefreshCookie)
	if access == nil || !access.HttpOnly || access.SameSite != http.SameSiteStrictMode || access.Path != "/" {
		t.Fatalf("unexpected access cookie %+v", access)
	}
	if refresh == nil || refresh.Path != session.RefreshPath {
		t.Fatalf("unexpected refresh cookie %+v", refresh)
	}
}

func TestLoginErrors(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", false)

	cases := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"malformed", `{"email":`, http.StatusBadRequest, "Invalid fields!"},
		{"unknown field", `{"email":"ana@example.com","password":"hunter22","admin":true}`, http.StatusBadRequest, "Invalid fields!"},
		{"bad email", `{"email":"nope","password":"hunter22"}`, http.StatusBadRequest, "Invalid fields!"},
		{"wrong password", `{"email":"ana@example.com","password":"wrong-pass"}`, http.StatusBadRequest, "Invalid credentials!"},
		{"unknown user", `{"email":"bob@example.com","password":"hunter22"}`, http.StatusBadRequest, "Invalid credentials!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			env.h.ServeHTTP(rec, req)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			body := decodeBody(t, rec)
			if body["error"] != tc.msg {
				t.Fatalf("unexpected error %v", body["error"])
			}
			if body["request_id"] == nil {
				t.Fatal("expected request_id in error payload")
			}
		})
	}
}

func TestLoginMisconfiguredServer(t *testing.T) {
	env := newTestEnv(t, "access-secret", "")
	env.addUser(t, "ana@example.com", "hunter22", false)

	rec := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Server configuration error" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("no cookies expected")
	}
}

func TestLoginTwoFactor(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", true)

	rec := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["twoFactor"] != true || body["email"] != "ana@example.com" {
		t.Fatalf("expected challenge, got %v", body)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("pending challenge must not set cookies")
	}

	rec = env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22", "code": "000000x"})
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "Invalid code!" {
		t.Fatalf("expected invalid code, got %d %s", rec.Code, rec.Body.String())
	}

	code := env.mail.get(env.mail.codes, "ana@example.com")
	rec = env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22", "code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["token"] == nil {
		t.Fatal("expected token after valid code")
	}
}

func TestRefreshFromBodyAndCookie(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", false)

	login := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	refresh := decodeBody(t, login)["refreshToken"].(string)

	rec := env.post(t, "/api/auth/refresh", map[string]string{"refreshToken": refresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cookieNamed(rec, session.AccessCookie) == nil {
		t.Fatal("expected rotated access cookie")
	}

	rec = env.post(t, "/api/auth/refresh", nil, &http.Cookie{Name: session.RefreshCookie, Value: refresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cookie refresh 200, got %d", rec.Code)
	}
}

func TestRefreshRejected(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	u := env.addUser(t, "ana@example.com", "hunter22", false)

	past := time.Now().Add(-30 * 24 * time.Hour)
	stale := auth.NewTokenManager("access-secret", "refresh-secret", auth.WithTokenClock(func() time.Time { return past }))
	expired, err := stale.IssuePair(u)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	login := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	access := decodeBody(t, login)["token"].(string)

	cases := []struct {
		name  string
		token string
		msg   string
	}{
		{"expired", expired.RefreshToken, "Refresh token expired"},
		{"garbage", "not-a-jwt", "Invalid refresh token"},
		{"access token", access, "Invalid refresh token"},
		{"missing", "", "Refresh token required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.post(t, "/api/auth/refresh", map[string]string{"refreshToken": tc.token})
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if got := decodeBody(t, rec)["error"]; got != tc.msg {
				t.Fatalf("unexpected error %v", got)
			}
			if len(rec.Result().Cookies()) != 0 {
				t.Fatal("failed refresh must not set cookies")
			}
		})
	}
}

func TestCheckRoles(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", false, "ADMIN")

	rec := env.post(t, "/api/auth/check-roles", map[string]any{"requiredRoles": []string{"ADMIN"}})
	if decodeBody(t, rec)["authorized"] != false {
		t.Fatal("expected unauthorized without session")
	}

	login := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	access := cookieNamed(login, session.AccessCookie)

	rec = env.post(t, "/api/auth/check-roles", map[string]any{"requiredRoles": []string{"admin"}}, access)
	if decodeBody(t, rec)["authorized"] != true {
		t.Fatalf("expected authorized, got %s", rec.Body.String())
	}
	rec = env.post(t, "/api/auth/check-roles", map[string]any{"requiredRoles": []string{"COACH"}}, access)
	if decodeBody(t, rec)["authorized"] != false {
		t.Fatal("expected unauthorized for missing role")
	}
	for _, body := range []string{`{"requiredRoles":[]}`, `{}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/check-roles", strings.NewReader(body))
		req.AddCookie(access)
		rec = httptest.NewRecorder()
		env.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || decodeBody(t, rec)["authorized"] != false {
			t.Fatalf("%s: expected authorized=false, got %d %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", false)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	login := env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+decodeBody(t, login)["token"].(string))
	rec = httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	user := decodeBody(t, rec)["user"].(map[string]any)
	if user["email"] != "ana@example.com" {
		t.Fatalf("unexpected user %v", user)
	}
}

func TestRegisterVerifyAndLogin(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")

	rec := env.post(t, "/api/register", map[string]string{"name": "Ana", "email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	rec = env.post(t, "/api/register", map[string]string{"name": "Ana", "email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "Email already in use!" {
		t.Fatalf("expected conflict, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	if decodeBody(t, rec)["success"] != "Confirmation email sent!" {
		t.Fatalf("expected verification pending, got %s", rec.Body.String())
	}

	rec = env.post(t, "/api/auth/new-verification", map[string]string{"token": "missing"})
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "Token does not exist!" {
		t.Fatalf("expected unknown token, got %d %s", rec.Code, rec.Body.String())
	}

	token := env.mail.get(env.mail.links, "verify:ana@example.com")
	rec = env.post(t, "/api/auth/new-verification", map[string]string{"token": token})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusOK || decodeBody(t, rec)["token"] == nil {
		t.Fatalf("expected session after verification, got %s", rec.Body.String())
	}
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", false)

	rec := env.post(t, "/api/auth/reset", map[string]string{"email": "bob@example.com"})
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "Email not found!" {
		t.Fatalf("expected unknown email, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.post(t, "/api/auth/reset", map[string]string{"email": "ana@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body.String())
	}
	token := env.mail.get(env.mail.links, "reset:ana@example.com")
	rec = env.post(t, "/api/auth/new-password", map[string]string{"token": token, "password": "correct-horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("new-password: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.post(t, "/api/login", map[string]string{"email": "ana@example.com", "password": "correct-horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login with new password: %d", rec.Code)
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	rec := env.post(t, "/api/auth/logout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected two cleared cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 {
			t.Fatalf("cookie %s not cleared", c.Name)
		}
	}
}

func TestProtectedPageRedirects(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?callbackUrl=%2Fdashboard" {
		t.Fatalf("unexpected location %q", loc)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBrowserSessionRenewsAfterAccessExpiry(t *testing.T) {
	clock := &testClock{now: time.Now()}
	env := newTestEnv(t, "access-secret", "refresh-secret", auth.WithTokenClock(clock.Now))
	env.addUser(t, "ana@example.com", "hunter22", false, "MEMBER")

	srv := httptest.NewServer(env.h)
	defer srv.Close()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Post(srv.URL+"/api/login", "application/json",
		strings.NewReader(`{"email":"ana@example.com","password":"hunter22"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}

	dashboard, _ := url.Parse(srv.URL + "/dashboard")
	sent := map[string]string{}
	for _, c := range jar.Cookies(dashboard) {
		sent[c.Name] = c.Value
	}
	if sent[session.AccessCookie] == "" || sent[session.RefreshCookie] == "" {
		t.Fatalf("browser would not send both cookies to /dashboard: %v", sent)
	}

	clock.Advance(2 * time.Hour)
	if _, err := env.svc.Authenticate(sent[session.AccessCookie]); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("access token should have expired, got %v", err)
	}

	resp, err = client.Get(dashboard.String())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusTemporaryRedirect {
		t.Fatalf("expired session was sent to %q instead of being renewed", resp.Header.Get("Location"))
	}

	var renewed string
	for _, c := range jar.Cookies(dashboard) {
		if c.Name == session.AccessCookie {
			renewed = c.Value
		}
	}
	if renewed == "" || renewed == sent[session.AccessCookie] {
		t.Fatal("access cookie was not rotated")
	}
	if _, err := env.svc.Authenticate(renewed); err != nil {
		t.Fatalf("renewed token rejected: %v", err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	req := httptest.NewRequest(http.MethodGet, "/api/login", nil)
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestTwoFactorGuessingIsThrottled(t *testing.T) {
	env := newTestEnv(t, "access-secret", "refresh-secret")
	env.addUser(t, "ana@example.com", "hunter22", true)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gate.New(gate.FromConfig(config.Default().Gate), env.svc.Evaluator())
	h := New(env.svc, g, WithLogger(logger), WithRateLimit(2, 1)).Handler()

	send := func(body string, xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:5555"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(`{"email":"ana@example.com","password":"hunter22"}`, "1.1.1.1"); code != http.StatusOK {
		t.Fatalf("code request: %d", code)
	}
	throttled := 0
	for i := 0; i < 20; i++ {
		body := `{"email":"ana@example.com","password":"hunter22","code":"000000"}`
		if send(body, fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)) == http.StatusTooManyRequests {
			throttled++
		}
	}
	if throttled == 0 {
		t.Fatal("rotating X-Forwarded-For escaped the rate limit")
	}
}
