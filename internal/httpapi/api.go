package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/gate"
	"gymdesk.org/internal/obs"
)

const serviceName = "gymdesk-api"

// Check is a named readiness dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// ReadyProbe checks every dependency the service needs to serve traffic.
type ReadyProbe struct {
	Checks []Check
}

// Check returns the first failing dependency.
func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp.Checks {
		if c.Probe == nil {
			continue
		}
		if err := c.Probe(ctx); err != nil {
			return errors.New(c.Name + ": " + err.Error())
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	svc    *auth.Service
	gate   *gate.Gate
	ready  ReadyProbe
	logger *slog.Logger

	version       string
	secureCookies bool
	maxBodyBytes  int64
	rateBurst     int
	ratePerSec    int
	limiter       *RateLimiter
	proxies       TrustedProxies
}

// Option configures API.
type Option func(*API)

func WithReadyProbe(rp ReadyProbe) Option { return func(a *API) { a.ready = rp } }

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithSecureCookies marks session cookies Secure. Enable behind TLS.
func WithSecureCookies(secure bool) Option { return func(a *API) { a.secureCookies = secure } }

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithRateLimit sets the per-client token bucket. Zero perSecond disables it.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithTrustedProxies names the reverse proxies allowed to set
// X-Forwarded-For. Without it the connecting address is the client.
func WithTrustedProxies(p TrustedProxies) Option { return func(a *API) { a.proxies = p } }

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds the API around the auth service and gate.
func New(svc *auth.Service, g *gate.Gate, opts ...Option) *API {
	a := &API{
		svc:          svc,
		gate:         g,
		logger:       obs.Logger(),
		version:      "dev",
		maxBodyBytes: 1 << 20,
		rateBurst:    20,
		ratePerSec:   10,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ratePerSec > 0 {
		a.limiter = NewRateLimiter(a.rateBurst, a.ratePerSec)
	}
	return a
}

// Run starts background maintenance (rate limiter eviction) until ctx ends.
func (a *API) Run(ctx context.Context) {
	if a.limiter != nil {
		a.limiter.Run(ctx)
	}
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, ResolveClientIP(a.proxies), Recover(a.logger), LoggingJSON(a.logger), obs.Instrument, SecurityHeaders)
	if a.limiter != nil {
		r.Use(a.limiter.Middleware)
	}
	r.Use(MaxBodyBytes(a.maxBodyBytes))
	r.Use(a.gate.Middleware(a.svc, gate.WithSecureCookies(a.secureCookies), gate.WithLogger(a.logger)))

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Post("/api/login", a.handleLogin)
	r.Post("/api/register", a.handleRegister)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/refresh", a.handleRefresh)
		r.Post("/check-roles", a.handleCheckRoles)
		r.Post("/new-verification", a.handleNewVerification)
		r.Post("/reset", a.handleReset)
		r.Post("/new-password", a.handleNewPassword)
		r.Post("/logout", a.handleLogout)
		r.Get("/me", a.handleMe)
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON object. An empty body decodes to the
// zero value when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func bodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}
