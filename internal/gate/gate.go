// Package gate decides, for every incoming request, whether to let it
// through or redirect it, based on the route class and the caller's
// verified session.
package gate

import (
	"net/url"
	"sort"
	"strings"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/config"
)

// Action is the outcome of a gate decision.
type Action int

const (
	Allow Action = iota
	Redirect
)

func (a Action) String() string {
	if a == Redirect {
		return "redirect"
	}
	return "allow"
}

// Decision tells the middleware what to do with a request.
type Decision struct {
	Action   Action
	Location string
	// Reason is a short label for logs and metrics.
	Reason string
}

// Rule protects every path under Prefix with Requirement.
type Rule struct {
	Prefix      string
	Requirement auth.Requirement
}

// Config lists route classes.
type Config struct {
	PublicRoutes     []string
	AuthRoutes       []string
	APIAuthPrefix    string
	LoginPath        string
	UnauthorizedPath string
	DefaultLanding   string
	Rules            []Rule
}

// FromConfig converts the file configuration.
func FromConfig(cfg config.GateConfig) Config {
	out := Config{
		PublicRoutes:     cfg.PublicRoutes,
		AuthRoutes:       cfg.AuthRoutes,
		APIAuthPrefix:    cfg.APIAuthPrefix,
		LoginPath:        cfg.LoginPath,
		UnauthorizedPath: cfg.UnauthorizedPath,
		DefaultLanding:   cfg.DefaultLanding,
	}
	for _, r := range cfg.Rules {
		out.Rules = append(out.Rules, Rule{
			Prefix: r.Prefix,
			Requirement: auth.Requirement{
				AllowedRoles: r.AllowedRoles,
				Resource:     r.Resource,
				Permissions:  r.Permissions,
				RequireAll:   r.RequireAll,
			},
		})
	}
	return out
}

// Gate evaluates requests. It holds no per-request state.
type Gate struct {
	cfg       Config
	evaluator auth.Evaluator
	public    map[string]struct{}
	authPages map[string]struct{}
	rules     []Rule
}

// New builds a Gate. Rules are matched longest prefix first.
func New(cfg Config, evaluator auth.Evaluator) *Gate {
	g := &Gate{
		cfg:       cfg,
		evaluator: evaluator,
		public:    toSet(cfg.PublicRoutes),
		authPages: toSet(cfg.AuthRoutes),
	}
	if g.cfg.LoginPath == "" {
		g.cfg.LoginPath = "/login"
	}
	if g.cfg.UnauthorizedPath == "" {
		g.cfg.UnauthorizedPath = "/unauthorized"
	}
	if g.cfg.DefaultLanding == "" {
		g.cfg.DefaultLanding = "/dashboard"
	}
	g.rules = append([]Rule(nil), cfg.Rules...)
	for i := range g.rules {
		g.rules[i].Prefix = cleanPath(g.rules[i].Prefix)
	}
	sort.SliceStable(g.rules, func(i, j int) bool {
		return len(g.rules[i].Prefix) > len(g.rules[j].Prefix)
	})
	return g
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[cleanPath(p)] = struct{}{}
	}
	return set
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Decide classifies path. claims is nil when the caller has no valid
// session.
func (g *Gate) Decide(path, rawQuery string, claims *auth.AccessClaims) Decision {
	p := cleanPath(path)
	loggedIn := claims != nil

	if g.cfg.APIAuthPrefix != "" && hasPathPrefix(p, cleanPath(g.cfg.APIAuthPrefix)) {
		return Decision{Action: Allow, Reason: "api_auth"}
	}
	if _, ok := g.authPages[p]; ok {
		if loggedIn {
			return Decision{Action: Redirect, Location: g.cfg.DefaultLanding, Reason: "already_authenticated"}
		}
		return Decision{Action: Allow, Reason: "auth_page"}
	}
	if _, ok := g.public[p]; ok {
		return Decision{Action: Allow, Reason: "public"}
	}
	if !loggedIn {
		callback := path
		if rawQuery != "" {
			callback += "?" + rawQuery
		}
		return Decision{
			Action:   Redirect,
			Location: g.cfg.LoginPath + "?callbackUrl=" + url.QueryEscape(callback),
			Reason:   "login_required",
		}
	}
	if rule, ok := g.match(p); ok {
		if !g.evaluator.Evaluate(claims.Roles, rule.Requirement) {
			return Decision{Action: Redirect, Location: g.cfg.UnauthorizedPath, Reason: "forbidden"}
		}
	}
	return Decision{Action: Allow, Reason: "authenticated"}
}

func (g *Gate) match(path string) (Rule, bool) {
	for _, r := range g.rules {
		if hasPathPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Rule{}, false
}
