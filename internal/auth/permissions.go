package auth

import "strings"

// Built-in bypass role names. Holders of either pass every role and
// permission check.
const (
	RoleSuperAdmin       = "SUPER_ADMIN"
	RoleSupportAllAccess = "SUPPORT_ALL_ACCESS"
)

// BypassRoles is the closed set of role names that skip authorization
// checks. It is the only place bypass semantics are decided.
type BypassRoles struct {
	names map[string]struct{}
}

// NewBypassRoles builds a bypass set. Blank names are ignored and matching
// is case-insensitive.
func NewBypassRoles(names ...string) BypassRoles {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return BypassRoles{names: set}
}

// DefaultBypassRoles contains RoleSuperAdmin and RoleSupportAllAccess.
func DefaultBypassRoles() BypassRoles {
	return NewBypassRoles(RoleSuperAdmin, RoleSupportAllAccess)
}

// Contains reports whether role bypasses checks.
func (b BypassRoles) Contains(role string) bool {
	_, ok := b.names[strings.ToUpper(strings.TrimSpace(role))]
	return ok
}

// Requirement describes what a caller must hold to pass.
//
// An empty AllowedRoles list and an empty Permissions list each pass
// vacuously. Resource, when set, restricts permission matching to
// permissions on that resource (or on AnyResource).
type Requirement struct {
	AllowedRoles []string
	Resource     string
	Permissions  []string
	RequireAll   bool
}

// Evaluator decides Requirements against role snapshots. It is pure and
// safe for concurrent use.
type Evaluator struct {
	Bypass BypassRoles
}

// NewEvaluator returns an evaluator for the given bypass set.
func NewEvaluator(bypass BypassRoles) Evaluator {
	return Evaluator{Bypass: bypass}
}

type grant struct {
	name     string
	typ      string
	resource string
}

// Evaluate reports whether roles satisfy req.
//
// Order matters: bypass roles short-circuit before anything else, the role
// check runs next, and MANAGE on the resource is honoured before specific
// permission names are matched.
func (e Evaluator) Evaluate(roles []RoleClaim, req Requirement) bool {
	for _, r := range roles {
		if e.Bypass.Contains(r.Name) {
			return true
		}
	}

	if !holdsAllowedRole(roles, req.AllowedRoles) {
		return false
	}

	var grants []grant
	for _, r := range roles {
		for _, p := range r.Permissions {
			grants = append(grants, grant{
				name:     strings.ToUpper(strings.TrimSpace(p.Name)),
				typ:      strings.ToUpper(strings.TrimSpace(string(p.Type))),
				resource: strings.TrimSpace(p.Resource),
			})
		}
	}

	manage := string(PermManage)
	for _, g := range grants {
		if (g.name == manage || g.typ == manage) && resourceMatches(g.resource, req.Resource) {
			return true
		}
	}

	if len(req.Permissions) == 0 {
		return true
	}

	has := func(required string) bool {
		required = strings.ToUpper(strings.TrimSpace(required))
		for _, g := range grants {
			if (g.name == required || g.typ == required) && resourceMatches(g.resource, req.Resource) {
				return true
			}
		}
		return false
	}

	if req.RequireAll {
		for _, p := range req.Permissions {
			if !has(p) {
				return false
			}
		}
		return true
	}
	for _, p := range req.Permissions {
		if has(p) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether roles hold one of names, honouring bypass roles.
// An empty names list matches nobody, bypass roles included.
func (e Evaluator) HasAnyRole(roles []RoleClaim, names []string) bool {
	if len(names) == 0 {
		return false
	}
	return e.Evaluate(roles, Requirement{AllowedRoles: names})
}

func holdsAllowedRole(roles []RoleClaim, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range roles {
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(r.Name), strings.TrimSpace(a)) {
				return true
			}
		}
	}
	return false
}

func resourceMatches(held, wanted string) bool {
	if wanted == "" || held == AnyResource {
		return true
	}
	return strings.EqualFold(held, wanted)
}
