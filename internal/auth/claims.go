package auth

import "github.com/golang-jwt/jwt/v5"

// PermissionClaim is the token snapshot of a Permission.
type PermissionClaim struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     PermissionType `json:"type"`
	Resource string         `json:"resource"`
}

// RoleClaim is the token snapshot of a Role and its permissions.
type RoleClaim struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Permissions []PermissionClaim `json:"permissions"`
}

// AccessClaims is the access token payload. Field names are a wire contract
// shared with every issued session cookie.
type AccessClaims struct {
	UserID string      `json:"id"`
	Email  string      `json:"email"`
	Name   string      `json:"name"`
	Roles  []RoleClaim `json:"roles"`
	jwt.RegisteredClaims
}

// RefreshClaims is the refresh token payload. Roles are re-resolved from the
// store on refresh so none are embedded.
type RefreshClaims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// SnapshotRoles copies roles into claim values. The result shares no memory
// with the input, so later role edits never leak into issued tokens.
func SnapshotRoles(roles []Role) []RoleClaim {
	out := make([]RoleClaim, 0, len(roles))
	for _, r := range roles {
		rc := RoleClaim{
			ID:          r.ID,
			Name:        r.Name,
			Permissions: make([]PermissionClaim, 0, len(r.Permissions)),
		}
		for _, p := range r.Permissions {
			rc.Permissions = append(rc.Permissions, PermissionClaim{
				ID:       p.ID,
				Name:     p.Name,
				Type:     p.Type,
				Resource: p.Resource,
			})
		}
		out = append(out, rc)
	}
	return out
}

// RoleNames lists the role names carried by claims.
func (c *AccessClaims) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for _, r := range c.Roles {
		names = append(names, r.Name)
	}
	return names
}
