package auth

import (
	"strings"
	"time"
)

// PermissionType is the CRUD verb a permission grants. MANAGE implies every
// other type for the same resource.
type PermissionType string

const (
	PermCreate PermissionType = "CREATE"
	PermRead   PermissionType = "READ"
	PermUpdate PermissionType = "UPDATE"
	PermDelete PermissionType = "DELETE"
	PermManage PermissionType = "MANAGE"
)

// AnyResource matches every resource key.
const AnyResource = "*"

// Valid reports whether t is one of the known permission types.
func (t PermissionType) Valid() bool {
	switch PermissionType(strings.ToUpper(string(t))) {
	case PermCreate, PermRead, PermUpdate, PermDelete, PermManage:
		return true
	}
	return false
}

// User is an account able to sign in.
type User struct {
	ID                 string
	Name               string
	Email              string
	PasswordHash       string
	EmailVerified      *time.Time
	IsTwoFactorEnabled bool
	Roles              []Role
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Role groups permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []Permission
}

// Permission is a typed capability on a resource.
type Permission struct {
	ID       string
	Name     string
	Type     PermissionType
	Resource string
}

// UserRole links users to roles.
type UserRole struct {
	UserID    string
	RoleID    string
	CreatedAt time.Time
}

// RolePermission links roles to permissions.
type RolePermission struct {
	RoleID       string
	PermissionID string
}

// TwoFactorToken is the emailed one-time code. Only the most recent token
// for an email is ever stored.
type TwoFactorToken struct {
	ID      string
	Email   string
	Code    string
	Expires time.Time
}

// TwoFactorConfirmation records that a user passed the current 2FA cycle.
type TwoFactorConfirmation struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// TokenPurpose distinguishes the two kinds of emailed link tokens.
type TokenPurpose string

const (
	PurposeVerification  TokenPurpose = "verification"
	PurposePasswordReset TokenPurpose = "password_reset"
)

// EmailToken is an opaque, emailed, single-use token (verification link or
// password reset link).
type EmailToken struct {
	ID      string
	Email   string
	Token   string
	Expires time.Time
}

// Expired reports whether the token is no longer usable at now.
func (t EmailToken) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
