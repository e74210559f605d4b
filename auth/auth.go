package auth

import (
	"time"
)

// Well-known role and permission names.
const (
	RoleAdmin    = "admin"
	RoleUser     = "user"
	RoleReadonly = "readonly"

	PermissionAdmin = "admin"
)

// User is the application-level identity derived from a credential. It is
// immutable after construction.
type User struct {
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// NewUser returns a User owning a private copy of perms.
func NewUser(username, role string, perms []string) *User {
	return &User{Username: username, Role: role, Permissions: append([]string(nil), perms...)}
}

// HasPermission reports whether p is listed in the user's permissions.
func (u *User) HasPermission(p string) bool {
	if u == nil {
		return false
	}
	for _, have := range u.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user holds the admin role or admin permission.
func (u *User) IsAdmin() bool {
	return u != nil && (u.Role == RoleAdmin || u.HasPermission(PermissionAdmin))
}

// Attributes exposes the user as policy attributes.
func (u *User) Attributes() map[string]any {
	if u == nil {
		return map[string]any{}
	}
	return map[string]any{
		"username":    u.Username,
		"role":        u.Role,
		"permissions": append([]string(nil), u.Permissions...),
	}
}

// TokenInfo is the raw claim projection of a credential, independent of the
// User projection.
type TokenInfo struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	// ExpiresAt is in epoch seconds; nil means the credential does not expire.
	ExpiresAt *int64 `json:"expires_at,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	Audience  string `json:"audience,omitempty"`
}

// Expired reports whether the token carries an expiry at or before now.
func (t *TokenInfo) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && *t.ExpiresAt <= now.Unix()
}

// ProjectUser derives the User for a validated token: the first role (or
// "user") becomes the primary role and permissions are copied.
func ProjectUser(info *TokenInfo) *User {
	role := RoleUser
	if len(info.Roles) > 0 && info.Roles[0] != "" {
		role = info.Roles[0]
	}
	username := info.Username
	if username == "" {
		username = info.UserID
	}
	return NewUser(username, role, info.Permissions)
}

// AuthResult is the terminal outcome of Authenticate. User is meaningful
// only on success and Error only on failure.
type AuthResult struct {
	Success bool   `json:"success"`
	User    *User  `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
	Token   string `json:"token,omitempty"`
	// ExpiresIn is the remaining lifetime in seconds, when known.
	ExpiresIn *int64 `json:"expires_in,omitempty"`

	// Err holds the classified failure for errors.Is matching.
	Err error `json:"-"`
}

// Succeeded builds a successful result.
func Succeeded(user *User, token string, expiresIn *int64) *AuthResult {
	return &AuthResult{Success: true, User: user, Token: token, ExpiresIn: expiresIn}
}

// Failed builds a failed result carrying err's message.
func Failed(token string, err error) *AuthResult {
	if err == nil {
		err = ErrInvalidCredential
	}
	return &AuthResult{Success: false, Error: err.Error(), Token: token, Err: err}
}
