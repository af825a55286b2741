package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned when authentication is required but not present.
	ErrUnauthorized = errors.New("auth: authentication required")

	// ErrForbidden is returned when authentication is present but insufficient.
	ErrForbidden = errors.New("auth: insufficient permissions")

	// ErrInvalidCredentials is returned when credentials cannot be verified.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrNoProvider is returned when credentials arrive but no provider is configured.
	ErrNoProvider = errors.New("auth: no provider configured")
)

// User is the authenticated identity.
// There is no catch-all claims map.
type User struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Context is the identity and permission context attached to a connection.
// A nil *Context behaves as anonymous.
type Context struct {
	Authenticated bool
	User          *User
	ExpiresAt     time.Time
}

// Anonymous returns an unauthenticated context.
func Anonymous() *Context {
	return &Context{}
}

// NewContext returns an authenticated context for user.
func NewContext(user *User) *Context {
	return &Context{Authenticated: user != nil, User: user}
}

// IsAuthenticated reports whether the context carries a valid identity.
func (c *Context) IsAuthenticated() bool {
	if c == nil || !c.Authenticated {
		return false
	}
	if !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt) {
		return false
	}
	return true
}

// UserID returns the user id, or "" for anonymous contexts.
func (c *Context) UserID() string {
	if c == nil || c.User == nil {
		return ""
	}
	return c.User.ID
}

// HasRole reports whether the user has role.
func (c *Context) HasRole(role string) bool {
	if !c.IsAuthenticated() || c.User == nil {
		return false
	}
	return slices.Contains(c.User.Roles, role)
}

// HasAnyRole reports whether the user has at least one of roles.
func (c *Context) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the user holds permission. A granted "*"
// matches everything and "posts:*" matches any "posts:<verb>".
func (c *Context) HasPermission(permission string) bool {
	if !c.IsAuthenticated() || c.User == nil {
		return false
	}
	for _, p := range c.User.Permissions {
		if p == "*" || p == permission {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(permission, prefix) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the user holds every permission.
func (c *Context) HasAllPermissions(permissions ...string) bool {
	for _, p := range permissions {
		if !c.HasPermission(p) {
			return false
		}
	}
	return true
}

// Credentials are presented to a Provider.
type Credentials struct {
	// Token is a bearer token, typically a JWT.
	Token string

	// Values carries provider-specific fields (API keys, usernames, …).
	Values map[string]any
}

// Provider resolves credentials into a Context.
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (*Context, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, creds Credentials) (*Context, error)

// Authenticate calls f.
func (f ProviderFunc) Authenticate(ctx context.Context, creds Credentials) (*Context, error) {
	return f(ctx, creds)
}
