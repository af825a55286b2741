package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithContext returns a copy of ctx carrying the auth context.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext returns the auth context stored in ctx, or an anonymous
// context if none is present.
func FromContext(ctx context.Context) *Context {
	if ac, ok := ctx.Value(contextKey{}).(*Context); ok && ac != nil {
		return ac
	}
	return Anonymous()
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// the named cookie, or the "token" query parameter, in that order.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return r.URL.Query().Get("token")
}
