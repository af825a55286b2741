package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextPermissions(t *testing.T) {
	ac := NewContext(&User{
		ID:          "u1",
		Roles:       []string{"editor"},
		Permissions: []string{"posts:*", "comments:read"},
	})

	assert.True(t, ac.IsAuthenticated())
	assert.Equal(t, "u1", ac.UserID())
	assert.True(t, ac.HasRole("editor"))
	assert.False(t, ac.HasRole("admin"))
	assert.True(t, ac.HasAnyRole("admin", "editor"))
	assert.True(t, ac.HasPermission("posts:write"))
	assert.True(t, ac.HasPermission("comments:read"))
	assert.False(t, ac.HasPermission("comments:write"))
	assert.True(t, ac.HasAllPermissions("posts:read", "comments:read"))
	assert.False(t, ac.HasAllPermissions("posts:read", "comments:write"))
}

func TestAnonymousAndNil(t *testing.T) {
	var nilCtx *Context
	assert.False(t, nilCtx.IsAuthenticated())
	assert.Equal(t, "", nilCtx.UserID())
	assert.False(t, nilCtx.HasPermission("x"))

	anon := Anonymous()
	assert.False(t, anon.IsAuthenticated())
	assert.False(t, anon.HasRole("user"))
}

func TestExpiredContext(t *testing.T) {
	ac := NewContext(&User{ID: "u1", Roles: []string{"user"}})
	ac.ExpiresAt = time.Now().Add(-time.Minute)
	assert.False(t, ac.IsAuthenticated())
	assert.False(t, ac.HasRole("user"))
}

func TestJWTProviderRoundTrip(t *testing.T) {
	p := NewJWTProvider([]byte("secret"), WithIssuer("livesync"))
	token, err := p.Issue(User{ID: "alice", Name: "Alice", Roles: []string{"admin"}, Permissions: []string{"*"}}, time.Hour)
	require.NoError(t, err)

	ac, err := p.Authenticate(context.Background(), Credentials{Token: token})
	require.NoError(t, err)
	assert.True(t, ac.IsAuthenticated())
	assert.Equal(t, "alice", ac.UserID())
	assert.Equal(t, "Alice", ac.User.Name)
	assert.True(t, ac.HasRole("admin"))
	assert.True(t, ac.HasPermission("anything"))
	assert.False(t, ac.ExpiresAt.IsZero())
}

func TestJWTProviderRejects(t *testing.T) {
	p := NewJWTProvider([]byte("secret"))
	other := NewJWTProvider([]byte("other"))

	forged, err := other.Issue(User{ID: "mallory"}, time.Hour)
	require.NoError(t, err)
	_, err = p.Authenticate(context.Background(), Credentials{Token: forged})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	expired, err := p.Issue(User{ID: "bob"}, -time.Minute)
	require.NoError(t, err)
	_, err = p.Authenticate(context.Background(), Credentials{Token: expired})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.Authenticate(context.Background(), Credentials{Token: "not-a-jwt"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	ac, err := p.Authenticate(context.Background(), Credentials{})
	require.NoError(t, err)
	assert.False(t, ac.IsAuthenticated())
}

func TestJWTProviderIssuerMismatch(t *testing.T) {
	issuer := NewJWTProvider([]byte("secret"), WithIssuer("a"))
	verifier := NewJWTProvider([]byte("secret"), WithIssuer("b"))

	token, err := issuer.Issue(User{ID: "u"}, time.Hour)
	require.NoError(t, err)
	_, err = verifier.Authenticate(context.Background(), Credentials{Token: token})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/live/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r, "session-token"))

	r.AddCookie(&http.Cookie{Name: "session-token", Value: "c"})
	assert.Equal(t, "c", TokenFromRequest(r, "session-token"))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r, "session-token"))
}

func TestMiddleware(t *testing.T) {
	p := NewJWTProvider([]byte("secret"))
	token, err := p.Issue(User{ID: "carol"}, time.Hour)
	require.NoError(t, err)

	var seen *Context
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	optional := Middleware(p, MiddlewareConfig{})(next)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	optional.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "carol", seen.UserID())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/?token=garbage", nil)
	optional.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, seen.IsAuthenticated())

	required := Middleware(p, MiddlewareConfig{Required: true})(next)
	rec = httptest.NewRecorder()
	required.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFromContextDefaultsAnonymous(t *testing.T) {
	ac := FromContext(context.Background())
	require.NotNil(t, ac)
	assert.False(t, ac.IsAuthenticated())
}
