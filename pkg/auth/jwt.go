package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set understood by JWTProvider.
type Claims struct {
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 bearer tokens.
type JWTProvider struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// JWTOption configures a JWTProvider.
type JWTOption func(*JWTProvider)

// WithIssuer requires tokens to carry the given issuer.
func WithIssuer(issuer string) JWTOption {
	return func(p *JWTProvider) {
		p.issuer = issuer
	}
}

// WithLeeway tolerates clock skew when checking exp/nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(p *JWTProvider) {
		p.leeway = d
	}
}

// NewJWTProvider creates a provider verifying tokens signed with secret.
func NewJWTProvider(secret []byte, opts ...JWTOption) *JWTProvider {
	p := &JWTProvider{secret: secret}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authenticate implements Provider. An empty token yields an anonymous
// context and no error; a bad token yields ErrInvalidCredentials.
func (p *JWTProvider) Authenticate(_ context.Context, creds Credentials) (*Context, error) {
	if creds.Token == "" {
		return Anonymous(), nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(p.leeway))
	}

	token, err := jwt.ParseWithClaims(creds.Token, &Claims{}, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrInvalidCredentials)
	}

	ctx := NewContext(&User{
		ID:          claims.Subject,
		Name:        claims.Name,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	})
	if claims.ExpiresAt != nil {
		ctx.ExpiresAt = claims.ExpiresAt.Time
	}
	return ctx, nil
}

// Issue signs a token for user valid for ttl. A zero ttl omits expiry.
func (p *JWTProvider) Issue(user User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:        user.Name,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			Issuer:   p.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
