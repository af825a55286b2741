// Package auth resolves credentials into an identity context that is
// attached to a live connection.
//
// The package is deliberately small. A Provider turns Credentials into a
// Context; the connection keeps the Context and consults it whenever a
// component type requires authentication, roles or permissions.
//
// # Two Entry Points
//
// Credentials reach the server in one of two ways:
//
//   - HTTP: the WebSocket upgrade request carries a bearer token, a cookie or
//     a token query parameter. Middleware resolves it once, before the
//     upgrade, and stores the Context on the request context.
//   - In-band: the client sends an AUTH message after connecting. The
//     connection replaces its Context with the new result.
//
// # JWT
//
// JWTProvider validates HS256 tokens:
//
//	provider := auth.NewJWTProvider([]byte(secret))
//	ctx, err := provider.Authenticate(r.Context(), auth.Credentials{Token: tok})
//
// Roles and permissions travel as the "roles" and "perms" claims; the
// subject claim is the user id.
package auth
