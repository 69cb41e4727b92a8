// Package auth authenticates marketplace users for the tradepost gateway.
//
// # Tokens
//
// Users authenticate with HS256 JWTs signed with auth.jwt_secret. The "sub"
// claim is the user id and "role" is one of buyer, seller or admin (buyer when
// absent). Secrets shorter than MinSecretLength are rejected.
//
//	v, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate(auth.Identity{UserID: "u1", Role: auth.RoleSeller}, 24*time.Hour)
//
// # HTTP
//
// HTTPAuthMiddleware reads "Authorization: Bearer <token>" or, for browser
// EventSource and WebSocket clients, the access_token query parameter. The
// resulting Identity is available to handlers via FromContext.
//
// Without a secret the gateway installs DevAuthMiddleware, which trusts the
// X-User-ID header. Use it for local development only.
package auth
