// Package auth resolves relay participants before their connection is accepted.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens carrying "sub" (participant id), "name" and
//     "role" ("client" or "operator"). The token is read from the Authorization
//     header, the session_id cookie, or the token query parameter.
//
//   - Development: when no jwt_secret is configured the gateway uses
//     DevResolver, which trusts the id query parameter. Never use it in production.
//
// A token minted for one role is refused on the other role's endpoint.
//
// # Usage
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	resolver := auth.NewJWTResolver(verifier)
//	identity, err := resolver.Resolve(r, "client")
//	if errors.Is(err, auth.ErrUnauthenticated) {
//	    // refuse the connection
//	}
package auth
