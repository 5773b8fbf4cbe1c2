// ABOUTME: Identity resolution for HTTP and websocket requests
// ABOUTME: Resolves a participant from a JWT (header, cookie or query) or, in development, a query id

package auth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrUnauthenticated means identity resolution failed and the connection must be refused.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrRoleMismatch means the token's role does not match the endpoint.
var ErrRoleMismatch = errors.New("role mismatch")

// SessionCookie is the cookie consulted when no bearer token is sent.
const SessionCookie = "session_id"

// Identity is a resolved participant.
type Identity struct {
	ID        string
	Username  string
	Role      string
	IP        string
	UserAgent string
}

// Resolver turns a connection request into an Identity for the given role.
// Failures wrap ErrUnauthenticated.
type Resolver interface {
	Resolve(r *http.Request, role string) (*Identity, error)
}

// JWTResolver resolves identities from signed tokens.
type JWTResolver struct {
	verifier *JWTVerifier
}

// NewJWTResolver creates a resolver backed by verifier.
func NewJWTResolver(verifier *JWTVerifier) *JWTResolver {
	return &JWTResolver{verifier: verifier}
}

// Resolve reads a token from the Authorization header, the session cookie, or
// the "token" query parameter, in that order. Browsers cannot set headers on
// websocket upgrades, hence the fallbacks.
func (j *JWTResolver) Resolve(r *http.Request, role string) (*Identity, error) {
	token, errMsg := extractToken(r)
	if errMsg != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, errMsg)
	}

	claims, err := j.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Role != role {
		return nil, fmt.Errorf("%w: %w: token for %s used on %s endpoint", ErrUnauthenticated, ErrRoleMismatch, claims.Role, role)
	}

	return &Identity{
		ID:        claims.Subject,
		Username:  claims.Username,
		Role:      role,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}, nil
}

// DevResolver trusts the "id" query parameter. Only for local development.
type DevResolver struct{}

// Resolve returns the identity named by ?id=.
func (DevResolver) Resolve(r *http.Request, role string) (*Identity, error) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		return nil, fmt.Errorf("%w: missing id parameter", ErrUnauthenticated)
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = id
	}
	return &Identity{
		ID:        id,
		Username:  name,
		Role:      role,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}, nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func extractToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	return "", "missing credentials"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireRole is HTTP middleware that resolves an identity with role and adds
// it to the request context, answering 401 when resolution fails.
func RequireRole(resolver Resolver, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r, role)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
