// ABOUTME: JWT token verification for authenticating relay participants
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// MinSecretLength is the shortest HS256 secret accepted, in bytes.
const MinSecretLength = 32

// Claims are the relay-specific fields carried by a participant token.
type Claims struct {
	Subject  string // participant id
	Username string
	Role     string // "client" or "operator"
}

// JWTVerifier verifies and mints HS256 signed participant tokens
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrWeakSecret, len(secret), MinSecretLength)
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the participant claims.
// "sub" and "role" are required; "name" defaults to the subject.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}

	return &Claims{Subject: sub, Username: name, Role: role}, nil
}

// Generate creates a token for a participant, valid for expiresIn
func (v *JWTVerifier) Generate(c Claims, expiresIn time.Duration) (string, error) {
	if c.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if c.Role == "" {
		return "", fmt.Errorf("%w: role", ErrMissingClaim)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  c.Subject,
		"role": c.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if c.Username != "" {
		claims["name"] = c.Username
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
