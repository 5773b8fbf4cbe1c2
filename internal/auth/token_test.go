// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and missing claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret is a 32-byte secret that meets MinSecretLength requirement.
var testSecret = []byte("relay-test-secret-key-32-bytes!!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return verifier
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate(Claims{Subject: "client-42", Username: "alice", Role: "client"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "client-42" || claims.Username != "alice" || claims.Role != "client" {
		t.Errorf("Verify() = %+v", claims)
	}
}

func TestJWTVerifier_NameDefaultsToSubject(t *testing.T) {
	verifier := newTestVerifier(t)

	token, _ := verifier.Generate(Claims{Subject: "op-1", Role: "operator"}, time.Hour)
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Username != "op-1" {
		t.Errorf("Username = %q, want %q", claims.Username, "op-1")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	other, _ := NewJWTVerifier([]byte("a-different-secret-also-32-bytes"))
	foreign, _ := other.Generate(Claims{Subject: "x", Role: "client"}, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, _ := verifier.Generate(Claims{Subject: "c", Role: "client"}, -time.Minute)
	_, err := verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := newTestVerifier(t)

	sign := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return tok
	}
	exp := time.Now().Add(time.Hour).Unix()

	if _, err := verifier.Verify(sign(jwt.MapClaims{"role": "client", "exp": exp})); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("missing sub: error = %v", err)
	}
	if _, err := verifier.Verify(sign(jwt.MapClaims{"sub": "c", "exp": exp})); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("missing role: error = %v", err)
	}

	if _, err := verifier.Generate(Claims{Role: "client"}, time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate without subject: error = %v", err)
	}
}
