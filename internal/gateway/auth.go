package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator resolves the actor identity behind a connection from an
// HMAC-signed bearer token. An empty secret disables authentication and
// every connection is anonymous.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an authenticator for the given HMAC secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Authenticate extracts and verifies the request's bearer token and
// returns the actor identity (the token subject).
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	raw := bearerToken(r)
	if raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	actor := strings.TrimSpace(claims.Subject)
	if actor == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return actor, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
