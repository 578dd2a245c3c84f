package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSigner issues and validates the short-lived HS256 access tokens
// paired with each refresh token.
type TokenSigner struct {
	secret    []byte
	accessTTL time.Duration
}

// NewTokenSigner builds a signer. The secret must be non-empty; the TTL
// defaults to one hour.
func NewTokenSigner(secret []byte, accessTTL time.Duration) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signer requires a secret")
	}
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &TokenSigner{
		secret:    secret,
		accessTTL: accessTTL,
	}, nil
}

// IssueAccess mints an access token whose subject is userID.
func (s *TokenSigner) IssueAccess(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseAccess validates an access token and returns its subject. Expired
// or foreign-signed tokens fail with ErrInvalidToken.
func (s *TokenSigner) ParseAccess(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
