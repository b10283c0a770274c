// Package auth turns bearer credentials into user IDs. Tokens are JWTs whose
// subject (or preferred_username when the subject is empty) is the user ID.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// Claims are the token claims the gateway reads
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// UserID returns the identity carried by the token
func (c *Claims) UserID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.PreferredUsername
}

var (
	_ interfaces.IdentityVerifier = (*HMACVerifier)(nil)
	_ interfaces.IdentityVerifier = (*JWKSVerifier)(nil)
)

// HMACVerifier validates HS256 tokens signed with a shared secret
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewHMACVerifier creates a verifier. Empty issuer or audience are not checked.
func NewHMACVerifier(secret []byte, issuer, audience string) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &HMACVerifier{secret: secret, issuer: issuer, audience: audience}, nil
}

// Verify implements interfaces.IdentityVerifier
func (v *HMACVerifier) Verify(_ context.Context, bearer string) (string, error) {
	keyFunc := func(*jwt.Token) (interface{}, error) { return v.secret, nil }
	return parse(bearer, keyFunc, v.issuer, v.audience, jwt.SigningMethodHS256.Alg())
}

func parse(bearer string, keyFunc jwt.Keyfunc, issuer, audience string, methods ...string) (string, error) {
	bearer = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if bearer == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(bearer, claims, keyFunc, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID()
	if !types.IsValidUserID(userID) {
		return "", ErrInvalidUserID
	}
	return userID, nil
}

// IssueToken signs an HS256 token for userID. Used by tests and local
// development; production tokens come from the identity provider.
func IssueToken(secret []byte, userID, issuer string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
