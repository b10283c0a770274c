package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWKSVerifier validates RS256/ES256 tokens against an identity provider's
// published key set (for example a Keycloak realm's certs endpoint).
type JWKSVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

// NewJWKSVerifier fetches the key set and keeps it refreshed in the background
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience string, logger *zap.Logger) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, ErrEmptyJWKSURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("jwks")

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Error("JWKS refresh failed", zap.String("url", jwksURL), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	logger.Info("JWKS loaded", zap.String("url", jwksURL))

	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}, nil
}

// NewJWKSVerifierFromJSON builds a verifier from a static key set
func NewJWKSVerifierFromJSON(raw json.RawMessage, issuer, audience string) (*JWKSVerifier, error) {
	jwks, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}, nil
}

// Verify implements interfaces.IdentityVerifier
func (v *JWKSVerifier) Verify(_ context.Context, bearer string) (string, error) {
	return parse(bearer, v.jwks.Keyfunc, v.issuer, v.audience,
		jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg())
}

// Close stops the background refresh
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
