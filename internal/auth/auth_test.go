package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"presencehub/pkg/types"
)

var testSecret = []byte("test-secret")

func signHS256(t *testing.T, claims jwt.Claims, secret []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return token
}

func TestHMACVerifier_Verify(t *testing.T) {
	v, err := NewHMACVerifier(testSecret, "presencehub", "")
	if err != nil {
		t.Fatalf("NewHMACVerifier failed: %v", err)
	}

	valid, err := IssueToken(testSecret, "alice", "presencehub", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	now := time.Now()
	expired := signHS256(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice", Issuer: "presencehub", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	}}, testSecret)
	noExpiry := signHS256(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "presencehub"}}, testSecret)
	wrongIssuer, _ := IssueToken(testSecret, "alice", "someone-else", time.Minute)
	wrongSecret, _ := IssueToken([]byte("other"), "alice", "presencehub", time.Minute)
	badSubject, _ := IssueToken(testSecret, "bad id!", "presencehub", time.Minute)
	byUsername := signHS256(t, Claims{
		RegisteredClaims:  jwt.RegisteredClaims{Issuer: "presencehub", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
		PreferredUsername: "bob",
	}, testSecret)

	tests := []struct {
		name    string
		bearer  string
		want    string
		wantErr error
	}{
		{"valid", valid, "alice", nil},
		{"valid with scheme", "Bearer " + valid, "alice", nil},
		{"preferred username fallback", byUsername, "bob", nil},
		{"empty", "", "", ErrMissingToken},
		{"garbage", "not-a-jwt", "", ErrInvalidToken},
		{"expired", expired, "", ErrInvalidToken},
		{"no expiry", noExpiry, "", ErrInvalidToken},
		{"wrong issuer", wrongIssuer, "", ErrInvalidToken},
		{"wrong secret", wrongSecret, "", ErrInvalidToken},
		{"invalid subject", badSubject, "", ErrInvalidUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(context.Background(), tt.bearer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, types.ErrAuthentication) {
					t.Errorf("Verify() error should wrap ErrAuthentication: %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Verify() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestHMACVerifier_RejectsOtherAlgorithms(t *testing.T) {
	v, _ := NewHMACVerifier(testSecret, "", "")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected HS512 to be rejected, got %v", err)
	}
}

func TestNewHMACVerifier_EmptySecret(t *testing.T) {
	if _, err := NewHMACVerifier(nil, "", ""); err != ErrEmptySecret {
		t.Errorf("Expected ErrEmptySecret, got %v", err)
	}
	if _, err := IssueToken(nil, "alice", "", time.Minute); err != ErrEmptySecret {
		t.Errorf("Expected ErrEmptySecret, got %v", err)
	}
}

func rsaJWKS(t *testing.T, kid string, key *rsa.PrivateKey) json.RawMessage {
	t.Helper()
	enc := base64.RawURLEncoding
	set := map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"alg": "RS256",
			"use": "sig",
			"n":   enc.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   enc.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal JWKS failed: %v", err)
	}
	return raw
}

func signRS256(t *testing.T, kid string, key *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return signed
}

func TestJWKSVerifier_Verify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	v, err := NewJWKSVerifierFromJSON(rsaJWKS(t, "k1", key), "https://idp.example/realms/app", "")
	if err != nil {
		t.Fatalf("NewJWKSVerifierFromJSON failed: %v", err)
	}
	defer v.Close()

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "carol",
		Issuer:    "https://idp.example/realms/app",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	if got, err := v.Verify(context.Background(), signRS256(t, "k1", key, claims)); err != nil || got != "carol" {
		t.Errorf("Verify() = %q, %v", got, err)
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	if _, err := v.Verify(context.Background(), signRS256(t, "k1", other, claims)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected foreign key to be rejected, got %v", err)
	}

	// An HMAC token must never validate against the key set.
	hs := signHS256(t, claims, testSecret)
	if _, err := v.Verify(context.Background(), hs); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected HS256 token to be rejected, got %v", err)
	}
}

func TestNewJWKSVerifier_FetchesKeySet(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	raw := rsaJWKS(t, "k1", key)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSVerifier(ctx, srv.URL, "", "", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewJWKSVerifier failed: %v", err)
	}
	defer v.Close()

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "dave", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	if got, err := v.Verify(ctx, signRS256(t, "k1", key, claims)); err != nil || got != "dave" {
		t.Errorf("Verify() = %q, %v", got, err)
	}

	if _, err := NewJWKSVerifier(ctx, "", "", "", nil); err != ErrEmptyJWKSURL {
		t.Errorf("Expected ErrEmptyJWKSURL, got %v", err)
	}
}
