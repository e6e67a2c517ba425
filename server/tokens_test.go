package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authzd/oauth"
	"authzd/store"
)

func newTestTokenService(t *testing.T) (*TokenService, store.UserRepository) {
	t.Helper()
	jwks, err := NewJWKSManager(KeyConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	users := store.NewMemoryRepositories().Users
	if err := users.Save(context.Background(), &store.User{ID: "alice", Name: "Alice", Email: "alice@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	ts := NewTokenService("http://auth.test/", DefaultConfig().Authorization, jwks, users)
	return ts, users
}

func TestAccessTokenValidates(t *testing.T) {
	ts, _ := newTestTokenService(t)
	raw, err := ts.AccessToken("web", "alice", []string{"openid", "profile"})
	if err != nil {
		t.Fatalf("AccessToken returned error: %v", err)
	}

	claims := &AccessTokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, ts.jwks.Keyfunc,
		jwt.WithIssuer("http://auth.test"),
		jwt.WithAudience("web"),
	); err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if claims.ClientID != "web" {
		t.Fatalf("unexpected client id: %q", claims.ClientID)
	}
	if claims.Scope != "openid profile" {
		t.Fatalf("unexpected scope: %q", claims.Scope)
	}
}

func TestIDTokenHashesAndProfileClaims(t *testing.T) {
	ts, _ := newTestTokenService(t)
	authTime := time.Now().Add(-time.Minute).Truncate(time.Second)
	raw, err := ts.IDToken(context.Background(), IDTokenParams{
		ClientID:    "web",
		Subject:     "alice",
		Nonce:       "n-0S6",
		AuthTime:    authTime,
		AMR:         []string{"pwd"},
		SessionID:   "sid",
		Scopes:      []string{"openid", "profile"},
		AccessToken: "access",
		Code:        "code",
	})
	if err != nil {
		t.Fatalf("IDToken returned error: %v", err)
	}

	claims := &IDTokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, ts.jwks.Keyfunc); err != nil {
		t.Fatalf("parse id token: %v", err)
	}
	wantAt, _ := halfHash(DefaultSigningAlg, "access")
	wantC, _ := halfHash(DefaultSigningAlg, "code")
	if claims.AccessTokenHash != wantAt || claims.CodeHash != wantC {
		t.Fatalf("hash mismatch: at_hash=%q c_hash=%q", claims.AccessTokenHash, claims.CodeHash)
	}
	if claims.Nonce != "n-0S6" || claims.AuthTime != authTime.Unix() {
		t.Fatalf("unexpected nonce/auth_time: %q %d", claims.Nonce, claims.AuthTime)
	}
	if claims.Name != "Alice" {
		t.Fatalf("expected name claim, got %q", claims.Name)
	}
	if claims.Email != "" {
		t.Fatalf("email claim requires the email scope, got %q", claims.Email)
	}
	if len(claims.AMR) != 1 || claims.AMR[0] != "pwd" {
		t.Fatalf("unexpected amr: %v", claims.AMR)
	}
}

func TestParseIDTokenHint(t *testing.T) {
	ts, _ := newTestTokenService(t)
	ts.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	stale, err := ts.IDToken(context.Background(), IDTokenParams{ClientID: "web", Subject: "alice"})
	if err != nil {
		t.Fatalf("IDToken returned error: %v", err)
	}
	claims, err := ts.ParseIDTokenHint(stale)
	if err != nil {
		t.Fatalf("expired hint should be accepted: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}

	other := NewTokenService("http://other.test", DefaultConfig().Authorization, ts.jwks, ts.users)
	foreign, err := other.IDToken(context.Background(), IDTokenParams{ClientID: "web", Subject: "alice"})
	if err != nil {
		t.Fatalf("IDToken returned error: %v", err)
	}
	if _, err := ts.ParseIDTokenHint(foreign); err == nil {
		t.Fatal("expected hint from another issuer to be rejected")
	}
	if _, err := ts.ParseIDTokenHint("not-a-jwt"); err == nil {
		t.Fatal("expected malformed hint to be rejected")
	}
}

func TestVerifyPKCE(t *testing.T) {
	sum := sha256.Sum256([]byte("verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	if err := verifyPKCE(oauth.PKCES256, challenge, "verifier"); err != nil {
		t.Fatalf("expected PKCE verification to pass: %v", err)
	}
	if err := verifyPKCE(oauth.PKCES256, challenge, "wrong"); err == nil {
		t.Fatalf("expected PKCE verification to fail")
	}
	if err := verifyPKCE(oauth.PKCEPlain, "verifier", "verifier"); err != nil {
		t.Fatalf("expected plain PKCE verification to pass: %v", err)
	}
	if err := verifyPKCE(oauth.PKCES256, challenge, ""); err == nil {
		t.Fatalf("expected error when verifier missing")
	}
}

func TestHalfHash(t *testing.T) {
	sum := sha256.Sum256([]byte("token"))
	want := base64.RawURLEncoding.EncodeToString(sum[:16])
	got, err := halfHash("RS256", "token")
	if err != nil || got != want {
		t.Fatalf("halfHash RS256 = %q, %v; want %q", got, err, want)
	}
	if got, _ := halfHash("PS512", "token"); len(got) != 43 {
		t.Fatalf("expected 32-byte half for SHA-512, got %q", got)
	}
	if _, err := halfHash("HS1", "token"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
