package server

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authzd/oauth"
	"authzd/store"
)

// AccessTokenClaims captures the JWT claims we mint for access tokens.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// IDTokenClaims are the OpenID Connect ID token claims.
type IDTokenClaims struct {
	Nonce           string   `json:"nonce,omitempty"`
	AuthTime        int64    `json:"auth_time,omitempty"`
	ACR             string   `json:"acr,omitempty"`
	AMR             []string `json:"amr,omitempty"`
	SessionID       string   `json:"sid,omitempty"`
	AccessTokenHash string   `json:"at_hash,omitempty"`
	CodeHash        string   `json:"c_hash,omitempty"`
	AuthorizedParty string   `json:"azp,omitempty"`
	Name            string   `json:"name,omitempty"`
	Email           string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// IDTokenParams describes the authentication an ID token asserts.
type IDTokenParams struct {
	ClientID    string
	Subject     string
	Nonce       string
	AuthTime    time.Time
	ACR         string
	AMR         []string
	SessionID   string
	Scopes      []string
	AccessToken string
	Code        string
}

// TokenService mints and parses the tokens this server signs.
type TokenService struct {
	issuer     string
	accessTTL  time.Duration
	idTokenTTL time.Duration
	jwks       *JWKSManager
	users      store.UserRepository
	now        func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(issuer string, cfg AuthorizationConfig, jwks *JWKSManager, users store.UserRepository) *TokenService {
	return &TokenService{
		issuer:     strings.TrimSuffix(issuer, "/"),
		accessTTL:  cfg.AccessTokenTTL,
		idTokenTTL: cfg.IDTokenTTL,
		jwks:       jwks,
		users:      users,
		now:        time.Now,
	}
}

// Issuer is the iss value of every token.
func (ts *TokenService) Issuer() string {
	return ts.issuer
}

// AccessTokenTTL is the lifetime of minted access tokens.
func (ts *TokenService) AccessTokenTTL() time.Duration {
	return ts.accessTTL
}

// AccessToken mints a bearer token for subject on behalf of clientID.
func (ts *TokenService) AccessToken(clientID, subject string, scopes []string) (string, error) {
	now := ts.now()
	claims := AccessTokenClaims{
		Scope:    oauth.JoinList(scopes),
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	return ts.jwks.Sign(DefaultSigningAlg, claims)
}

// IDToken mints an ID token. Profile claims are added when the matching
// scopes were granted.
func (ts *TokenService) IDToken(ctx context.Context, p IDTokenParams) (string, error) {
	now := ts.now()
	claims := IDTokenClaims{
		Nonce:           p.Nonce,
		ACR:             p.ACR,
		AMR:             p.AMR,
		SessionID:       p.SessionID,
		AuthorizedParty: p.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.idTokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}

	var err error
	if p.AccessToken != "" {
		if claims.AccessTokenHash, err = halfHash(DefaultSigningAlg, p.AccessToken); err != nil {
			return "", err
		}
	}
	if p.Code != "" {
		if claims.CodeHash, err = halfHash(DefaultSigningAlg, p.Code); err != nil {
			return "", err
		}
	}

	wantsProfile := slices.Contains(p.Scopes, "profile")
	wantsEmail := slices.Contains(p.Scopes, "email")
	if wantsProfile || wantsEmail {
		user, err := ts.users.FindOne(ctx, p.Subject)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if user != nil {
			if wantsProfile {
				claims.Name = user.Name
			}
			if wantsEmail {
				claims.Email = user.Email
			}
		}
	}
	return ts.jwks.Sign(DefaultSigningAlg, claims)
}

// ParseIDTokenHint verifies the signature and issuer of an ID token this
// server issued. Expiry is ignored; hints are usually stale.
func (ts *TokenService) ParseIDTokenHint(hint string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	tok, err := jwt.ParseWithClaims(hint, claims, ts.jwks.Keyfunc,
		jwt.WithValidMethods(SigningAlgs),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Issuer != ts.issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

// halfHash computes at_hash and c_hash: the left half of the digest matching
// the signing algorithm, base64url encoded.
func halfHash(alg, value string) (string, error) {
	var h crypto.Hash
	switch alg[len(alg)-3:] {
	case "256":
		h = crypto.SHA256
	case "384":
		h = crypto.SHA384
	case "512":
		h = crypto.SHA512
	default:
		return "", fmt.Errorf("no hash for algorithm %q", alg)
	}
	hasher := h.New()
	hasher.Write([]byte(value))
	sum := hasher.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func verifyPKCE(method, challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	expected := verifier
	if method == oauth.PKCES256 {
		sum := crypto.SHA256.New()
		sum.Write([]byte(verifier))
		expected = base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errors.New("pkce verification failed")
	}
	return nil
}
