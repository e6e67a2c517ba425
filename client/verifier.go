// Package client verifies what an authzd server hands to a relying party:
// ID tokens, bearer access tokens, and JWT secured authorization responses.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// signingAlgs are the algorithms an authzd server signs with.
var signingAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

// VerifierConfig configures the verifier.
type VerifierConfig struct {
	Issuer     string
	ClientID   string
	JWKSURL    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	// DecryptionKey is the private half of the client's registered encryption
	// key. Only needed when authorization responses are encrypted.
	DecryptionKey any
	Leeway        time.Duration
}

// Verifier checks tokens signed by the authorization server.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// IDToken is the verified content of an ID token.
type IDToken struct {
	Subject         string
	Issuer          string
	Audiences       []string
	Nonce           string
	AuthTime        time.Time
	ACR             string
	AMR             []string
	SessionID       string
	AccessTokenHash string
	CodeHash        string
	Name            string
	Email           string
	ExpiresAt       time.Time
}

// Claims is a simplified view of validated access token claims.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewVerifier creates a verifier. JWKSURL defaults to the issuer's jwks.json.
func NewVerifier(cfg VerifierConfig) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	if cfg.JWKSURL == "" && cfg.Issuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/jwks.json"
	}
	return &Verifier{cfg: cfg, client: client}
}

// VerifyIDToken checks signature, issuer, audience and expiry. A non-empty
// nonce must match the one sent with the authorization request.
func (v *Verifier) VerifyIDToken(ctx context.Context, raw, nonce string) (*IDToken, error) {
	claims := jwt.MapClaims{}
	if err := v.parse(ctx, raw, claims, jwt.WithExpirationRequired()); err != nil {
		return nil, fmt.Errorf("id token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("id token: sub missing")
	}
	tokenNonce, _ := claims["nonce"].(string)
	if nonce != "" && tokenNonce != nonce {
		return nil, errors.New("id token: nonce mismatch")
	}

	tok := &IDToken{
		Subject:   sub,
		Audiences: normalizeAudience(claims["aud"]),
		Nonce:     tokenNonce,
		AuthTime:  parseUnix(claims["auth_time"]),
		AMR:       normalizeAudience(claims["amr"]),
		ExpiresAt: parseUnix(claims["exp"]),
	}
	tok.Issuer, _ = claims["iss"].(string)
	tok.ACR, _ = claims["acr"].(string)
	tok.SessionID, _ = claims["sid"].(string)
	tok.AccessTokenHash, _ = claims["at_hash"].(string)
	tok.CodeHash, _ = claims["c_hash"].(string)
	tok.Name, _ = claims["name"].(string)
	tok.Email, _ = claims["email"].(string)
	return tok, nil
}

// VerifyAccessToken validates a bearer access token issued to the client.
func (v *Verifier) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if err := v.parse(ctx, raw, claims, jwt.WithExpirationRequired()); err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	return mapClaims(claims)
}

// ParseResponse verifies a JWT secured authorization response, decrypting it
// first when it is a JWE, and returns the authorization response parameters.
func (v *Verifier) ParseResponse(ctx context.Context, raw string) (map[string]string, error) {
	if raw == "" {
		return nil, errors.New("response required")
	}
	if strings.Count(raw, ".") == 4 {
		if v.cfg.DecryptionKey == nil {
			return nil, errors.New("encrypted response but no decryption key configured")
		}
		jwe, err := jose.ParseEncrypted(raw)
		if err != nil {
			return nil, fmt.Errorf("parse encrypted response: %w", err)
		}
		plain, err := jwe.Decrypt(v.cfg.DecryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt response: %w", err)
		}
		raw = string(plain)
	}

	claims := jwt.MapClaims{}
	if err := v.parse(ctx, raw, claims, jwt.WithExpirationRequired()); err != nil {
		return nil, fmt.Errorf("authorization response: %w", err)
	}

	params := make(map[string]string, len(claims))
	for k, val := range claims {
		switch k {
		case "aud", "exp", "iat":
			continue
		}
		if s, ok := val.(string); ok {
			params[k] = s
		}
	}
	return params, nil
}

// ResponseFromRequest extracts the JWT response delivered to the redirect
// URI by query.jwt or form_post.jwt.
func ResponseFromRequest(r *http.Request) (string, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return "", err
		}
		if resp := r.PostForm.Get("response"); resp != "" {
			return resp, nil
		}
	}
	if resp := r.URL.Query().Get("response"); resp != "" {
		return resp, nil
	}
	return "", errors.New("response parameter missing")
}

func (v *Verifier) parse(ctx context.Context, raw string, claims jwt.MapClaims, opts ...jwt.ParserOption) error {
	if raw == "" {
		return errors.New("token required")
	}
	opts = append(opts,
		jwt.WithValidMethods(signingAlgs),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.ClientID))
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return err
	}

	tok, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// kid miss: the server may have rotated
			if refreshed, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(refreshed, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("token invalid")
	}
	return nil
}

// HasScopes ensures the claims include the required scopes.
func HasScopes(claims *Claims, required ...string) error {
	have := make(map[string]struct{}, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// RequireAuth validates bearer access tokens and injects claims into the
// request context.
func RequireAuth(v *Verifier, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyAccessToken(r.Context(), parts[1])
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := HasScopes(claims, requiredScopes...); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func (v *Verifier) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func mapClaims(mc jwt.MapClaims) (*Claims, error) {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}
	iss, _ := mc["iss"].(string)
	scopeStr, _ := mc["scope"].(string)
	clientID, _ := mc["client_id"].(string)
	jti, _ := mc["jti"].(string)

	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: normalizeAudience(mc["aud"]),
		Scopes:    strings.Fields(scopeStr),
		ClientID:  clientID,
		TokenID:   jti,
		ExpiresAt: parseUnix(mc["exp"]),
		IssuedAt:  parseUnix(mc["iat"]),
		Raw:       raw,
	}, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.Use == "enc" {
			continue
		}
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
