package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ProviderUser is the identity an upstream IdP asserted.
type ProviderUser struct {
	Subject string
	Email   string
	Name    string
	Claims  map[string]any
}

// IdentityProvider is an upstream IdP users can log in with.
type IdentityProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, expectedNonce string) (ProviderUser, error)
}

// OIDCProvider logs users in at an upstream OpenID provider.
type OIDCProvider struct {
	name     string
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

type upstreamClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", name)
	}

	issuer := upstream.Issuer
	if resolved, ok := resolveAzureTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
		issuer = resolved
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		name: name,
		oauth2: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
	}, nil
}

func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange redeems the upstream code and verifies the returned ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce string) (ProviderUser, error) {
	tok, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return ProviderUser{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != expectedNonce {
		return ProviderUser{}, errors.New("nonce mismatch")
	}

	var profile upstreamClaims
	if err := idToken.Claims(&profile); err != nil {
		return ProviderUser{}, fmt.Errorf("parse claims: %w", err)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return ProviderUser{}, fmt.Errorf("parse claims: %w", err)
	}

	name := profile.Name
	if name == "" {
		name = profile.PreferredUsername
	}
	return ProviderUser{Subject: idToken.Subject, Email: profile.Email, Name: name, Claims: raw}, nil
}

// ProviderNames lists the upstream providers with an issuer, sorted.
func (c Config) ProviderNames() []string {
	var names []string
	if c.Server.Providers.Auth0.Issuer != "" {
		names = append(names, "auth0")
	}
	if c.Server.Providers.Entra.Issuer != "" {
		names = append(names, "entra")
	}
	for name, p := range c.Server.Providers.Extra {
		if p.Issuer != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// BuildProviders discovers every configured upstream provider. In dev mode a
// provider that cannot be reached is skipped with a warning.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[string]IdentityProvider, error) {
	providers := make(map[string]IdentityProvider)
	base := strings.TrimSuffix(cfg.Server.PublicURL, "/")

	for _, name := range cfg.ProviderNames() {
		prov, err := NewOIDCProvider(ctx, name, *cfg.Provider(name), base+"/callback/"+name)
		if err != nil {
			if !cfg.Server.DevMode {
				return nil, err
			}
			logger.Warn("provider init failed", "provider", name, "error", err)
			continue
		}
		providers[name] = prov
	}

	if def := cfg.Server.Providers.Default; def != "" {
		if _, ok := providers[def]; !ok {
			if !cfg.Server.DevMode {
				return nil, fmt.Errorf("default provider %s not configured", def)
			}
			logger.Warn("default provider unavailable", "provider", def)
		}
	}

	return providers, nil
}

// resolveAzureTenantIssuer rewrites the multi-tenant Entra issuer to the
// configured tenant.
func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" || !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	before, after, found := strings.Cut(trimmed, "/common")
	if !found {
		return base, false
	}
	if after != "" && after[0] != '/' {
		after = "/" + after
	}
	return before + "/" + tenant + after, true
}
