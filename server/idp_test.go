package server

import (
	"context"
	"testing"
)

func TestResolveAzureTenantIssuer(t *testing.T) {
	issuer, ok := resolveAzureTenantIssuer("https://login.microsoftonline.com/common/v2.0", "abc123")
	if !ok {
		t.Fatalf("expected azure issuer rewrite to trigger")
	}
	want := "https://login.microsoftonline.com/abc123/v2.0"
	if issuer != want {
		t.Fatalf("issuer mismatch: got %q want %q", issuer, want)
	}

	issuer, ok = resolveAzureTenantIssuer("https://login.microsoftonline.com/{tenant}/v2.0", "abc123")
	if !ok || issuer != want {
		t.Fatalf("placeholder issuer mismatch: got %q (ok=%v) want %q", issuer, ok, want)
	}

	issuer, ok = resolveAzureTenantIssuer("https://example.com/oidc", "abc123")
	if ok {
		t.Fatalf("did not expect rewrite for non-Azure issuer")
	}
	if issuer != "https://example.com/oidc" {
		t.Fatalf("issuer should remain unchanged, got %q", issuer)
	}
}

func TestProviderNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Providers = ProviderConfig{
		Entra: UpstreamProvider{Issuer: "https://login.microsoftonline.com/common/v2.0"},
		Extra: map[string]UpstreamProvider{
			"keycloak": {Issuer: "https://sso.example.com/realms/main"},
			"disabled": {},
		},
	}
	got := cfg.ProviderNames()
	if len(got) != 2 || got[0] != "entra" || got[1] != "keycloak" {
		t.Fatalf("unexpected provider names: %v", got)
	}

	providers, err := BuildProviders(context.Background(), Config{}, testLogger())
	if err != nil || len(providers) != 0 {
		t.Fatalf("no providers configured should build an empty set: %v %v", providers, err)
	}
}
