package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Clients = []ClientConfig{{
		ClientID:     "web",
		ClientSecret: "s3cret",
		RedirectURIs: []string{"http://localhost:3000/callback"},
		Scopes:       []string{"openid", "profile"},
	}}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
# comment lines are ignored
clients:
  - client_id: web
    client_secret: s3cret
    redirect_uris: ["http://localhost/callback"]
    scopes: ["openid", "profile"]
`)

	t.Setenv("AUTHZD_SERVER_PUBLIC_URL", "https://auth.example.com")
	t.Setenv("AUTHZD_AUTHORIZATION_GRANT_TTL", "2m")
	t.Setenv("AUTHZD_AUTHORIZATION_ISS", "true")
	t.Setenv("AUTHZD_STORAGE_DRIVER", "redis")
	t.Setenv("AUTHZD_STORAGE_REDIS_ADDRS", "127.0.0.1:6379, 127.0.0.1:6380")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Authorization.GrantTTL != 2*time.Minute {
		t.Fatalf("GrantTTL override mismatch, got %s", cfg.Authorization.GrantTTL)
	}
	if !cfg.Authorization.EnableAuthorizationResponseIssuerIdentifier {
		t.Fatal("expected issuer identifier to be enabled")
	}
	if cfg.Storage.Driver != "redis" || len(cfg.Storage.Redis.Addrs) != 2 {
		t.Fatalf("storage override mismatch: %+v", cfg.Storage)
	}
	if cfg.Server.CookiePrefix != DefaultCookiePrefix {
		t.Fatalf("expected default cookie prefix, got %q", cfg.Server.CookiePrefix)
	}
}

func TestConfigValidateRequiresClient(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when no clients are configured")
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  unknown_field: value
clients:
  - client_id: web
    redirect_uris: ["http://localhost/callback"]
    scopes: ["openid"]
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "public_url_scheme",
			mutate:  func(c *Config) { c.Server.PublicURL = "ftp://auth.example.com" },
			wantErr: "server.public_url must start with http:// or https://",
		},
		{
			name:    "tls_min_version",
			mutate:  func(c *Config) { c.Server.TLS.MinVersion = "1.1" },
			wantErr: "min_version",
		},
		{
			name:    "missing_client_id",
			mutate:  func(c *Config) { c.Clients[0].ClientID = "" },
			wantErr: "client_id",
		},
		{
			name:    "unsafe_redirect_uri",
			mutate:  func(c *Config) { c.Clients[0].RedirectURIs = []string{"javascript:alert(1)"} },
			wantErr: "redirect_uris[0]",
		},
		{
			name:    "unsafe_post_logout_redirect_uri",
			mutate:  func(c *Config) { c.Clients[0].PostLogoutRedirectURIs = []string{"https://user@evil.example/"} },
			wantErr: "post_logout_redirect_uris[0]",
		},
		{
			name: "duplicate_client",
			mutate: func(c *Config) {
				c.Clients = append(c.Clients, c.Clients[0])
			},
			wantErr: "duplicate client_id",
		},
		{
			name:    "client_scope_not_supported",
			mutate:  func(c *Config) { c.Clients[0].Scopes = []string{"openid", "admin"} },
			wantErr: `scope "admin" is not listed`,
		},
		{
			name:    "client_response_type",
			mutate:  func(c *Config) { c.Clients[0].ResponseTypes = []string{"code token_exchange"} },
			wantErr: "unsupported response type",
		},
		{
			name:    "server_response_mode",
			mutate:  func(c *Config) { c.Authorization.ResponseModes = []string{"web_message"} },
			wantErr: "unsupported response mode",
		},
		{
			name:    "redis_without_addrs",
			mutate:  func(c *Config) { c.Storage.Driver = "redis" },
			wantErr: "storage.redis.addrs",
		},
		{
			name:    "unknown_storage_driver",
			mutate:  func(c *Config) { c.Storage.Driver = "etcd" },
			wantErr: "driver",
		},
		{
			name:    "encryption_without_jwks",
			mutate:  func(c *Config) { c.Clients[0].AuthorizationEncryptedResponseAlg = "RSA-OAEP-256" },
			wantErr: "requires jwks",
		},
		{
			name:    "enc_without_alg",
			mutate:  func(c *Config) { c.Clients[0].AuthorizationEncryptedResponseEnc = "A256GCM" },
			wantErr: "requires authorization_encrypted_response_alg",
		},
		{
			name:    "cookie_prefix",
			mutate:  func(c *Config) { c.Server.CookiePrefix = "bad;" },
			wantErr: "server.cookie_prefix",
		},
		{
			name: "cookie_domain_mismatch",
			mutate: func(c *Config) {
				c.Server.PublicURL = "https://auth.example.com"
				c.Server.CookieDomain = ".other.org"
			},
			wantErr: "server.cookie_domain",
		},
		{
			name:    "unconfigured_default_provider",
			mutate:  func(c *Config) { c.Server.Providers.Default = "okta" },
			wantErr: "server.providers.default 'okta' is not configured",
		},
		{
			name: "default_provider_without_client_id",
			mutate: func(c *Config) {
				c.Server.Providers.Default = "entra"
			},
			wantErr: "server.providers.entra.client_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigAcceptsResponseTypePermutations(t *testing.T) {
	cfg := validConfig()
	cfg.Authorization.ResponseTypes = []string{"token id_token", "code"}
	cfg.Clients[0].ResponseTypes = []string{"id_token code"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("permuted response types rejected: %v", err)
	}
	client, err := cfg.Clients[0].toClient()
	if err != nil {
		t.Fatalf("toClient: %v", err)
	}
	if client.DefaultResponseType() != "code id_token" {
		t.Fatalf("expected canonical response type, got %q", client.DefaultResponseType())
	}
}
