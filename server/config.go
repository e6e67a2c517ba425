package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"authzd/oauth"
	"authzd/store"
)

// Hardcoded lifetimes used when the config leaves them unset.
const (
	DefaultGrantTTL         = 10 * time.Minute
	DefaultLoginTTL         = 12 * time.Hour
	DefaultLogoutTicketTTL  = 10 * time.Minute
	DefaultCodeTTL          = 5 * time.Minute
	DefaultAccessTTL        = 10 * time.Minute
	DefaultIDTokenTTL       = time.Hour
	DefaultResponseTokenTTL = 5 * time.Minute
	DefaultCookiePrefix     = "guarani_"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Interaction   InteractionConfig   `yaml:"interaction"`
	Storage       StorageConfig       `yaml:"storage"`
	Keys          KeysConfig          `yaml:"keys"`
	Clients       []ClientConfig      `yaml:"clients" validate:"required,min=1,dive"`
	Users         []UserConfig        `yaml:"users,omitempty" validate:"dive"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string         `yaml:"public_url" validate:"required,url"`
	DevListenAddr   string         `yaml:"dev_listen_addr"`
	HTTPListenAddr  string         `yaml:"http_listen_addr"`
	HTTPSListenAddr string         `yaml:"https_listen_addr"`
	DevMode         bool           `yaml:"dev_mode"`
	CookieDomain    string         `yaml:"cookie_domain"`
	CookiePrefix    string         `yaml:"cookie_prefix"`
	SecretsPath     string         `yaml:"secrets_path"`
	TLS             TLSConfig      `yaml:"tls"`
	Providers       ProviderConfig `yaml:"providers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	MinVersion string   `yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// ProviderConfig groups upstream providers offered on the login page.
type ProviderConfig struct {
	Default string                      `yaml:"default"`
	Auth0   UpstreamProvider            `yaml:"auth0"`
	Entra   UpstreamProvider            `yaml:"entra"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer" validate:"omitempty,url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
}

// AuthorizationConfig tunes the authorization endpoint.
type AuthorizationConfig struct {
	Scopes        []string `yaml:"scopes" validate:"required,min=1,dive,required"`
	ResponseTypes []string `yaml:"response_types" validate:"dive,required"`
	ResponseModes []string `yaml:"response_modes" validate:"dive,required"`

	EnableAuthorizationResponseIssuerIdentifier bool `yaml:"enable_authorization_response_issuer_identifier"`

	GrantTTL         time.Duration `yaml:"grant_ttl" validate:"gt=0"`
	LoginTTL         time.Duration `yaml:"login_ttl" validate:"gt=0"`
	ConsentTTL       time.Duration `yaml:"consent_ttl" validate:"gte=0"`
	LogoutTicketTTL  time.Duration `yaml:"logout_ticket_ttl" validate:"gt=0"`
	CodeTTL          time.Duration `yaml:"code_ttl" validate:"gt=0"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl" validate:"gt=0"`
	IDTokenTTL       time.Duration `yaml:"id_token_ttl" validate:"gt=0"`
	ResponseTokenTTL time.Duration `yaml:"response_token_ttl" validate:"gt=0"`
}

// InteractionConfig points the flow at external interaction pages. Empty
// values fall back to the built-in pages.
type InteractionConfig struct {
	LoginURL         string `yaml:"login_url" validate:"omitempty,url"`
	ConsentURL       string `yaml:"consent_url" validate:"omitempty,url"`
	SelectAccountURL string `yaml:"select_account_url" validate:"omitempty,url"`
	CreateURL        string `yaml:"create_url" validate:"omitempty,url"`
	LogoutURL        string `yaml:"logout_url" validate:"omitempty,url"`
	ErrorURL         string `yaml:"error_url" validate:"omitempty,url"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=memory redis"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs" validate:"dive,hostname_port"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db" validate:"gte=0"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// KeysConfig controls the server signing keys.
type KeysConfig struct {
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval" validate:"gte=0"`
}

// ClientConfig describes an OAuth client.
type ClientConfig struct {
	ClientID               string   `yaml:"client_id" validate:"required"`
	ClientSecret           string   `yaml:"client_secret"`
	Name                   string   `yaml:"name"`
	RedirectURIs           []string `yaml:"redirect_uris" validate:"required,min=1,dive,required"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	ResponseTypes          []string `yaml:"response_types"`
	Scopes                 []string `yaml:"scopes" validate:"required,min=1,dive,required"`

	AuthorizationSignedResponseAlg    string `yaml:"authorization_signed_response_alg" validate:"omitempty,oneof=RS256 RS384 RS512 PS256 PS384 PS512"`
	AuthorizationEncryptedResponseAlg string `yaml:"authorization_encrypted_response_alg" validate:"omitempty,oneof=RSA-OAEP RSA-OAEP-256 ECDH-ES ECDH-ES+A128KW ECDH-ES+A256KW"`
	AuthorizationEncryptedResponseEnc string `yaml:"authorization_encrypted_response_enc" validate:"omitempty,oneof=A128CBC-HS256 A192CBC-HS384 A256CBC-HS512 A128GCM A192GCM A256GCM"`
	JWKS                              string `yaml:"jwks"`
	JWKSFile                          string `yaml:"jwks_file"`
}

// UserConfig seeds a user record at startup.
type UserConfig struct {
	ID    string `yaml:"id" validate:"required"`
	Name  string `yaml:"name"`
	Email string `yaml:"email" validate:"omitempty,email"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			CookiePrefix:    DefaultCookiePrefix,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			Providers: ProviderConfig{
				Entra: UpstreamProvider{
					Issuer: "https://login.microsoftonline.com/common/v2.0",
				},
			},
		},
		Authorization: AuthorizationConfig{
			Scopes:           []string{"openid", "profile", "email"},
			GrantTTL:         DefaultGrantTTL,
			LoginTTL:         DefaultLoginTTL,
			LogoutTicketTTL:  DefaultLogoutTicketTTL,
			CodeTTL:          DefaultCodeTTL,
			AccessTokenTTL:   DefaultAccessTTL,
			IDTokenTTL:       DefaultIDTokenTTL,
			ResponseTokenTTL: DefaultResponseTokenTTL,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Redis:  RedisConfig{KeyPrefix: "authzd:"},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHZD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHZD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHZD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHZD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHZD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHZD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHZD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHZD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHZD_SERVER_COOKIE_PREFIX":     func(v string) { cfg.Server.CookiePrefix = v },
		"AUTHZD_AUTHORIZATION_SCOPES":     func(v string) { cfg.Authorization.Scopes = splitAndTrim(v) },
		"AUTHZD_AUTHORIZATION_GRANT_TTL":  func(v string) { cfg.Authorization.GrantTTL = parseDuration(v, cfg.Authorization.GrantTTL) },
		"AUTHZD_AUTHORIZATION_LOGIN_TTL":  func(v string) { cfg.Authorization.LoginTTL = parseDuration(v, cfg.Authorization.LoginTTL) },
		"AUTHZD_AUTHORIZATION_ISS":        func(v string) { cfg.Authorization.EnableAuthorizationResponseIssuerIdentifier = parseBool(v, false) },
		"AUTHZD_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"AUTHZD_STORAGE_REDIS_ADDRS":      func(v string) { cfg.Storage.Redis.Addrs = splitAndTrim(v) },
		"AUTHZD_STORAGE_REDIS_USERNAME":   func(v string) { cfg.Storage.Redis.Username = v },
		"AUTHZD_STORAGE_REDIS_PASSWORD":   func(v string) { cfg.Storage.Redis.Password = v },
		"AUTHZD_STORAGE_REDIS_DB":         func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// newConfigValidator reports field errors using the yaml key names.
func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx != -1 {
		return ns[idx+1:]
	}
	return ns
}

// Validate checks struct tags first, then the rules spanning several fields.
func (c Config) Validate() error {
	if err := newConfigValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			for _, fe := range verrs {
				slog.Error("Invalid configuration value", "field", fieldPath(fe), "rule", fe.Tag(), "param", fe.Param())
			}
			fe := verrs[0]
			if fe.Param() != "" {
				return fmt.Errorf("%s: failed %q validation (%s)", fieldPath(fe), fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s: failed %q validation", fieldPath(fe), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	for _, name := range []string{"session", "grant", "consent"} {
		if err := (&http.Cookie{Name: c.Server.CookiePrefix + name, Value: "x"}).Valid(); err != nil {
			slog.Error("Invalid cookie prefix", "field", "server.cookie_prefix", "value", c.Server.CookiePrefix, "error", err)
			return fmt.Errorf("server.cookie_prefix %q does not yield a valid cookie name: %w", c.Server.CookiePrefix, err)
		}
	}

	// Cookie domain should be a suffix of the public URL host.
	if c.Server.CookieDomain != "" {
		host := ""
		if u, err := url.Parse(c.Server.PublicURL); err == nil {
			host = u.Hostname()
		}
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Storage.Driver == "redis" && len(c.Storage.Redis.Addrs) == 0 {
		slog.Error("Missing required configuration", "field", "storage.redis.addrs", "reason", "required by the redis driver")
		return errors.New("storage.redis.addrs is required when storage.driver is redis")
	}

	for _, rt := range c.Authorization.ResponseTypes {
		if !slices.Contains(ResponseTypeNames, oauth.SortedList(rt)) {
			slog.Error("Unsupported response type", "field", "authorization.response_types", "value", rt)
			return fmt.Errorf("authorization.response_types: unsupported response type %q", rt)
		}
	}
	for _, rm := range c.Authorization.ResponseModes {
		if !slices.Contains(ResponseModeNames, rm) {
			slog.Error("Unsupported response mode", "field", "authorization.response_modes", "value", rm)
			return fmt.Errorf("authorization.response_modes: unsupported response mode %q", rm)
		}
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if seen[client.ClientID] {
			slog.Error("Duplicate client", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, client.ClientID)
		}
		seen[client.ClientID] = true

		for j, uri := range client.RedirectURIs {
			if !isSafeRedirectURI(uri) {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", "must be a valid HTTP(S) URL")
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must be an absolute http(s) URL without credentials, got: %s", i, client.ClientID, j, uri)
			}
		}
		for j, uri := range client.PostLogoutRedirectURIs {
			if !isSafeRedirectURI(uri) {
				slog.Error("Invalid post logout redirect URI", "client_id", client.ClientID, "post_logout_redirect_uri", uri, "index", j)
				return fmt.Errorf("clients[%d] (%s): post_logout_redirect_uris[%d] must be an absolute http(s) URL without credentials, got: %s", i, client.ClientID, j, uri)
			}
		}
		for _, rt := range client.ResponseTypes {
			if !slices.Contains(ResponseTypeNames, oauth.SortedList(rt)) {
				slog.Error("Unsupported client response type", "client_id", client.ClientID, "response_type", rt)
				return fmt.Errorf("clients[%d] (%s): unsupported response type %q", i, client.ClientID, rt)
			}
		}
		for _, scope := range client.Scopes {
			if !slices.Contains(c.Authorization.Scopes, scope) {
				slog.Error("Client scope not supported by server", "client_id", client.ClientID, "scope", scope)
				return fmt.Errorf("clients[%d] (%s): scope %q is not listed in authorization.scopes", i, client.ClientID, scope)
			}
		}
		if client.AuthorizationEncryptedResponseAlg != "" && client.JWKS == "" && client.JWKSFile == "" {
			slog.Error("Client encryption requires keys", "client_id", client.ClientID, "field", "jwks")
			return fmt.Errorf("clients[%d] (%s): authorization_encrypted_response_alg requires jwks or jwks_file", i, client.ClientID)
		}
		if client.AuthorizationEncryptedResponseEnc != "" && client.AuthorizationEncryptedResponseAlg == "" {
			return fmt.Errorf("clients[%d] (%s): authorization_encrypted_response_enc requires authorization_encrypted_response_alg", i, client.ClientID)
		}
	}

	if c.Server.Providers.Default != "" {
		provider := c.Provider(c.Server.Providers.Default)
		if provider == nil {
			slog.Error("Default provider not found", "default_provider", c.Server.Providers.Default, "available", []string{"auth0", "entra"})
			return fmt.Errorf("server.providers.default '%s' is not configured (check providers.auth0, providers.entra, or providers.extra)", c.Server.Providers.Default)
		}
		if provider.Issuer == "" {
			slog.Error("Provider missing issuer", "provider", c.Server.Providers.Default, "field", fmt.Sprintf("server.providers.%s.issuer", c.Server.Providers.Default))
			return fmt.Errorf("server.providers.%s.issuer is required", c.Server.Providers.Default)
		}
		if provider.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", c.Server.Providers.Default, "field", fmt.Sprintf("server.providers.%s.client_id", c.Server.Providers.Default))
			return fmt.Errorf("server.providers.%s.client_id is required", c.Server.Providers.Default)
		}
	}

	return nil
}

// Provider retrieves an upstream provider by name.
func (c Config) Provider(name string) *UpstreamProvider {
	switch name {
	case "auth0":
		return &c.Server.Providers.Auth0
	case "entra":
		return &c.Server.Providers.Entra
	default:
		if p, ok := c.Server.Providers.Extra[name]; ok {
			return &p
		}
		return nil
	}
}

// InferCORSOrigins extracts allowed origins from client redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(rawURL string) string {
	if rawURL == "" || rawURL == "*" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// toClient converts a client definition into the stored record.
func (cc ClientConfig) toClient() (*store.Client, error) {
	responseTypes := make([]string, 0, len(cc.ResponseTypes))
	for _, rt := range cc.ResponseTypes {
		responseTypes = append(responseTypes, oauth.SortedList(rt))
	}
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	var jwks json.RawMessage
	switch {
	case cc.JWKS != "":
		jwks = json.RawMessage(cc.JWKS)
	case cc.JWKSFile != "":
		b, err := os.ReadFile(cc.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("read jwks for client %s: %w", cc.ClientID, err)
		}
		jwks = json.RawMessage(b)
	}
	if jwks != nil && !json.Valid(jwks) {
		return nil, fmt.Errorf("client %s: jwks is not valid JSON", cc.ClientID)
	}

	return &store.Client{
		ID:                                cc.ClientID,
		Secret:                            cc.ClientSecret,
		Name:                              cc.Name,
		RedirectURIs:                      slices.Clone(cc.RedirectURIs),
		PostLogoutRedirectURIs:            slices.Clone(cc.PostLogoutRedirectURIs),
		ResponseTypes:                     responseTypes,
		Scopes:                            slices.Clone(cc.Scopes),
		AuthorizationSignedResponseAlg:    cc.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: cc.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: cc.AuthorizationEncryptedResponseEnc,
		JWKS:                              jwks,
	}, nil
}
