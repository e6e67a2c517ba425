package server

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"authzd/oauth"
	"authzd/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config Config
	Logger *slog.Logger
	Repos  *store.Repositories
	JWKS   *JWKSManager
	Tokens *TokenService

	Scopes        *ScopeChecker
	ResponseTypes map[string]ResponseType
	ResponseModes map[string]ResponseMode
	Requests      *AuthorizationRequestValidator
	JARM          *JARMHandler
	Interactions  map[string]InteractionType
	Cookies       *CookieManager
	Clients       *ClientRegistry
	Metrics       *Metrics

	Providers       map[string]IdentityProvider
	DefaultProvider string

	interactionValidator *interactionValidator
	templates            *template.Template
	closer               io.Closer
	clock                func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if len(cfg.Authorization.ResponseTypes) == 0 {
		cfg.Authorization.ResponseTypes = slices.Clone(ResponseTypeNames)
	}
	if len(cfg.Authorization.ResponseModes) == 0 {
		cfg.Authorization.ResponseModes = slices.Clone(ResponseModeNames)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		clock:  time.Now,
	}

	switch cfg.Storage.Driver {
	case "", "memory":
		app.Repos = store.NewMemoryRepositories()
	case "redis":
		client, err := store.NewRedisClient(ctx, store.RedisConfig{
			Addrs:    cfg.Storage.Redis.Addrs,
			Username: cfg.Storage.Redis.Username,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		app.Repos = store.NewRedisRepositories(client, cfg.Storage.Redis.KeyPrefix)
		app.closer = client
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	clients, err := NewClientRegistry(ctx, cfg.Clients, app.Repos.Clients)
	if err != nil {
		return nil, err
	}
	app.Clients = clients
	for _, u := range cfg.Users {
		user := &store.User{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: app.now()}
		if err := app.Repos.Users.Save(ctx, user); err != nil {
			return nil, fmt.Errorf("store user %s: %w", u.ID, err)
		}
	}

	jwksPath := cfg.Keys.JWKSPath
	if jwksPath == "" && cfg.Server.SecretsPath != "" {
		jwksPath = filepath.Join(cfg.Server.SecretsPath, "jwks.json")
	}
	jwks, err := NewJWKSManager(KeyConfig{JWKSPath: jwksPath, RotateInterval: cfg.Keys.RotateInterval}, logger)
	if err != nil {
		return nil, err
	}
	app.JWKS = jwks

	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	app.Tokens = NewTokenService(issuer, cfg.Authorization, jwks, app.Repos.Users)
	app.Tokens.now = app.now
	app.JARM = NewJARMHandler(issuer, cfg.Authorization.ResponseTokenTTL, jwks)
	app.JARM.now = app.now

	app.Scopes = NewScopeChecker(cfg.Authorization.Scopes)
	app.ResponseTypes, err = NewResponseTypes(cfg.Authorization.ResponseTypes, app.Tokens,
		app.Repos.AuthorizationCodes, cfg.Authorization.CodeTTL, app.now)
	if err != nil {
		return nil, err
	}
	app.ResponseModes = NewResponseModes(app.JARM)
	app.Requests = NewAuthorizationRequestValidator(app.Repos.Clients, app.Scopes,
		app.ResponseTypes, app.ResponseModes, cfg.Authorization.ResponseModes, app.Tokens)

	app.Cookies = NewCookieManager(cfg.Server)
	app.Metrics = NewMetrics()
	app.interactionValidator = newInteractionValidator(app.Repos, app.now)
	app.Interactions = NewInteractionTypes(app)

	app.templates, err = parseTemplates()
	if err != nil {
		return nil, err
	}

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Providers = providers
	app.DefaultProvider = cfg.Server.Providers.Default

	logger.Info("authorization server ready",
		"issuer", issuer,
		"storage", cfg.Storage.Driver,
		"response_types", len(app.ResponseTypes),
		"providers", len(providers))
	return app, nil
}

// Close releases the storage connection, if any.
func (a *App) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *App) now() time.Time {
	return a.clock()
}

func (a *App) publicURL(path string) string {
	return strings.TrimSuffix(a.Config.Server.PublicURL, "/") + path
}

// interactionURL points at the configured UI for kind, or the built-in page.
func (a *App) interactionURL(kind string, params url.Values) string {
	ic := a.Config.Interaction
	var target string
	switch kind {
	case InteractionLogin:
		target = firstNonEmpty(ic.LoginURL, a.publicURL("/ui/login"))
	case InteractionConsent:
		target = firstNonEmpty(ic.ConsentURL, a.publicURL("/ui/consent"))
	case InteractionSelectAccount:
		target = firstNonEmpty(ic.SelectAccountURL, a.publicURL("/ui/select-account"))
	case InteractionCreate:
		target = firstNonEmpty(ic.CreateURL, a.publicURL("/ui/create"))
	case InteractionLogout:
		target = firstNonEmpty(ic.LogoutURL, a.publicURL("/ui/logout"))
	default:
		target = a.publicURL("/ui/" + kind)
	}
	return appendQuery(target, params)
}

// errorPageURL is where fatal errors are shown to the end-user.
func (a *App) errorPageURL(oe *oauth.Error) string {
	target := firstNonEmpty(a.Config.Interaction.ErrorURL, a.publicURL("/error"))
	return appendQuery(target, oe.Values())
}

func appendQuery(target string, params url.Values) string {
	if len(params) == 0 {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vals := range params {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
