package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	// Endpoints called from client-side code.
	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware(CORSConfig{
			AllowedMethods:   DefaultCORSAllowedMethods,
			AllowedHeaders:   DefaultCORSAllowedHeaders,
			ClientOriginURLs: a.Config.InferCORSOrigins(),
		}))
		r.Get("/.well-known/openid-configuration", a.handleDiscovery)
		r.Get("/.well-known/jwks.json", a.handleJWKS)
		r.Get("/jwks.json", a.handleJWKS)
		r.Post("/token", a.handleToken)
		r.Options("/token", func(http.ResponseWriter, *http.Request) {})
	})

	r.Get("/authorize", a.handleAuthorize)
	r.Get("/end_session", a.handleEndSession)

	r.Get("/interaction", a.handleInteractionContext)
	r.Post("/interaction", a.handleInteractionDecision)

	r.Handle("/metrics", a.Metrics.Handler())

	r.Route("/ui", func(r chi.Router) {
		r.HandleFunc("/login", a.interactionPage(InteractionLogin, "login", "login_challenge"))
		r.HandleFunc("/create", a.interactionPage(InteractionCreate, "login", "login_challenge"))
		r.HandleFunc("/consent", a.interactionPage(InteractionConsent, "consent", "consent_challenge"))
		r.HandleFunc("/select-account", a.interactionPage(InteractionSelectAccount, "select_account", "login_challenge"))
		r.HandleFunc("/logout", a.interactionPage(InteractionLogout, "logout", "logout_challenge"))
		r.Get("/logged-out", a.handleLoggedOutPage)
		r.Get("/login/{idp}", a.handleUpstreamLogin)
	})
	r.Get("/callback/{idp}", a.handleCallback)
	r.Get("/error", a.handleErrorPage)

	return r
}
