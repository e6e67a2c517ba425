package server

import (
	"crypto/sha256"
	"encoding/base64"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"authzd/oauth"
)

// The built-in pages render interaction contexts and post decisions back to
// themselves; decisions are applied in-process through App.decide.

const uiTemplates = `
{{define "head"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 640px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1rem; }
section { margin-bottom: 2rem; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
input[type=text], input[type=email] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; margin-right: 0.5rem; }
.notice { color: #555; }
.error { border: 1px solid #d32f2f; background: #fbeaea; border-radius: 8px; padding: 1rem; }
</style>
</head>
<body>
{{end}}

{{define "foot"}}</body>
</html>
{{end}}

{{define "login"}}{{template "head" "Sign in"}}
<h1>{{if eq .Kind "create"}}Create an account{{else}}Sign in{{end}} to {{.ClientName}}</h1>
{{if .Context.Skip}}
<section>
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="login_challenge" value="{{.Challenge}}">
    <input type="hidden" name="subject" value="{{.Context.Subject}}">
    <button type="submit" name="decision" value="accept">Continue as {{.Context.Subject}}</button>
  </form>
</section>
{{end}}
{{if .Providers}}
<section>
  {{range .Providers}}
  <p><a href="{{$.ProviderPath}}/{{.}}?login_challenge={{$.Challenge}}">Continue with {{.}}</a></p>
  {{end}}
</section>
{{end}}
{{if .DevMode}}
<section>
  <p class="notice">Development mode: enter a subject directly.</p>
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="login_challenge" value="{{.Challenge}}">
    <label for="subject">Subject</label>
    <input id="subject" name="subject" type="text" value="{{.Context.LoginHint}}">
    {{if eq .Kind "create"}}
    <label for="name">Name</label>
    <input id="name" name="name" type="text">
    <label for="email">Email</label>
    <input id="email" name="email" type="email">
    {{end}}
    <input type="hidden" name="amr" value="pwd">
    <button type="submit" name="decision" value="accept">Continue</button>
    <button type="submit" name="decision" value="deny">Cancel</button>
  </form>
</section>
{{end}}
{{template "foot"}}{{end}}

{{define "consent"}}{{template "head" "Consent"}}
<h1>{{.ClientName}} requests access</h1>
<p>Signed in as {{.Context.Subject}}.</p>
<form method="post" action="{{.Action}}">
  <input type="hidden" name="consent_challenge" value="{{.Challenge}}">
  {{range .Context.RequestedScope}}
  <label><input type="checkbox" name="scope" value="{{.}}" checked> {{.}}</label>
  {{end}}
  <button type="submit" name="decision" value="accept">Allow</button>
  <button type="submit" name="decision" value="deny">Deny</button>
</form>
{{template "foot"}}{{end}}

{{define "select_account"}}{{template "head" "Choose an account"}}
<h1>Choose an account for {{.ClientName}}</h1>
<form method="post" action="{{.Action}}">
  <input type="hidden" name="login_challenge" value="{{.Challenge}}">
  {{range .Context.Logins}}
  <label><input type="radio" name="login_id" value="{{.ID}}" {{if eq .ID $.Context.ActiveLogin}}checked{{end}}> {{.Subject}}</label>
  {{end}}
  <button type="submit" name="decision" value="accept">Continue</button>
  <button type="submit" name="decision" value="deny">Cancel</button>
</form>
{{template "foot"}}{{end}}

{{define "logout"}}{{template "head" "Sign out"}}
<h1>Sign out{{if .ClientName}} of {{.ClientName}}{{end}}?</h1>
<ul>
{{range .Context.Logins}}<li>{{.Subject}}</li>{{end}}
</ul>
<form method="post" action="{{.Action}}">
  <input type="hidden" name="logout_challenge" value="{{.Challenge}}">
  <input type="hidden" name="session_id" value="{{.Context.SessionID}}">
  <button type="submit" name="decision" value="accept">Sign out</button>
  <button type="submit" name="decision" value="deny">Stay signed in</button>
</form>
{{template "foot"}}{{end}}

{{define "logged_out"}}{{template "head" "Signed out"}}
<h1>You are signed out.</h1>
{{template "foot"}}{{end}}

{{define "error"}}{{template "head" "Error"}}
<h1>Something went wrong</h1>
<div class="error">
  <p><strong>{{.Code}}</strong></p>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
</div>
{{template "foot"}}{{end}}
`

func parseTemplates() (*template.Template, error) {
	return template.New("ui").Parse(uiTemplates)
}

type uiPage struct {
	Kind         string
	Action       string
	Challenge    string
	ClientName   string
	Providers    []string
	ProviderPath string
	DevMode      bool
	Context      any
}

type uiError struct {
	Code        string
	Description string
}

func (a *App) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := a.templates.ExecuteTemplate(w, name, data); err != nil {
		a.Logger.ErrorContext(r.Context(), "render page", "template", name, "error", err)
	}
}

func (a *App) renderError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oauth.AsError(err)
	status := http.StatusBadRequest
	if oe.Code == oauth.ServerError {
		status = http.StatusInternalServerError
		a.Logger.ErrorContext(r.Context(), "interaction page failed", "path", r.URL.Path, "error", oe.Cause)
	}
	a.render(w, r, status, "error", uiError{Code: string(oe.Code), Description: oe.Description})
}

func (a *App) handleErrorPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("error")
	if code == "" {
		code = string(oauth.ServerError)
	}
	a.render(w, r, http.StatusOK, "error", uiError{Code: code, Description: q.Get("error_description")})
}

func (a *App) handleLoggedOutPage(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, http.StatusOK, "logged_out", nil)
}

// interactionPage serves GET and POST of one built-in interaction page.
func (a *App) interactionPage(kind, tmpl, challengeParam string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			a.submitInteractionPage(w, r, kind)
			return
		}
		it, err := a.interactionType(kind)
		if err != nil {
			a.renderError(w, r, err)
			return
		}
		view, err := it.Context(r.Context(), r.URL.Query())
		if err != nil {
			a.renderError(w, r, err)
			return
		}
		page := uiPage{
			Kind:         kind,
			Action:       r.URL.Path,
			Challenge:    r.URL.Query().Get(challengeParam),
			ProviderPath: a.publicURL("/ui/login"),
			DevMode:      a.Config.Server.DevMode,
			Context:      view,
		}
		switch v := view.(type) {
		case *loginContext:
			page.ClientName = displayName(v.Client)
			page.Providers = a.providerNames()
		case *consentContext:
			page.ClientName = displayName(v.Client)
		case *selectAccountContext:
			page.ClientName = displayName(v.Client)
		case *logoutContext:
			if v.Client != nil {
				page.ClientName = displayName(*v.Client)
			}
		}
		a.render(w, r, http.StatusOK, tmpl, page)
	}
}

func (a *App) submitInteractionPage(w http.ResponseWriter, r *http.Request, kind string) {
	if err := r.ParseForm(); err != nil {
		a.renderError(w, r, oauth.NewError(oauth.InvalidRequest, "The request body is malformed."))
		return
	}
	form := url.Values{}
	for k, v := range r.PostForm {
		form[k] = slices.Clone(v)
	}
	form.Set("interaction_type", kind)
	if !a.Config.Server.DevMode && (kind == InteractionLogin || kind == InteractionCreate) &&
		form.Get("decision") == DecisionAccept {
		a.renderError(w, r, oauth.NewError(oauth.AccessDenied, "Direct sign-in is only available in development mode."))
		return
	}
	if kind == InteractionConsent {
		form.Set("grant_scope", oauth.JoinList(r.PostForm["scope"]))
		form.Del("scope")
	}
	redirectTo, err := a.decide(r.Context(), form)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

func displayName(c clientView) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

func (a *App) providerNames() []string {
	names := make([]string, 0, len(a.Providers))
	for name := range a.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	if a.DefaultProvider != "" {
		if i := slices.Index(names, a.DefaultProvider); i > 0 {
			names = append([]string{a.DefaultProvider}, slices.Delete(names, i, i+1)...)
		}
	}
	return names
}

// upstreamNonce binds the upstream ID token to the login challenge that
// started the upstream login, so the callback needs no extra state.
func upstreamNonce(challenge string) string {
	sum := sha256.Sum256([]byte("nonce:" + challenge))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (a *App) handleUpstreamLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		a.renderError(w, r, oauth.NewError(oauth.InvalidRequest, "Unknown identity provider."))
		return
	}
	challenge := r.URL.Query().Get("login_challenge")
	if _, err := a.loginContext(r.Context(), r.URL.Query(), false); err != nil {
		a.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, provider.AuthCodeURL(challenge, upstreamNonce(challenge)), http.StatusFound)
}

// handleCallback completes an upstream login and accepts the pending login
// or create interaction for the upstream user.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		a.renderError(w, r, oauth.NewError(oauth.InvalidRequest, "Unknown identity provider."))
		return
	}
	q := r.URL.Query()
	challenge := q.Get("state")
	grant, err := a.interactionValidator.grantByLoginChallenge(ctx, challenge)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	kind := InteractionLogin
	if slices.Contains(oauth.SplitList(grant.Parameters[oauth.PromptParam]), oauth.PromptCreate) &&
		!grant.HasInteraction(InteractionCreate) {
		kind = InteractionCreate
	}
	form := url.Values{
		"interaction_type": {kind},
		"login_challenge":  {challenge},
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.InfoContext(ctx, "upstream login failed", "provider", name, "error", upstreamErr)
		form.Set("decision", DecisionDeny)
		form.Set("error", string(oauth.AccessDenied))
		form.Set("error_description", "The login with the identity provider failed.")
	} else {
		user, err := provider.Exchange(ctx, q.Get("code"), upstreamNonce(challenge))
		if err != nil {
			a.Logger.ErrorContext(ctx, "upstream exchange failed", "provider", name, "error", err)
			a.renderError(w, r, oauth.NewError(oauth.AccessDenied, "The login with the identity provider failed."))
			return
		}
		userID := buildUserID(name, user.Subject)
		if err := a.ensureUser(ctx, userID, user.Name, user.Email); err != nil {
			a.renderError(w, r, err)
			return
		}
		form.Set("decision", DecisionAccept)
		form.Set("subject", userID)
		form.Set("name", user.Name)
		form.Set("email", strings.TrimSpace(user.Email))
		form.Set("amr", "fed")
	}

	redirectTo, err := a.decide(ctx, form)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}
