package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"time"

	"authzd/oauth"
	"authzd/store"
)

// flowState is where an authorization request stands. It is derived from
// persisted entities on every request; nothing about it is kept in memory.
type flowState int

const (
	awaitingSession flowState = iota
	awaitingCreate
	awaitingSelectAccount
	awaitingLogin
	awaitingConsent
	ready
)

func (s flowState) String() string {
	switch s {
	case awaitingSession:
		return "awaiting_session"
	case awaitingCreate:
		return "awaiting_create"
	case awaitingSelectAccount:
		return "awaiting_select_account"
	case awaitingLogin:
		return "awaiting_login"
	case awaitingConsent:
		return "awaiting_consent"
	case ready:
		return "ready"
	}
	return "unknown"
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	a.authorize(r).Write(w)
}

func (a *App) authorize(r *http.Request) *HTTPResponse {
	ctx := r.Context()
	actx, err := a.Requests.Validate(ctx, r.URL.Query())
	if err != nil {
		return a.authorizationError(ctx, actx, err, nil)
	}

	flow := &authorizationFlow{app: a, r: r, actx: actx, now: a.now()}
	resp, err := flow.run(ctx)
	if err != nil {
		return a.authorizationError(ctx, actx, err, flow.cookies)
	}
	resp.SetCookie(flow.cookies...)
	return resp
}

// authorizationError delivers err to the client through the current
// response mode when the redirect URI is trusted, and to the error page
// otherwise.
func (a *App) authorizationError(ctx context.Context, actx *AuthorizationContext, err error, cookies []*http.Cookie) *HTTPResponse {
	oe := oauth.AsError(err)
	if oe.Code == oauth.ServerError {
		a.Logger.ErrorContext(ctx, "authorization failed", "error", oe.Cause)
	} else {
		a.Logger.InfoContext(ctx, "authorization rejected", "error", string(oe.Code), "description", oe.Description)
	}
	if oe.State == "" && actx != nil {
		oe = oe.WithState(actx.State)
	}

	if actx.Trusted() {
		a.Metrics.authorizationOutcome("error")
		params := oe.Parameters()
		a.injectIssuer(params)
		resp, rerr := actx.ResponseMode.CreateHTTPResponse(ctx, actx, params)
		if rerr == nil {
			resp.SetCookie(cookies...)
			return resp
		}
		a.Logger.ErrorContext(ctx, "encode authorization error", "error", rerr, "response_mode", actx.ResponseMode.Name())
		oe = oauth.AsError(rerr).WithState(oe.State)
	}

	a.Metrics.authorizationOutcome("fatal")
	resp := redirectResponse(a.errorPageURL(oe))
	resp.SetCookie(cookies...)
	return resp
}

func (a *App) injectIssuer(params map[string]string) {
	if a.Config.Authorization.EnableAuthorizationResponseIssuerIdentifier {
		params["iss"] = a.Tokens.Issuer()
	}
}

// authorizationFlow carries one request through the flow states. Cookies
// are collected so the error path can clear them as well.
type authorizationFlow struct {
	app     *App
	r       *http.Request
	actx    *AuthorizationContext
	now     time.Time
	session *store.Session
	grant   *store.Grant
	login   *store.Login
	consent *store.Consent
	cookies []*http.Cookie
}

func (f *authorizationFlow) setCookie(c *http.Cookie) {
	f.cookies = append(f.cookies, c)
}

func (f *authorizationFlow) run(ctx context.Context) (*HTTPResponse, error) {
	state, err := f.evaluate(ctx)
	if err != nil {
		return nil, err
	}
	f.app.Logger.DebugContext(ctx, "authorization flow", "client_id", f.actx.Client.ID, "state", state.String())

	switch state {
	case awaitingSession:
		return f.startSession(ctx)
	case awaitingCreate:
		return f.interact(ctx, InteractionCreate)
	case awaitingSelectAccount:
		return f.interact(ctx, InteractionSelectAccount)
	case awaitingLogin:
		return f.interact(ctx, InteractionLogin)
	case awaitingConsent:
		return f.interact(ctx, InteractionConsent)
	default:
		return f.respond(ctx)
	}
}

// evaluate loads the entities the request refers to and decides the state.
// Stale logins are logged out on the way; prompt=none turns any state that
// needs the end-user into an error.
func (f *authorizationFlow) evaluate(ctx context.Context) (flowState, error) {
	actx := f.actx
	none := actx.HasPrompt(oauth.PromptNone)

	if err := f.loadGrant(ctx); err != nil {
		return 0, err
	}

	if err := f.loadSession(ctx); err != nil {
		return 0, err
	}
	if f.session == nil {
		if none {
			return 0, oauth.NewError(oauth.LoginRequired, "The End-User is not authenticated.")
		}
		return awaitingSession, nil
	}
	if f.grant != nil && f.grant.SessionID != f.session.ID {
		f.grant = nil
		f.setCookie(f.app.Cookies.Clear(grantCookie))
	}

	if actx.HasPrompt(oauth.PromptCreate) && !f.hasInteraction(InteractionCreate) {
		return awaitingCreate, nil
	}

	if actx.HasPrompt(oauth.PromptSelectAccount) && !f.hasInteraction(InteractionSelectAccount) {
		if len(f.session.Logins) == 0 {
			return 0, oauth.NewError(oauth.LoginRequired, "The End-User has no available accounts.")
		}
		return awaitingSelectAccount, nil
	}

	if err := f.loadActiveLogin(ctx); err != nil {
		return 0, err
	}
	if f.login == nil {
		if none {
			return 0, oauth.NewError(oauth.LoginRequired, "The End-User is not authenticated.")
		}
		return awaitingLogin, nil
	}

	if f.needsReauthentication() {
		if err := f.logout(ctx, f.login); err != nil {
			return 0, err
		}
		f.login = nil
		if none {
			return 0, oauth.NewError(oauth.LoginRequired, "The End-User must authenticate again.")
		}
		return awaitingLogin, nil
	}

	if err := f.loadConsent(ctx); err != nil {
		return 0, err
	}
	if f.hasInteraction(InteractionConsent) && f.consent != nil {
		// The end-user answered for this grant; a partial consent stands.
		return ready, nil
	}
	if f.consent == nil || !f.consent.Covers(actx.Scopes) ||
		(actx.HasPrompt(oauth.PromptConsent) && !f.hasInteraction(InteractionConsent)) {
		if none {
			return 0, oauth.NewError(oauth.ConsentRequired, "The End-User has not consented to the requested scopes.")
		}
		return awaitingConsent, nil
	}
	return ready, nil
}

// needsReauthentication covers explicit prompt=login, max_age and an
// id_token_hint naming another user. A login produced by this grant's own
// interaction is always fresh enough.
func (f *authorizationFlow) needsReauthentication() bool {
	actx := f.actx
	if f.grant != nil && f.grant.LoginID == f.login.ID {
		return false
	}
	if actx.HasPrompt(oauth.PromptLogin) &&
		!f.hasInteraction(InteractionLogin) && !f.hasInteraction(InteractionCreate) {
		return true
	}
	if actx.HasMaxAge && f.now.After(f.login.CreatedAt.Add(time.Duration(actx.MaxAge)*time.Second)) {
		return true
	}
	if actx.IDTokenHintSubject != "" && actx.IDTokenHintSubject != f.login.UserID {
		return true
	}
	return false
}

func (f *authorizationFlow) hasInteraction(name string) bool {
	return f.grant != nil && f.grant.HasInteraction(name)
}

// loadGrant resumes the grant named by the grant cookie, if it still
// belongs to this request.
func (f *authorizationFlow) loadGrant(ctx context.Context) error {
	repo := f.app.Repos.Grants
	id := f.app.Cookies.Read(f.r, grantCookie)
	if id == "" {
		return nil
	}
	grant, err := repo.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		f.setCookie(f.app.Cookies.Clear(grantCookie))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load grant: %w", err)
	}

	var reason string
	switch {
	case grant.ClientID != f.actx.Client.ID:
		reason = "Mismatching Client Identifier."
	case grant.IsExpired(f.now):
		reason = "Expired Grant."
	case !maps.Equal(grant.Parameters, f.actx.Parameters):
		reason = "One or more parameters changed since the initial request."
	default:
		f.grant = grant
		return nil
	}
	if err := repo.Remove(ctx, grant); err != nil {
		return fmt.Errorf("remove grant: %w", err)
	}
	f.setCookie(f.app.Cookies.Clear(grantCookie))
	return oauth.NewError(oauth.AccessDenied, reason)
}

func (f *authorizationFlow) loadSession(ctx context.Context) error {
	id := f.app.Cookies.Read(f.r, sessionCookie)
	if id == "" {
		return nil
	}
	sess, err := f.app.Repos.Sessions.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	f.session = sess
	return nil
}

// loadActiveLogin resolves the session's active login. Expired or vanished
// logins are dropped from the session.
func (f *authorizationFlow) loadActiveLogin(ctx context.Context) error {
	if f.session.ActiveLogin == "" {
		return nil
	}
	login, err := f.app.Repos.Logins.FindOne(ctx, f.session.ActiveLogin)
	switch {
	case errors.Is(err, store.ErrNotFound):
		f.session.RemoveLogin(f.session.ActiveLogin)
		if err := f.app.Repos.Sessions.Save(ctx, f.session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load login: %w", err)
	case login.IsExpired(f.now):
		return f.logout(ctx, login)
	}
	f.login = login
	return nil
}

// logout removes login from the session and from storage.
func (f *authorizationFlow) logout(ctx context.Context, login *store.Login) error {
	return logoutLogin(ctx, f.app.Repos, f.session, login)
}

func logoutLogin(ctx context.Context, repos *store.Repositories, sess *store.Session, login *store.Login) error {
	sess.RemoveLogin(login.ID)
	if err := repos.Sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := repos.Logins.Remove(ctx, login); err != nil {
		return fmt.Errorf("remove login: %w", err)
	}
	return nil
}

func (f *authorizationFlow) loadConsent(ctx context.Context) error {
	repo := f.app.Repos.Consents
	consent, err := repo.FindOneByClientAndUser(ctx, f.actx.Client.ID, f.login.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load consent: %w", err)
	}
	if consent.IsExpired(f.now) {
		if err := repo.Remove(ctx, consent); err != nil {
			return fmt.Errorf("remove consent: %w", err)
		}
		return nil
	}
	f.consent = consent
	return nil
}

// startSession creates a session and sends the user agent back to the same
// request so it arrives with the cookie.
func (f *authorizationFlow) startSession(ctx context.Context) (*HTTPResponse, error) {
	sess := store.NewSession(f.now)
	if err := f.app.Repos.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	f.setCookie(f.app.Cookies.Set(sessionCookie, sess.ID))
	return redirectResponse(f.r.URL.RequestURI()), nil
}

// interact makes sure a grant exists and sends the user agent to the UI of
// the interaction.
func (f *authorizationFlow) interact(ctx context.Context, interaction string) (*HTTPResponse, error) {
	if f.grant == nil {
		grant, err := store.NewGrant(f.actx.Client.ID, f.session.ID, f.actx.Parameters, f.now, f.app.Config.Authorization.GrantTTL)
		if err != nil {
			return nil, err
		}
		if err := f.app.Repos.Grants.Save(ctx, grant); err != nil {
			return nil, fmt.Errorf("save grant: %w", err)
		}
		f.grant = grant
		f.setCookie(f.app.Cookies.Set(grantCookie, grant.ID))
	}

	params := url.Values{}
	if interaction == InteractionConsent {
		params.Set("consent_challenge", f.grant.ConsentChallenge)
	} else {
		params.Set("login_challenge", f.grant.LoginChallenge)
	}
	f.app.Metrics.authorizationOutcome("interaction_" + interaction)
	return redirectResponse(f.app.interactionURL(interaction, params)), nil
}

// respond issues the credentials and closes the grant.
func (f *authorizationFlow) respond(ctx context.Context) (*HTTPResponse, error) {
	actx := f.actx
	params, err := actx.ResponseType.Handle(ctx, actx, f.login, f.consent)
	if err != nil {
		return nil, err
	}
	f.app.injectIssuer(params)

	resp, err := actx.ResponseMode.CreateHTTPResponse(ctx, actx, params)
	if err != nil {
		return nil, err
	}

	if f.grant != nil {
		if err := f.app.Repos.Grants.Remove(ctx, f.grant); err != nil {
			return nil, fmt.Errorf("remove grant: %w", err)
		}
		f.setCookie(f.app.Cookies.Clear(grantCookie))
	}
	f.setCookie(f.app.Cookies.Set(sessionCookie, f.session.ID))
	f.setCookie(f.app.Cookies.Set(consentCookie, f.consent.ID))

	f.app.Metrics.authorizationOutcome("success")
	f.app.Logger.InfoContext(ctx, "authorization granted",
		"client_id", actx.Client.ID,
		"user_id", f.login.UserID,
		"response_type", actx.ResponseType.Name(),
		"response_mode", actx.ResponseMode.Name(),
	)
	return resp, nil
}
