package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"authzd/oauth"
	"authzd/store"
)

// Interaction type names.
const (
	InteractionLogin         = "login"
	InteractionConsent       = "consent"
	InteractionSelectAccount = "select_account"
	InteractionCreate        = "create"
	InteractionLogout        = "logout"
)

// Decisions an interaction UI can submit.
const (
	DecisionAccept = "accept"
	DecisionDeny   = "deny"
)

// InteractionType serves the context an interaction UI renders and applies
// the decision it submits. Decide returns the URL the UI must send the user
// agent to next.
type InteractionType interface {
	Name() string
	Context(ctx context.Context, params url.Values) (any, error)
	Decide(ctx context.Context, form url.Values) (string, error)
}

// NewInteractionTypes builds the registry of interaction types.
func NewInteractionTypes(a *App) map[string]InteractionType {
	types := []InteractionType{
		&loginInteraction{app: a},
		&createInteraction{app: a},
		&consentInteraction{app: a},
		&selectAccountInteraction{app: a},
		&logoutInteraction{app: a},
	}
	registry := make(map[string]InteractionType, len(types))
	for _, it := range types {
		registry[it.Name()] = it
	}
	return registry
}

type clientView struct {
	ID   string `json:"client_id"`
	Name string `json:"client_name,omitempty"`
}

func newClientView(c *store.Client) clientView {
	return clientView{ID: c.ID, Name: c.Name}
}

type accountView struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	CreatedAt int64  `json:"created_at"`
}

func newAccountViews(logins []*store.Login) []accountView {
	views := make([]accountView, 0, len(logins))
	for _, l := range logins {
		views = append(views, accountView{ID: l.ID, Subject: l.UserID, CreatedAt: l.CreatedAt.Unix()})
	}
	return views
}

func (a *App) interactionType(name string) (InteractionType, error) {
	if name == "" {
		return nil, missingParameter("interaction_type")
	}
	it, ok := a.Interactions[name]
	if !ok {
		return nil, oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Unsupported interaction_type %q.", name))
	}
	return it, nil
}

func (a *App) handleInteractionContext(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	it, err := a.interactionType(params.Get("interaction_type"))
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	view, err := it.Context(r.Context(), params)
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (a *App) handleInteractionDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeOAuthError(w, r, oauth.NewError(oauth.InvalidRequest, "The request body is malformed."))
		return
	}
	redirectTo, err := a.decide(r.Context(), r.PostForm)
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"redirect_to": redirectTo})
}

// decide applies a decision form; the built-in UI calls it in-process.
func (a *App) decide(ctx context.Context, form url.Values) (string, error) {
	it, err := a.interactionType(form.Get("interaction_type"))
	if err != nil {
		return "", err
	}
	redirectTo, err := it.Decide(ctx, form)
	if err != nil {
		return "", err
	}
	a.Metrics.interactionDecision(it.Name(), form.Get("decision"))
	return redirectTo, nil
}

// writeOAuthError writes err as a JSON error body. Causes of server errors
// are logged, never returned.
func (a *App) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oauth.AsError(err)
	status := http.StatusBadRequest
	switch oe.Code {
	case oauth.ServerError:
		status = http.StatusInternalServerError
		a.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", oe.Cause)
	case oauth.InvalidClient:
		status = http.StatusUnauthorized
	}
	writeJSONStatus(w, status, oe.Parameters())
}

// resumeURL sends the user agent back to the authorization endpoint with
// the grant's original parameters.
func (a *App) resumeURL(grant *store.Grant) string {
	return a.publicURL("/authorize") + "?" + encodeParams(grant.Parameters)
}

// denyGrant ends the transaction at the end-user's request.
func (a *App) denyGrant(ctx context.Context, grant *store.Grant, code, description string) (string, error) {
	if err := a.Repos.Grants.Remove(ctx, grant); err != nil {
		return "", fmt.Errorf("remove grant: %w", err)
	}
	if code == "" {
		code = string(oauth.AccessDenied)
	}
	if description == "" {
		description = "The End-User denied the request."
	}
	oe := oauth.NewError(oauth.ErrorCode(code), description).WithState(grant.Parameters[oauth.StateParam])
	return a.errorPageURL(oe), nil
}

// acceptLogin creates a login for userID in the grant's session, makes it
// active and records interaction on the grant.
func (a *App) acceptLogin(ctx context.Context, grant *store.Grant, interaction, userID string, amr []string, acr string) (string, error) {
	sess, err := a.interactionValidator.session(ctx, grant.SessionID)
	if err != nil {
		return "", err
	}
	login := store.NewLogin(sess.ID, userID, amr, acr, a.now(), a.Config.Authorization.LoginTTL)
	if err := a.Repos.Logins.Save(ctx, login); err != nil {
		return "", fmt.Errorf("save login: %w", err)
	}
	sess.AddLogin(login.ID)
	if err := a.Repos.Sessions.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	grant.LoginID = login.ID
	grant.AddInteraction(interaction)
	if err := a.Repos.Grants.Save(ctx, grant); err != nil {
		return "", fmt.Errorf("save grant: %w", err)
	}
	a.Logger.InfoContext(ctx, "login accepted", "interaction_type", interaction, "user_id", userID, "client_id", grant.ClientID)
	return a.resumeURL(grant), nil
}
