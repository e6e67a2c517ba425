package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"authzd/oauth"
	"authzd/store"
)

func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	resp, err := a.endSession(r)
	if err != nil {
		oe := oauth.AsError(err)
		if oe.Code == oauth.ServerError {
			a.Logger.ErrorContext(r.Context(), "end session failed", "error", oe.Cause)
		}
		resp = redirectResponse(a.errorPageURL(oe))
	}
	resp.Write(w)
}

// endSession starts RP-initiated logout. Without a session there is nothing
// to confirm and the user agent goes straight to the post-logout target.
func (a *App) endSession(r *http.Request) (*HTTPResponse, error) {
	ctx := r.Context()
	params, err := singleValued(r.URL.Query())
	if err != nil {
		return nil, err
	}

	clientID, err := a.endSessionClient(ctx, params)
	if err != nil {
		return nil, err
	}

	sessionID := a.Cookies.Read(r, sessionCookie)
	if sessionID == "" {
		return redirectResponse(a.postLogoutURL(params)), nil
	}
	sess, err := a.Repos.Sessions.FindOne(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		resp := redirectResponse(a.postLogoutURL(params))
		resp.SetCookie(a.Cookies.Clear(sessionCookie))
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	ticket, err := store.NewLogoutTicket(clientID, sess.ID, params, a.now(), a.Config.Authorization.LogoutTicketTTL)
	if err != nil {
		return nil, err
	}
	if err := a.Repos.LogoutTickets.Save(ctx, ticket); err != nil {
		return nil, fmt.Errorf("save logout ticket: %w", err)
	}
	q := url.Values{}
	q.Set("logout_challenge", ticket.LogoutChallenge)
	return redirectResponse(a.interactionURL(InteractionLogout, q)), nil
}

// endSessionClient resolves the client from client_id or the audience of
// id_token_hint and checks the post-logout redirect URI against it.
func (a *App) endSessionClient(ctx context.Context, params map[string]string) (string, error) {
	clientID := params[oauth.ClientIDParam]
	if hint := params[oauth.IDTokenHintParam]; hint != "" {
		claims, err := a.Tokens.ParseIDTokenHint(hint)
		if err != nil {
			return "", oauth.NewError(oauth.InvalidRequest, "Invalid id_token_hint.").WithCause(err)
		}
		switch {
		case clientID == "" && len(claims.Audience) > 0:
			clientID = claims.Audience[0]
		case clientID != "" && !slices.Contains(claims.Audience, clientID):
			return "", oauth.NewError(oauth.InvalidRequest, "The id_token_hint was not issued to the Client.")
		}
	}

	redirect := params[oauth.PostLogoutRedirectParam]
	if clientID == "" {
		if redirect != "" {
			return "", oauth.NewError(oauth.InvalidRequest, "The post_logout_redirect_uri requires a Client.")
		}
		return "", nil
	}
	client, err := a.interactionValidator.client(ctx, clientID)
	if err != nil {
		return "", err
	}
	if redirect != "" && !client.HasPostLogoutRedirectURI(redirect) {
		return "", oauth.NewError(oauth.InvalidRequest, "Invalid Post Logout Redirect URI.")
	}
	return client.ID, nil
}

// singleValued flattens request parameters. Parameters sent without a value
// are treated as omitted.
func singleValued(values url.Values) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for k, vals := range values {
		if len(vals) > 1 {
			return nil, oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Parameter %q is included more than once.", k))
		}
		if len(vals) == 1 && vals[0] != "" {
			out[k] = vals[0]
		}
	}
	return out, nil
}
