package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"authzd/oauth"
	"authzd/store"
)

type logoutContextRequest struct {
	LogoutChallenge string `form:"logout_challenge" validate:"required,hexadecimal,len=64"`
}

type logoutDecisionRequest struct {
	LogoutChallenge string `form:"logout_challenge" validate:"required,hexadecimal,len=64"`
	Decision        string `form:"decision" validate:"required,oneof=accept deny"`
	SessionID       string `form:"session_id" validate:"required_if=Decision accept"`
}

type logoutContext struct {
	LogoutChallenge       string        `json:"logout_challenge"`
	SessionID             string        `json:"session_id"`
	Logins                []accountView `json:"logins"`
	Client                *clientView   `json:"client,omitempty"`
	PostLogoutRedirectURI string        `json:"post_logout_redirect_uri,omitempty"`
	LogoutHint            string        `json:"logout_hint,omitempty"`
	UILocales             []string      `json:"ui_locales,omitempty"`
}

// logoutInteraction confirms RP-initiated logout with the end-user.
type logoutInteraction struct {
	app *App
}

func (it *logoutInteraction) Name() string { return InteractionLogout }

func (it *logoutInteraction) Context(ctx context.Context, params url.Values) (any, error) {
	iv := it.app.interactionValidator
	req := logoutContextRequest{LogoutChallenge: params.Get("logout_challenge")}
	if err := iv.check(req); err != nil {
		return nil, err
	}
	ticket, err := iv.logoutTicket(ctx, req.LogoutChallenge)
	if err != nil {
		return nil, err
	}
	sess, err := iv.session(ctx, ticket.SessionID)
	if err != nil {
		return nil, err
	}
	logins, err := iv.liveLogins(ctx, sess)
	if err != nil {
		return nil, err
	}

	view := &logoutContext{
		LogoutChallenge:       ticket.LogoutChallenge,
		SessionID:             sess.ID,
		Logins:                newAccountViews(logins),
		PostLogoutRedirectURI: ticket.Parameters[oauth.PostLogoutRedirectParam],
		LogoutHint:            ticket.Parameters[oauth.LogoutHintParam],
		UILocales:             oauth.SplitList(ticket.Parameters[oauth.UILocalesParam]),
	}
	if ticket.ClientID != "" {
		client, err := iv.client(ctx, ticket.ClientID)
		if err != nil {
			return nil, err
		}
		cv := newClientView(client)
		view.Client = &cv
	}
	return view, nil
}

func (it *logoutInteraction) Decide(ctx context.Context, form url.Values) (string, error) {
	iv := it.app.interactionValidator
	repos := it.app.Repos
	req := logoutDecisionRequest{
		LogoutChallenge: form.Get("logout_challenge"),
		Decision:        form.Get("decision"),
		SessionID:       form.Get("session_id"),
	}
	if err := iv.check(req); err != nil {
		return "", err
	}
	ticket, err := iv.logoutTicket(ctx, req.LogoutChallenge)
	if err != nil {
		return "", err
	}

	if req.Decision == DecisionDeny {
		if err := repos.LogoutTickets.Remove(ctx, ticket); err != nil {
			return "", fmt.Errorf("remove logout ticket: %w", err)
		}
		oe := oauth.NewError(oauth.AccessDenied, "The End-User denied the logout request.").
			WithState(ticket.Parameters[oauth.StateParam])
		return it.app.errorPageURL(oe), nil
	}

	if req.SessionID != ticket.SessionID {
		return "", oauth.NewError(oauth.InvalidRequest, "Mismatching Session Identifier.")
	}
	sess, err := iv.session(ctx, req.SessionID)
	if err != nil {
		return "", err
	}
	for _, id := range sess.Logins {
		login, err := repos.Logins.FindOne(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load login: %w", err)
		}
		if err := repos.Logins.Remove(ctx, login); err != nil {
			return "", fmt.Errorf("remove login: %w", err)
		}
	}
	if err := repos.Sessions.Remove(ctx, sess); err != nil {
		return "", fmt.Errorf("remove session: %w", err)
	}
	if err := repos.LogoutTickets.Remove(ctx, ticket); err != nil {
		return "", fmt.Errorf("remove logout ticket: %w", err)
	}
	it.app.Logger.InfoContext(ctx, "session ended", "session_id", sess.ID, "client_id", ticket.ClientID)
	return it.app.postLogoutURL(ticket.Parameters), nil
}

// postLogoutURL is the client's post-logout redirect with state, or the
// logged-out page.
func (a *App) postLogoutURL(params map[string]string) string {
	target := params[oauth.PostLogoutRedirectParam]
	if target == "" {
		return a.publicURL("/ui/logged-out")
	}
	u, err := url.Parse(target)
	if err != nil {
		return a.publicURL("/ui/logged-out")
	}
	if state := params[oauth.StateParam]; state != "" {
		q := u.Query()
		q.Set(oauth.StateParam, state)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
