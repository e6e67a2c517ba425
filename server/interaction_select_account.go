package server

import (
	"context"
	"fmt"
	"net/url"

	"authzd/oauth"
)

type selectAccountDecisionRequest struct {
	LoginChallenge   string `form:"login_challenge" validate:"required,hexadecimal,len=64"`
	Decision         string `form:"decision" validate:"required,oneof=accept deny"`
	LoginID          string `form:"login_id" validate:"required_if=Decision accept"`
	Error            string `form:"error"`
	ErrorDescription string `form:"error_description"`
}

type selectAccountContext struct {
	Logins      []accountView `json:"logins"`
	ActiveLogin string        `json:"active_login,omitempty"`
	RequestURL  string        `json:"request_url"`
	Client      clientView    `json:"client"`
}

// selectAccountInteraction lets the end-user pick one of the logins of the
// session.
type selectAccountInteraction struct {
	app *App
}

func (it *selectAccountInteraction) Name() string { return InteractionSelectAccount }

func (it *selectAccountInteraction) Context(ctx context.Context, params url.Values) (any, error) {
	iv := it.app.interactionValidator
	req := loginContextRequest{LoginChallenge: params.Get("login_challenge")}
	if err := iv.check(req); err != nil {
		return nil, err
	}
	grant, err := iv.grantByLoginChallenge(ctx, req.LoginChallenge)
	if err != nil {
		return nil, err
	}
	client, err := iv.client(ctx, grant.ClientID)
	if err != nil {
		return nil, err
	}
	sess, err := iv.session(ctx, grant.SessionID)
	if err != nil {
		return nil, err
	}
	logins, err := iv.liveLogins(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &selectAccountContext{
		Logins:      newAccountViews(logins),
		ActiveLogin: sess.ActiveLogin,
		RequestURL:  it.app.resumeURL(grant),
		Client:      newClientView(client),
	}, nil
}

func (it *selectAccountInteraction) Decide(ctx context.Context, form url.Values) (string, error) {
	iv := it.app.interactionValidator
	req := selectAccountDecisionRequest{
		LoginChallenge:   form.Get("login_challenge"),
		Decision:         form.Get("decision"),
		LoginID:          form.Get("login_id"),
		Error:            form.Get("error"),
		ErrorDescription: form.Get("error_description"),
	}
	if err := iv.check(req); err != nil {
		return "", err
	}
	grant, err := iv.grantByLoginChallenge(ctx, req.LoginChallenge)
	if err != nil {
		return "", err
	}
	if req.Decision == DecisionDeny {
		return it.app.denyGrant(ctx, grant, req.Error, req.ErrorDescription)
	}
	if grant.HasInteraction(InteractionSelectAccount) {
		return it.app.resumeURL(grant), nil
	}

	sess, err := iv.session(ctx, grant.SessionID)
	if err != nil {
		return "", err
	}
	logins, err := iv.liveLogins(ctx, sess)
	if err != nil {
		return "", err
	}
	found := false
	for _, l := range logins {
		if l.ID == req.LoginID {
			found = true
			break
		}
	}
	if !found {
		return "", oauth.NewError(oauth.InvalidRequest, "Invalid login_id.")
	}

	sess.ActiveLogin = req.LoginID
	if err := it.app.Repos.Sessions.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	grant.AddInteraction(InteractionSelectAccount)
	if err := it.app.Repos.Grants.Save(ctx, grant); err != nil {
		return "", fmt.Errorf("save grant: %w", err)
	}
	return it.app.resumeURL(grant), nil
}
