package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"

	"authzd/oauth"
	"authzd/store"
)

type loginContextRequest struct {
	LoginChallenge string `form:"login_challenge" validate:"required,hexadecimal,len=64"`
}

type loginDecisionRequest struct {
	LoginChallenge   string   `form:"login_challenge" validate:"required,hexadecimal,len=64"`
	Decision         string   `form:"decision" validate:"required,oneof=accept deny"`
	Subject          string   `form:"subject" validate:"required_if=Decision accept"`
	AMR              []string `form:"amr"`
	ACR              string   `form:"acr"`
	Name             string   `form:"name"`
	Email            string   `form:"email" validate:"omitempty,email"`
	Error            string   `form:"error"`
	ErrorDescription string   `form:"error_description"`
}

func newLoginDecisionRequest(form url.Values) loginDecisionRequest {
	return loginDecisionRequest{
		LoginChallenge:   form.Get("login_challenge"),
		Decision:         form.Get("decision"),
		Subject:          form.Get("subject"),
		AMR:              oauth.SplitList(form.Get("amr")),
		ACR:              form.Get("acr"),
		Name:             form.Get("name"),
		Email:            form.Get("email"),
		Error:            form.Get("error"),
		ErrorDescription: form.Get("error_description"),
	}
}

type loginContext struct {
	Skip       bool       `json:"skip"`
	Subject    string     `json:"subject,omitempty"`
	RequestURL string     `json:"request_url"`
	LoginHint  string     `json:"login_hint,omitempty"`
	Display    string     `json:"display,omitempty"`
	UILocales  []string   `json:"ui_locales,omitempty"`
	ACRValues  []string   `json:"acr_values,omitempty"`
	AuthExp    *int64     `json:"auth_exp,omitempty"`
	Client     clientView `json:"client"`
}

// loginInteraction authenticates the end-user.
type loginInteraction struct {
	app *App
}

func (it *loginInteraction) Name() string { return InteractionLogin }

func (it *loginInteraction) Context(ctx context.Context, params url.Values) (any, error) {
	return it.app.loginContext(ctx, params, true)
}

func (it *loginInteraction) Decide(ctx context.Context, form url.Values) (string, error) {
	iv := it.app.interactionValidator
	req := newLoginDecisionRequest(form)
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
	if grant.HasInteraction(InteractionLogin) {
		return it.app.resumeURL(grant), nil
	}

	if _, err := it.app.Repos.Users.FindOne(ctx, req.Subject); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", oauth.NewError(oauth.AccessDenied, "Invalid User.")
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	return it.app.acceptLogin(ctx, grant, InteractionLogin, req.Subject, req.AMR, req.ACR)
}

// createInteraction registers a new end-user and signs them in.
type createInteraction struct {
	app *App
}

func (it *createInteraction) Name() string { return InteractionCreate }

func (it *createInteraction) Context(ctx context.Context, params url.Values) (any, error) {
	return it.app.loginContext(ctx, params, false)
}

func (it *createInteraction) Decide(ctx context.Context, form url.Values) (string, error) {
	iv := it.app.interactionValidator
	req := newLoginDecisionRequest(form)
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
	if grant.HasInteraction(InteractionCreate) {
		return it.app.resumeURL(grant), nil
	}

	if err := it.app.ensureUser(ctx, req.Subject, req.Name, req.Email); err != nil {
		return "", err
	}
	return it.app.acceptLogin(ctx, grant, InteractionCreate, req.Subject, req.AMR, req.ACR)
}

// ensureUser creates the user unless it exists.
func (a *App) ensureUser(ctx context.Context, id, name, email string) error {
	_, err := a.Repos.Users.FindOne(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load user: %w", err)
	}
	user := &store.User{ID: id, Name: name, Email: email, CreatedAt: a.now()}
	if err := a.Repos.Users.Save(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	a.Logger.InfoContext(ctx, "user created", "user_id", id)
	return nil
}

// loginContext describes a pending login or create interaction. A login
// older than max_age is logged out here so the UI cannot skip it.
func (a *App) loginContext(ctx context.Context, params url.Values, allowSkip bool) (*loginContext, error) {
	iv := a.interactionValidator
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
	login, err := iv.activeLogin(ctx, sess)
	if err != nil {
		return nil, err
	}

	p := grant.Parameters
	prompts := oauth.SplitList(p[oauth.PromptParam])
	view := &loginContext{
		Skip:       allowSkip && login != nil && !slices.Contains(prompts, oauth.PromptLogin),
		RequestURL: a.resumeURL(grant),
		LoginHint:  p[oauth.LoginHintParam],
		Display:    p[oauth.DisplayParam],
		UILocales:  oauth.SplitList(p[oauth.UILocalesParam]),
		ACRValues:  oauth.SplitList(p[oauth.ACRValuesParam]),
		Client:     newClientView(client),
	}
	if view.Skip {
		view.Subject = login.UserID
	}

	if raw, ok := p[oauth.MaxAgeParam]; ok {
		if maxAge, err := strconv.Atoi(raw); err == nil {
			window := time.Duration(maxAge) * time.Second
			now := a.now()
			authExp := now.Add(window).Unix()
			if login != nil {
				if now.After(login.CreatedAt.Add(window)) {
					if err := logoutLogin(ctx, a.Repos, sess, login); err != nil {
						return nil, err
					}
					view.Skip = false
					view.Subject = ""
				} else {
					authExp = login.CreatedAt.Add(window).Unix()
				}
			}
			view.AuthExp = &authExp
		}
	}
	return view, nil
}
