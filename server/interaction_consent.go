package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"authzd/oauth"
	"authzd/store"
)

type consentContextRequest struct {
	ConsentChallenge string `form:"consent_challenge" validate:"required,hexadecimal,len=64"`
}

type consentDecisionRequest struct {
	ConsentChallenge string `form:"consent_challenge" validate:"required,hexadecimal,len=64"`
	Decision         string `form:"decision" validate:"required,oneof=accept deny"`
	GrantScope       string `form:"grant_scope" validate:"required_if=Decision accept"`
	Error            string `form:"error"`
	ErrorDescription string `form:"error_description"`
}

type consentContext struct {
	Skip           bool       `json:"skip"`
	RequestedScope []string   `json:"requested_scope"`
	Subject        string     `json:"subject"`
	RequestURL     string     `json:"request_url"`
	Client         clientView `json:"client"`
}

// consentInteraction asks the end-user which scopes the client may have.
type consentInteraction struct {
	app *App
}

func (it *consentInteraction) Name() string { return InteractionConsent }

func (it *consentInteraction) Context(ctx context.Context, params url.Values) (any, error) {
	iv := it.app.interactionValidator
	req := consentContextRequest{ConsentChallenge: params.Get("consent_challenge")}
	if err := iv.check(req); err != nil {
		return nil, err
	}
	grant, err := iv.grantByConsentChallenge(ctx, req.ConsentChallenge)
	if err != nil {
		return nil, err
	}
	client, err := iv.client(ctx, grant.ClientID)
	if err != nil {
		return nil, err
	}
	login, err := it.authenticatedLogin(ctx, grant)
	if err != nil {
		return nil, err
	}
	return &consentContext{
		Skip:           grant.ConsentID != "",
		RequestedScope: oauth.SplitList(grant.Parameters[oauth.ScopeParam]),
		Subject:        login.UserID,
		RequestURL:     it.app.resumeURL(grant),
		Client:         newClientView(client),
	}, nil
}

func (it *consentInteraction) Decide(ctx context.Context, form url.Values) (string, error) {
	iv := it.app.interactionValidator
	req := consentDecisionRequest{
		ConsentChallenge: form.Get("consent_challenge"),
		Decision:         form.Get("decision"),
		GrantScope:       form.Get("grant_scope"),
		Error:            form.Get("error"),
		ErrorDescription: form.Get("error_description"),
	}
	if err := iv.check(req); err != nil {
		return "", err
	}
	grant, err := iv.grantByConsentChallenge(ctx, req.ConsentChallenge)
	if err != nil {
		return "", err
	}
	if req.Decision == DecisionDeny {
		return it.app.denyGrant(ctx, grant, req.Error, req.ErrorDescription)
	}
	if grant.HasInteraction(InteractionConsent) {
		return it.app.resumeURL(grant), nil
	}

	requested := oauth.SplitList(grant.Parameters[oauth.ScopeParam])
	granted := oauth.SplitList(req.GrantScope)
	if len(granted) == 0 {
		return "", oauth.NewError(oauth.InvalidScope, "At least one scope must be granted.")
	}
	for _, s := range granted {
		if !slices.Contains(requested, s) {
			return "", oauth.NewError(oauth.InvalidScope, fmt.Sprintf("The scope %q was not requested by the Client.", s))
		}
	}

	login, err := it.authenticatedLogin(ctx, grant)
	if err != nil {
		return "", err
	}
	consent, err := it.replaceConsent(ctx, grant.ClientID, login.UserID, granted)
	if err != nil {
		return "", err
	}

	grant.ConsentID = consent.ID
	grant.AddInteraction(InteractionConsent)
	if err := it.app.Repos.Grants.Save(ctx, grant); err != nil {
		return "", fmt.Errorf("save grant: %w", err)
	}
	it.app.Logger.InfoContext(ctx, "consent accepted", "client_id", grant.ClientID, "user_id", login.UserID, "scope", req.GrantScope)
	return it.app.resumeURL(grant), nil
}

// authenticatedLogin is the active login of the grant's session; consent
// is only asked of an authenticated end-user.
func (it *consentInteraction) authenticatedLogin(ctx context.Context, grant *store.Grant) (*store.Login, error) {
	iv := it.app.interactionValidator
	sess, err := iv.session(ctx, grant.SessionID)
	if err != nil {
		return nil, err
	}
	login, err := iv.activeLogin(ctx, sess)
	if err != nil {
		return nil, err
	}
	if login == nil {
		return nil, oauth.NewError(oauth.InvalidRequest, "The End-User is not authenticated.")
	}
	return login, nil
}

// replaceConsent stores exactly the granted scopes for the client and user,
// dropping any earlier consent of the pair.
func (it *consentInteraction) replaceConsent(ctx context.Context, clientID, userID string, scopes []string) (*store.Consent, error) {
	repo := it.app.Repos.Consents
	previous, err := repo.FindOneByClientAndUser(ctx, clientID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load consent: %w", err)
	}

	consent := store.NewConsent(clientID, userID, scopes, it.app.now(), it.app.Config.Authorization.ConsentTTL)
	if err := repo.Save(ctx, consent); err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}
	if previous != nil {
		if err := repo.Remove(ctx, previous); err != nil {
			return nil, fmt.Errorf("remove consent: %w", err)
		}
	}
	return consent, nil
}
