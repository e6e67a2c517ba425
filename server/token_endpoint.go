package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"authzd/oauth"
	"authzd/store"
)

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeOAuthError(w, r, oauth.NewError(oauth.InvalidRequest, "The request body is malformed."))
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		if oauth.IsCode(err, oauth.InvalidClient) {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		a.writeOAuthError(w, r, err)
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		resp, err := a.exchangeAuthorizationCode(r.Context(), client, r.PostForm.Get("code"),
			r.PostForm.Get("redirect_uri"), r.PostForm.Get("code_verifier"))
		if err != nil {
			a.writeOAuthError(w, r, err)
			return
		}
		writeJSON(w, resp)
	case "":
		a.writeOAuthError(w, r, missingParameter("grant_type"))
	default:
		a.writeOAuthError(w, r, oauth.NewError(oauth.UnsupportedGrantType, fmt.Sprintf("Unsupported grant_type %q.", grantType)))
	}
}

func (a *App) authenticateClient(r *http.Request) (*store.Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	return a.Clients.Authenticate(r.Context(), clientID, clientSecret)
}

// exchangeAuthorizationCode redeems a code once. The code is removed before
// any check so a replayed or mismatched code is never usable again.
func (a *App) exchangeAuthorizationCode(ctx context.Context, client *store.Client, code, redirectURI, verifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, missingParameter("code")
	}
	invalid := oauth.NewError(oauth.InvalidGrant, "The authorization code is invalid or expired.")

	authCode, err := a.Repos.AuthorizationCodes.FindOne(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	if err := a.Repos.AuthorizationCodes.Remove(ctx, authCode); err != nil {
		return nil, fmt.Errorf("remove authorization code: %w", err)
	}

	switch {
	case authCode.IsExpired(a.now()):
		return nil, invalid
	case authCode.ClientID != client.ID:
		return nil, oauth.NewError(oauth.InvalidGrant, "The authorization code was issued to another Client.")
	case authCode.RedirectURI != redirectURI:
		return nil, oauth.NewError(oauth.InvalidGrant, "Mismatching redirect_uri.")
	case authCode.CodeChallenge == "" && client.IsPublic():
		return nil, oauth.NewError(oauth.InvalidGrant, "Public Clients must use PKCE.")
	}
	if authCode.CodeChallenge != "" {
		if err := verifyPKCE(authCode.CodeChallengeMethod, authCode.CodeChallenge, verifier); err != nil {
			return nil, oauth.NewError(oauth.InvalidGrant, "PKCE verification failed.").WithCause(err)
		}
	}

	accessToken, err := a.Tokens.AccessToken(client.ID, authCode.UserID, authCode.Scopes)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.Tokens.AccessTokenTTL().Seconds()),
		Scope:       oauth.JoinList(authCode.Scopes),
	}
	if slices.Contains(authCode.Scopes, "openid") {
		resp.IDToken, err = a.Tokens.IDToken(ctx, IDTokenParams{
			ClientID:    client.ID,
			Subject:     authCode.UserID,
			Nonce:       authCode.Nonce,
			AuthTime:    authCode.AuthTime,
			ACR:         authCode.ACR,
			AMR:         authCode.AMR,
			SessionID:   authCode.SessionID,
			Scopes:      authCode.Scopes,
			AccessToken: accessToken,
		})
		if err != nil {
			return nil, fmt.Errorf("mint id token: %w", err)
		}
	}
	a.Logger.InfoContext(ctx, "authorization code redeemed", "client_id", client.ID, "user_id", authCode.UserID)
	return resp, nil
}
