package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"
	"time"

	"authzd/oauth"
	"authzd/store"
)

// Response type names, in canonical sorted order.
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
	ResponseTypeIDTokenToken     = "id_token token"
)

// ResponseTypeNames lists every response type this server implements.
var ResponseTypeNames = []string{
	ResponseTypeCode,
	ResponseTypeToken,
	ResponseTypeIDToken,
	ResponseTypeCodeIDToken,
	ResponseTypeCodeToken,
	ResponseTypeCodeIDTokenToken,
	ResponseTypeIDTokenToken,
}

// ResponseType issues the credentials requested by an authorization request.
type ResponseType interface {
	Name() string
	DefaultResponseMode() string
	// ValidateResponseMode rejects response modes that would leak tokens.
	ValidateResponseMode(mode string, client *store.Client) error
	Handle(ctx context.Context, actx *AuthorizationContext, login *store.Login, consent *store.Consent) (map[string]string, error)
}

// responseTypeDeps are shared by every response type.
type responseTypeDeps struct {
	tokens  *TokenService
	codes   store.AuthorizationCodeRepository
	codeTTL time.Duration
	now     func() time.Time
}

// NewResponseTypes builds the registry of the named response types.
func NewResponseTypes(names []string, tokens *TokenService, codes store.AuthorizationCodeRepository, codeTTL time.Duration, now func() time.Time) (map[string]ResponseType, error) {
	deps := &responseTypeDeps{tokens: tokens, codes: codes, codeTTL: codeTTL, now: now}
	registry := make(map[string]ResponseType, len(names))
	for _, name := range names {
		canonical := oauth.SortedList(name)
		if !slices.Contains(ResponseTypeNames, canonical) {
			return nil, fmt.Errorf("unsupported response type %q", name)
		}
		parts := oauth.SplitList(canonical)
		registry[canonical] = &responseType{
			name:    canonical,
			code:    slices.Contains(parts, "code"),
			token:   slices.Contains(parts, "token"),
			idToken: slices.Contains(parts, "id_token"),
			deps:    deps,
		}
	}
	return registry, nil
}

// defaultResponseModeFor is query for the code flow and fragment for
// anything that returns tokens from the authorization endpoint.
func defaultResponseModeFor(responseType string) string {
	if responseType == ResponseTypeCode {
		return ResponseModeQuery
	}
	return ResponseModeFragment
}

type responseType struct {
	name    string
	code    bool
	token   bool
	idToken bool
	deps    *responseTypeDeps
}

func (rt *responseType) Name() string { return rt.name }

func (rt *responseType) DefaultResponseMode() string { return defaultResponseModeFor(rt.name) }

func (rt *responseType) ValidateResponseMode(mode string, client *store.Client) error {
	if rt.name == ResponseTypeCode {
		return nil
	}
	if mode == ResponseModeJWT {
		mode = resolveJWTResponseMode(client.DefaultResponseType())
	}
	// Tokens in a query string end up in logs; only an encrypted JARM
	// response may travel there.
	invalid := mode == ResponseModeQuery ||
		(mode == ResponseModeQueryJWT && client.AuthorizationEncryptedResponseAlg == "")
	if invalid {
		return oauth.NewError(oauth.InvalidRequest,
			fmt.Sprintf("Invalid response_mode %q for response_type %q.", mode, rt.name))
	}
	return nil
}

func (rt *responseType) Handle(ctx context.Context, actx *AuthorizationContext, login *store.Login, consent *store.Consent) (map[string]string, error) {
	scopes := oauth.Intersect(actx.Scopes, consent.Scopes)
	params := map[string]string{"state": actx.State}

	var code, accessToken string
	if rt.code {
		c, err := rt.issueCode(ctx, actx, login, scopes)
		if err != nil {
			return nil, err
		}
		code = c
		params["code"] = code
	}
	if rt.token {
		tok, err := rt.deps.tokens.AccessToken(actx.Client.ID, login.UserID, scopes)
		if err != nil {
			return nil, fmt.Errorf("mint access token: %w", err)
		}
		accessToken = tok
		params["access_token"] = accessToken
		params["token_type"] = "Bearer"
		params["expires_in"] = strconv.FormatInt(int64(rt.deps.tokens.AccessTokenTTL().Seconds()), 10)
		params["scope"] = oauth.JoinList(scopes)
	}
	if rt.idToken {
		idToken, err := rt.deps.tokens.IDToken(ctx, IDTokenParams{
			ClientID:    actx.Client.ID,
			Subject:     login.UserID,
			Nonce:       actx.Nonce,
			AuthTime:    login.CreatedAt,
			ACR:         login.ACR,
			AMR:         login.AMR,
			SessionID:   login.SessionID,
			Scopes:      scopes,
			AccessToken: accessToken,
			Code:        code,
		})
		if err != nil {
			return nil, fmt.Errorf("mint id token: %w", err)
		}
		params["id_token"] = idToken
	}
	return params, nil
}

func (rt *responseType) issueCode(ctx context.Context, actx *AuthorizationContext, login *store.Login, scopes []string) (string, error) {
	raw, err := randomToken(32)
	if err != nil {
		return "", err
	}
	now := rt.deps.now()
	code := &store.AuthorizationCode{
		Code:                raw,
		ClientID:            actx.Client.ID,
		UserID:              login.UserID,
		LoginID:             login.ID,
		SessionID:           login.SessionID,
		RedirectURI:         actx.RedirectURI,
		Scopes:              scopes,
		Nonce:               actx.Nonce,
		CodeChallenge:       actx.CodeChallenge,
		CodeChallengeMethod: actx.CodeChallengeMethod,
		AuthTime:            login.CreatedAt,
		ACR:                 login.ACR,
		AMR:                 login.AMR,
		CreatedAt:           now,
		ExpiresAt:           now.Add(rt.deps.codeTTL),
	}
	if err := rt.deps.codes.Save(ctx, code); err != nil {
		return "", fmt.Errorf("store authorization code: %w", err)
	}
	return raw, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
