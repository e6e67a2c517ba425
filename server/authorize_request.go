package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"authzd/oauth"
	"authzd/store"
)

// AuthorizationContext is an authorization request after validation. When
// validation fails the context is returned as far as it got, so the caller
// can tell whether the error may be sent back to the client.
type AuthorizationContext struct {
	// Parameters holds the single-valued request parameters as received.
	Parameters map[string]string

	Client       *store.Client
	ResponseType ResponseType
	RedirectURI  string
	ResponseMode ResponseMode
	Scopes       []string
	State        string

	Prompts   []string
	Display   string
	MaxAge    int
	HasMaxAge bool
	Nonce     string
	UILocales []string
	ACRValues []string
	LoginHint string

	IDTokenHint        string
	IDTokenHintSubject string

	CodeChallenge       string
	CodeChallengeMethod string
}

// Trusted reports whether the redirect URI has been verified, so errors can
// be delivered to the client instead of the error page.
func (actx *AuthorizationContext) Trusted() bool {
	return actx != nil && actx.Client != nil && actx.RedirectURI != "" && actx.ResponseMode != nil
}

// HasPrompt reports whether prompt was requested.
func (actx *AuthorizationContext) HasPrompt(prompt string) bool {
	return slices.Contains(actx.Prompts, prompt)
}

// AuthorizationRequestValidator turns raw query parameters into an
// AuthorizationContext.
type AuthorizationRequestValidator struct {
	clients       store.ClientRepository
	scopes        *ScopeChecker
	responseTypes map[string]ResponseType
	responseModes map[string]ResponseMode
	enabledModes  []string
	tokens        *TokenService
}

func NewAuthorizationRequestValidator(
	clients store.ClientRepository,
	scopes *ScopeChecker,
	responseTypes map[string]ResponseType,
	responseModes map[string]ResponseMode,
	enabledModes []string,
	tokens *TokenService,
) *AuthorizationRequestValidator {
	return &AuthorizationRequestValidator{
		clients:       clients,
		scopes:        scopes,
		responseTypes: responseTypes,
		responseModes: responseModes,
		enabledModes:  slices.Clone(enabledModes),
		tokens:        tokens,
	}
}

func missingParameter(name string) *oauth.Error {
	return oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Missing required parameter %q.", name))
}

// Validate checks the request in a fixed order. The state of the request is
// attached to every error.
func (v *AuthorizationRequestValidator) Validate(ctx context.Context, values url.Values) (*AuthorizationContext, error) {
	actx := &AuthorizationContext{State: values.Get(oauth.StateParam)}
	fail := func(err *oauth.Error) (*AuthorizationContext, error) {
		return actx, err.WithState(actx.State)
	}

	params, err := singleValued(values)
	if err != nil {
		return fail(oauth.AsError(err))
	}
	actx.Parameters = params

	// Until the redirect URI is verified nothing below may reach the client.
	rawType := params[oauth.ResponseTypeParam]
	if rawType == "" {
		return fail(missingParameter(oauth.ResponseTypeParam))
	}
	rt, ok := v.responseTypes[oauth.SortedList(rawType)]
	if !ok {
		return fail(oauth.NewError(oauth.UnsupportedResponseType, fmt.Sprintf("Unsupported response_type %q.", rawType)))
	}
	actx.ResponseType = rt

	clientID := params[oauth.ClientIDParam]
	if clientID == "" {
		return fail(missingParameter(oauth.ClientIDParam))
	}
	client, err := v.clients.FindOne(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(oauth.NewError(oauth.InvalidClient, "Invalid Client."))
		}
		return fail(oauth.AsError(fmt.Errorf("load client: %w", err)))
	}
	actx.Client = client

	if !client.AllowsResponseType(rt.Name()) {
		return fail(oauth.NewError(oauth.UnauthorizedClient,
			fmt.Sprintf("The Client is not allowed to request the response_type %q.", rt.Name())))
	}

	redirectURI := params[oauth.RedirectURIParam]
	if redirectURI == "" {
		return fail(missingParameter(oauth.RedirectURIParam))
	}
	if !isSafeRedirectURI(redirectURI) || !client.HasRedirectURI(redirectURI) {
		return fail(oauth.NewError(oauth.AccessDenied, "Invalid Redirect URI."))
	}
	actx.RedirectURI = redirectURI
	actx.ResponseMode = v.responseModes[rt.DefaultResponseMode()]

	// From here on errors are delivered to the client.
	scope := params[oauth.ScopeParam]
	if scope == "" {
		return fail(missingParameter(oauth.ScopeParam))
	}
	if err := v.scopes.Check(scope); err != nil {
		return fail(oauth.AsError(err))
	}
	actx.Scopes = oauth.SplitList(scope)
	for _, s := range actx.Scopes {
		if !client.AllowsScope(s) {
			return fail(oauth.NewError(oauth.AccessDenied, fmt.Sprintf("The Client is not allowed to request the scope %q.", s)))
		}
	}

	if mode := params[oauth.ResponseModeParam]; mode != "" {
		rm, ok := v.responseModes[mode]
		if !ok || !slices.Contains(v.enabledModes, mode) {
			return fail(oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Unsupported response_mode %q.", mode)))
		}
		if err := rt.ValidateResponseMode(mode, client); err != nil {
			return fail(oauth.AsError(err))
		}
		actx.ResponseMode = rm
	}

	if err := v.validateOptional(actx); err != nil {
		return fail(err)
	}
	return actx, nil
}

func (v *AuthorizationRequestValidator) validateOptional(actx *AuthorizationContext) *oauth.Error {
	params := actx.Parameters

	for _, p := range oauth.SplitList(params[oauth.PromptParam]) {
		if !slices.Contains(oauth.Prompts, p) {
			return oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Unsupported prompt %q.", p))
		}
		if !slices.Contains(actx.Prompts, p) {
			actx.Prompts = append(actx.Prompts, p)
		}
	}
	if actx.HasPrompt(oauth.PromptNone) && len(actx.Prompts) > 1 {
		return oauth.NewError(oauth.InvalidRequest, "The prompt \"none\" must be used by itself.")
	}

	if display := params[oauth.DisplayParam]; display != "" {
		if !slices.Contains(oauth.Displays, display) {
			return oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Unsupported display %q.", display))
		}
		actx.Display = display
	}

	if raw, ok := params[oauth.MaxAgeParam]; ok {
		maxAge, err := strconv.Atoi(raw)
		if err != nil || maxAge < 0 {
			return oauth.NewError(oauth.InvalidRequest, "Invalid parameter \"max_age\".")
		}
		actx.MaxAge = maxAge
		actx.HasMaxAge = true
	}

	actx.Nonce = params[oauth.NonceParam]
	if actx.Nonce == "" && slices.Contains(oauth.SplitList(actx.ResponseType.Name()), "id_token") {
		return missingParameter(oauth.NonceParam)
	}

	actx.UILocales = oauth.SplitList(params[oauth.UILocalesParam])
	actx.ACRValues = oauth.SplitList(params[oauth.ACRValuesParam])
	actx.LoginHint = params[oauth.LoginHintParam]

	if hint := params[oauth.IDTokenHintParam]; hint != "" {
		claims, err := v.tokens.ParseIDTokenHint(hint)
		if err != nil {
			return oauth.NewError(oauth.InvalidRequest, "Invalid id_token_hint.").WithCause(err)
		}
		actx.IDTokenHint = hint
		actx.IDTokenHintSubject = claims.Subject
	}

	challenge := params[oauth.CodeChallengeParam]
	method := params[oauth.CodeChallengeMethodParam]
	switch {
	case method != "" && method != oauth.PKCEPlain && method != oauth.PKCES256:
		return oauth.NewError(oauth.InvalidRequest, fmt.Sprintf("Unsupported code_challenge_method %q.", method))
	case method != "" && challenge == "":
		return missingParameter(oauth.CodeChallengeParam)
	case challenge != "" && method == "":
		method = oauth.PKCEPlain
	}
	actx.CodeChallenge = challenge
	if challenge != "" {
		actx.CodeChallengeMethod = method
	}
	return nil
}
