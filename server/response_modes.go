package server

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Response mode names.
const (
	ResponseModeQuery       = "query"
	ResponseModeFragment    = "fragment"
	ResponseModeFormPost    = "form_post"
	ResponseModeQueryJWT    = "query.jwt"
	ResponseModeFragmentJWT = "fragment.jwt"
	ResponseModeFormPostJWT = "form_post.jwt"
	ResponseModeJWT         = "jwt"
)

// ResponseModeNames lists every response mode this server implements.
var ResponseModeNames = []string{
	ResponseModeQuery,
	ResponseModeFragment,
	ResponseModeFormPost,
	ResponseModeQueryJWT,
	ResponseModeFragmentJWT,
	ResponseModeFormPostJWT,
	ResponseModeJWT,
}

// ResponseMode encodes authorization response parameters into an HTTP
// response addressed to the client's redirect URI.
type ResponseMode interface {
	Name() string
	CreateHTTPResponse(ctx context.Context, actx *AuthorizationContext, params map[string]string) (*HTTPResponse, error)
}

// NewResponseModes builds the registry of all response modes.
func NewResponseModes(jarm *JARMHandler) map[string]ResponseMode {
	query := queryResponseMode{}
	fragment := fragmentResponseMode{}
	formPost := formPostResponseMode{}
	modes := map[string]ResponseMode{
		ResponseModeQuery:       query,
		ResponseModeFragment:    fragment,
		ResponseModeFormPost:    formPost,
		ResponseModeQueryJWT:    &jwtResponseMode{name: ResponseModeQueryJWT, carrier: query, jarm: jarm},
		ResponseModeFragmentJWT: &jwtResponseMode{name: ResponseModeFragmentJWT, carrier: fragment, jarm: jarm},
		ResponseModeFormPostJWT: &jwtResponseMode{name: ResponseModeFormPostJWT, carrier: formPost, jarm: jarm},
	}
	modes[ResponseModeJWT] = &defaultJWTResponseMode{modes: maps.Clone(modes)}
	return modes
}

type queryResponseMode struct{}

func (queryResponseMode) Name() string { return ResponseModeQuery }

func (queryResponseMode) CreateHTTPResponse(_ context.Context, actx *AuthorizationContext, params map[string]string) (*HTTPResponse, error) {
	u, err := url.Parse(actx.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return redirectResponse(u.String()), nil
}

type fragmentResponseMode struct{}

func (fragmentResponseMode) Name() string { return ResponseModeFragment }

func (fragmentResponseMode) CreateHTTPResponse(_ context.Context, actx *AuthorizationContext, params map[string]string) (*HTTPResponse, error) {
	u, err := url.Parse(actx.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return redirectResponse(u.String() + "#" + encodeParams(params)), nil
}

type formPostResponseMode struct{}

func (formPostResponseMode) Name() string { return ResponseModeFormPost }

func (formPostResponseMode) CreateHTTPResponse(_ context.Context, actx *AuthorizationContext, params map[string]string) (*HTTPResponse, error) {
	return htmlResponse(http.StatusOK, formPostDocument(actx.RedirectURI, params)), nil
}

// formPostEscaper escapes values embedded in the auto-submitting form.
var formPostEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

func formPostDocument(action string, params map[string]string) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Submit This Form</title></head>\n")
	b.WriteString("<body onload=\"javascript:document.forms[0].submit()\">\n")
	fmt.Fprintf(&b, "<form method=\"post\" action=\"%s\">\n", formPostEscaper.Replace(action))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if params[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "<input type=\"hidden\" name=\"%s\" value=\"%s\"/>\n",
			formPostEscaper.Replace(k), formPostEscaper.Replace(params[k]))
	}
	b.WriteString("</form>\n</body>\n</html>\n")
	return []byte(b.String())
}

// jwtResponseMode wraps the parameters in a signed JARM token and delivers
// it through carrier as the single "response" parameter.
type jwtResponseMode struct {
	name    string
	carrier ResponseMode
	jarm    *JARMHandler
}

func (m *jwtResponseMode) Name() string { return m.name }

func (m *jwtResponseMode) CreateHTTPResponse(ctx context.Context, actx *AuthorizationContext, params map[string]string) (*HTTPResponse, error) {
	token, err := m.jarm.Generate(actx.Client, params)
	if err != nil {
		return nil, err
	}
	return m.carrier.CreateHTTPResponse(ctx, actx, map[string]string{"response": token})
}

// defaultJWTResponseMode resolves to query.jwt or fragment.jwt depending on
// the client's default response type.
type defaultJWTResponseMode struct {
	modes map[string]ResponseMode
}

func (m *defaultJWTResponseMode) Name() string { return ResponseModeJWT }

func (m *defaultJWTResponseMode) CreateHTTPResponse(ctx context.Context, actx *AuthorizationContext, params map[string]string) (*HTTPResponse, error) {
	mode, ok := m.modes[resolveJWTResponseMode(actx.Client.DefaultResponseType())]
	if !ok {
		return nil, fmt.Errorf("no jwt response mode for client %q", actx.Client.ID)
	}
	return mode.CreateHTTPResponse(ctx, actx, params)
}

func resolveJWTResponseMode(responseType string) string {
	return defaultResponseModeFor(responseType) + ".jwt"
}

func encodeParams(params map[string]string) string {
	vals := url.Values{}
	for k, v := range params {
		if v != "" {
			vals.Set(k, v)
		}
	}
	return vals.Encode()
}
