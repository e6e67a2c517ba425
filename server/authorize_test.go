package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
)

// postDecision posts an interaction decision without asserting the outcome.
func (ts *testServer) postDecision(t *testing.T, form url.Values) (int, map[string]string) {
	t.Helper()
	resp, err := http.PostForm(ts.srv.URL+"/interaction", form)
	if err != nil {
		t.Fatalf("post decision: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return resp.StatusCode, body
}

func loginDecision(challenge, subject string) url.Values {
	return url.Values{
		"interaction_type": {InteractionLogin},
		"login_challenge":  {challenge},
		"decision":         {DecisionAccept},
		"subject":          {subject},
		"amr":              {"pwd"},
	}
}

func parseIDToken(t *testing.T, ts *testServer, raw string) *IDTokenClaims {
	t.Helper()
	claims := &IDTokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, ts.JWKS.Keyfunc); err != nil {
		t.Fatalf("parse id token: %v", err)
	}
	return claims
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	params := codeRequest("xyz")
	params.Set("nonce", "n-1")

	callback := signIn(t, b, params, "alice", "openid profile")
	q := callback.Query()
	if q.Get("state") != "xyz" {
		t.Fatalf("state not returned: %s", callback)
	}
	code := q.Get("code")
	if code == "" {
		t.Fatalf("code not returned: %s", callback)
	}

	status, body := exchangeCode(t, ts, "web", "s3cret", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {webRedirect},
	})
	if status != http.StatusOK {
		t.Fatalf("token exchange failed: %d %v", status, body)
	}
	if body["scope"] != "openid profile" || body["token_type"] != "Bearer" {
		t.Fatalf("unexpected token response: %v", body)
	}
	claims := parseIDToken(t, ts, body["id_token"].(string))
	if claims.Subject != "alice" || claims.Nonce != "n-1" || claims.Name != "Alice" {
		t.Fatalf("unexpected id token claims: %+v", claims)
	}
	if len(claims.AMR) != 1 || claims.AMR[0] != "pwd" {
		t.Fatalf("unexpected amr: %v", claims.AMR)
	}
}

func TestAuthorizationReusesSessionAndConsent(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("first"), "alice", "openid profile")

	callback := expectRedirect(t, b.authorize(codeRequest("second")), webRedirect)
	if callback.Query().Get("code") == "" || callback.Query().Get("state") != "second" {
		t.Fatalf("expected immediate code response, got %s", callback)
	}

	none := codeRequest("third")
	none.Set("prompt", "none")
	callback = expectRedirect(t, b.authorize(none), webRedirect)
	if callback.Query().Get("code") == "" {
		t.Fatalf("prompt=none should succeed with an existing session, got %s", callback)
	}
}

func TestPromptNoneWithoutSession(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	params := codeRequest("abc")
	params.Set("prompt", "none")

	callback := expectRedirect(t, b.authorize(params), webRedirect)
	q := callback.Query()
	if q.Get("error") != "login_required" || q.Get("state") != "abc" {
		t.Fatalf("expected login_required with state, got %s", callback)
	}
}

func TestPartialConsentStandsForTheGrant(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)

	callback := signIn(t, b, codeRequest("s"), "alice", "openid")
	status, body := exchangeCode(t, ts, "web", "s3cret", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {callback.Query().Get("code")},
		"redirect_uri": {webRedirect},
	})
	if status != http.StatusOK {
		t.Fatalf("token exchange failed: %d %v", status, body)
	}
	if body["scope"] != "openid" {
		t.Fatalf("expected scope narrowed to consent, got %v", body["scope"])
	}
	if claims := parseIDToken(t, ts, body["id_token"].(string)); claims.Name != "" {
		t.Fatalf("profile claims need the profile scope, got name %q", claims.Name)
	}

	none := codeRequest("again")
	none.Set("prompt", "none")
	callback = expectRedirect(t, b.authorize(none), webRedirect)
	if callback.Query().Get("error") != "consent_required" {
		t.Fatalf("expected consent_required for uncovered scopes, got %s", callback)
	}

	none.Set("scope", "openid")
	callback = expectRedirect(t, b.authorize(none), webRedirect)
	if callback.Query().Get("code") == "" {
		t.Fatalf("expected code for consented scope, got %s", callback)
	}
}

func TestPromptConsentAsksAgain(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("s"), "alice", "openid profile")

	params := codeRequest("s2")
	params.Set("prompt", "consent")
	consentURL := expectRedirect(t, b.authorize(params), ts.srv.URL+"/ui/consent")

	var view consentContext
	status := ts.interactionContext(t, url.Values{
		"interaction_type":  {InteractionConsent},
		"consent_challenge": {consentURL.Query().Get("consent_challenge")},
	}, &view)
	if status != http.StatusOK {
		t.Fatalf("consent context status %d", status)
	}
	if view.Subject != "alice" || view.Skip || strings.Join(view.RequestedScope, " ") != "openid profile" {
		t.Fatalf("unexpected consent context: %+v", view)
	}
	if view.Client.ID != "web" || view.Client.Name != "Web App" {
		t.Fatalf("unexpected client view: %+v", view.Client)
	}
}

func TestGrantParametersMustNotChange(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	loginURL := expectRedirect(t, b.authorize(codeRequest("one")), ts.srv.URL+"/ui/login")
	challenge := loginURL.Query().Get("login_challenge")

	callback := expectRedirect(t, b.authorize(codeRequest("two")), webRedirect)
	q := callback.Query()
	if q.Get("error") != "access_denied" || q.Get("state") != "two" {
		t.Fatalf("expected access_denied for changed parameters, got %s", callback)
	}

	status, body := ts.postDecision(t, loginDecision(challenge, "alice"))
	if status != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("removed grant must not accept decisions: %d %v", status, body)
	}

	// With the grant cookie cleared a new transaction starts.
	expectRedirect(t, b.authorize(codeRequest("two")), ts.srv.URL+"/ui/login")
}

func TestExpiredGrant(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	loginURL := expectRedirect(t, b.authorize(codeRequest("s")), ts.srv.URL+"/ui/login")
	challenge := loginURL.Query().Get("login_challenge")

	ts.clock.Advance(ts.Config.Authorization.GrantTTL + time.Second)
	status, body := ts.postDecision(t, loginDecision(challenge, "alice"))
	if status != http.StatusBadRequest || body["error"] != "access_denied" {
		t.Fatalf("expected access_denied for expired grant: %d %v", status, body)
	}

	fresh := expectRedirect(t, b.authorize(codeRequest("s")), ts.srv.URL+"/ui/login")
	if fresh.Query().Get("login_challenge") == challenge {
		t.Fatal("expected a new grant after expiry")
	}
}

func TestGrantOfAnotherClientIsRejected(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	expectRedirect(t, b.authorize(codeRequest("s")), ts.srv.URL+"/ui/login")

	spa := url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa"},
		"redirect_uri":          {spaRedirect},
		"scope":                 {"openid"},
		"state":                 {"spa-state"},
		"code_challenge":        {"abc"},
		"code_challenge_method": {"plain"},
	}
	callback := expectRedirect(t, b.authorize(spa), spaRedirect)
	if callback.Query().Get("error") != "access_denied" {
		t.Fatalf("expected access_denied for mismatching client, got %s", callback)
	}
}

func TestLoginDecisionIsIdempotent(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	loginURL := expectRedirect(t, b.authorize(codeRequest("s")), ts.srv.URL+"/ui/login")
	challenge := loginURL.Query().Get("login_challenge")

	first := ts.submit(t, loginDecision(challenge, "alice"))
	second := ts.submit(t, loginDecision(challenge, "bob"))
	if first != second {
		t.Fatalf("repeated decision changed the outcome: %q vs %q", first, second)
	}

	var view loginContext
	ts.interactionContext(t, url.Values{
		"interaction_type": {InteractionLogin},
		"login_challenge":  {challenge},
	}, &view)
	if !view.Skip || view.Subject != "alice" {
		t.Fatalf("expected skip for the accepted login, got %+v", view)
	}
	if view.RequestURL != first {
		t.Fatalf("request_url %q should resume the grant at %q", view.RequestURL, first)
	}
}

func TestLoginDenied(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	loginURL := expectRedirect(t, b.authorize(codeRequest("s")), ts.srv.URL+"/ui/login")

	next := ts.submit(t, url.Values{
		"interaction_type": {InteractionLogin},
		"login_challenge":  {loginURL.Query().Get("login_challenge")},
		"decision":         {DecisionDeny},
	})
	u, err := url.Parse(next)
	if err != nil {
		t.Fatalf("parse redirect_to: %v", err)
	}
	if u.Path != "/error" || u.Query().Get("error") != "access_denied" || u.Query().Get("state") != "s" {
		t.Fatalf("unexpected deny target: %s", next)
	}
}

func TestUnknownUserIsRejected(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	loginURL := expectRedirect(t, b.authorize(codeRequest("s")), ts.srv.URL+"/ui/login")
	status, body := ts.postDecision(t, loginDecision(loginURL.Query().Get("login_challenge"), "mallory"))
	if status != http.StatusBadRequest || body["error"] != "access_denied" {
		t.Fatalf("expected access_denied for unknown user: %d %v", status, body)
	}
}

func TestMaxAgeForcesReauthentication(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("s"), "alice", "openid profile")
	ts.clock.Advance(2 * time.Minute)

	none := codeRequest("n")
	none.Set("max_age", "60")
	none.Set("prompt", "none")
	callback := expectRedirect(t, b.authorize(none), webRedirect)
	if callback.Query().Get("error") != "login_required" {
		t.Fatalf("expected login_required for stale login, got %s", callback)
	}

	params := codeRequest("m")
	params.Set("max_age", "60")
	loginURL := expectRedirect(t, b.authorize(params), ts.srv.URL+"/ui/login")
	challenge := loginURL.Query().Get("login_challenge")

	var view loginContext
	ts.interactionContext(t, url.Values{
		"interaction_type": {InteractionLogin},
		"login_challenge":  {challenge},
	}, &view)
	if view.Skip || view.AuthExp == nil {
		t.Fatalf("expected no skip and auth_exp, got %+v", view)
	}

	next := ts.submit(t, loginDecision(challenge, "alice"))
	callback = expectRedirect(t, b.follow(next), webRedirect)
	if callback.Query().Get("code") == "" {
		t.Fatalf("expected code after re-authentication, got %s", callback)
	}
}

func TestAuthExpFollowsLoginTime(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signedInAt := ts.clock.Now()
	signIn(t, b, codeRequest("s"), "alice", "openid profile")

	params := codeRequest("c")
	params.Set("prompt", "create")
	params.Set("max_age", "600")
	createURL := expectRedirect(t, b.authorize(params), ts.srv.URL+"/ui/create")
	query := url.Values{
		"interaction_type": {InteractionCreate},
		"login_challenge":  {createURL.Query().Get("login_challenge")},
	}

	want := signedInAt.Add(10 * time.Minute).Unix()
	for i := 0; i < 2; i++ {
		var view loginContext
		ts.interactionContext(t, query, &view)
		if view.AuthExp == nil || *view.AuthExp != want {
			t.Fatalf("fetch %d: auth_exp should be login time plus max_age (%d), got %v", i, want, view.AuthExp)
		}
		ts.clock.Advance(time.Minute)
	}
}

func TestPromptLoginAcceptsFreshLogin(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("s"), "alice", "openid profile")

	params := codeRequest("again")
	params.Set("prompt", "login")
	loginURL := expectRedirect(t, b.authorize(params), ts.srv.URL+"/ui/login")
	next := ts.submit(t, loginDecision(loginURL.Query().Get("login_challenge"), "alice"))

	callback := expectRedirect(t, b.follow(next), webRedirect)
	if callback.Query().Get("code") == "" || callback.Query().Get("state") != "again" {
		t.Fatalf("expected code after fresh login, got %s", callback)
	}
}

func TestPromptNoneMustStandAlone(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	params := codeRequest("s")
	params.Set("prompt", "none login")
	callback := expectRedirect(t, b.authorize(params), webRedirect)
	if callback.Query().Get("error") != "invalid_request" {
		t.Fatalf("expected invalid_request, got %s", callback)
	}
}

func TestUntrustedErrorsGoToErrorPage(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	params := codeRequest("s")
	params.Set("redirect_uri", "http://evil.example/callback")

	p := b.authorize(params)
	target := expectRedirect(t, p, ts.srv.URL+"/error")
	if target.Query().Get("error") != "access_denied" || target.Query().Get("state") != "s" {
		t.Fatalf("unexpected error page target: %s", target)
	}

	page := b.get(target.String())
	if page.status != http.StatusOK || !strings.Contains(page.body, "access_denied") {
		t.Fatalf("error page should render the error: %d %q", page.status, page.body)
	}
}

func TestIssuerIdentifierInResponses(t *testing.T) {
	ts := newTestApp(t, func(c *Config) {
		c.Authorization.EnableAuthorizationResponseIssuerIdentifier = true
	})
	b := newBrowser(t, ts)
	callback := signIn(t, b, codeRequest("s"), "alice", "openid")
	if callback.Query().Get("iss") != ts.srv.URL {
		t.Fatalf("expected iss in response, got %s", callback)
	}
}

func TestImplicitFlowUsesFragment(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	params := codeRequest("frag")
	params.Set("response_type", "token id_token")
	params.Set("nonce", "n-2")

	callback := signIn(t, b, params, "alice", "openid profile")
	frag, err := url.ParseQuery(callback.EscapedFragment())
	if err != nil {
		t.Fatalf("parse fragment: %v", err)
	}
	if callback.RawQuery != "" {
		t.Fatalf("tokens must not travel in the query: %s", callback)
	}
	if frag.Get("access_token") == "" || frag.Get("state") != "frag" || frag.Get("token_type") != "Bearer" {
		t.Fatalf("unexpected fragment: %v", frag)
	}
	claims := parseIDToken(t, ts, frag.Get("id_token"))
	want, _ := halfHash(DefaultSigningAlg, frag.Get("access_token"))
	if claims.AccessTokenHash != want || claims.Nonce != "n-2" {
		t.Fatalf("unexpected id token claims: %+v", claims)
	}
}

func TestFormPostResponseMode(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("s"), "alice", "openid profile")

	params := codeRequest("posted")
	params.Set("response_mode", "form_post")
	p := b.authorize(params)
	if p.status != http.StatusOK {
		t.Fatalf("expected form document, got %d", p.status)
	}
	for _, want := range []string{`action="http:&#x2F;&#x2F;localhost:3000&#x2F;callback"`, `name="state" value="posted"`, `name="code"`} {
		if !strings.Contains(p.body, want) {
			t.Fatalf("form_post body missing %q:\n%s", want, p.body)
		}
	}
}

func TestJWTResponseMode(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("s"), "alice", "openid profile")

	params := codeRequest("signed")
	params.Set("response_mode", "jwt")
	callback := expectRedirect(t, b.authorize(params), webRedirect)
	raw := callback.Query().Get("response")
	if raw == "" || callback.Query().Get("code") != "" {
		t.Fatalf("expected a single response parameter, got %s", callback)
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, ts.JWKS.Keyfunc, jwt.WithAudience("web")); err != nil {
		t.Fatalf("parse response token: %v", err)
	}
	if claims["state"] != "signed" || claims["code"] == nil || claims["iss"] != ts.srv.URL {
		t.Fatalf("unexpected response claims: %v", claims)
	}
}

func TestAuthorizationFlowWithRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := newTestApp(t, func(c *Config) {
		c.Storage.Driver = "redis"
		c.Storage.Redis.Addrs = []string{mr.Addr()}
	})
	b := newBrowser(t, ts)

	callback := signIn(t, b, codeRequest("redis"), "alice", "openid profile")
	status, body := exchangeCode(t, ts, "web", "s3cret", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {callback.Query().Get("code")},
		"redirect_uri": {webRedirect},
	})
	if status != http.StatusOK {
		t.Fatalf("token exchange failed: %d %v", status, body)
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("expected flow state to be stored in redis")
	}
}
