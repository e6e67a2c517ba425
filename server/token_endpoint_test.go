package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

// exchangeCode posts form to the token endpoint, authenticating with HTTP
// basic when secret is set.
func exchangeCode(t *testing.T, ts *testServer, clientID, secret string, form url.Values) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if secret != "" {
		req.SetBasicAuth(clientID, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if resp.StatusCode == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("invalid_client responses must carry WWW-Authenticate")
	}
	return resp.StatusCode, body
}

func issueCode(t *testing.T, ts *testServer) string {
	t.Helper()
	b := newBrowser(t, ts)
	return signIn(t, b, codeRequest("s"), "alice", "openid profile").Query().Get("code")
}

func TestTokenEndpointErrors(t *testing.T) {
	ts := newTestApp(t, nil)

	tests := []struct {
		name       string
		clientID   string
		secret     string
		form       func(code string) url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:     "wrong_secret",
			clientID: "web",
			secret:   "nope",
			form: func(code string) url.Values {
				return url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {webRedirect}}
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:     "unsupported_grant_type",
			clientID: "web",
			secret:   "s3cret",
			form: func(string) url.Values {
				return url.Values{"grant_type": {"password"}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:     "missing_grant_type",
			clientID: "web",
			secret:   "s3cret",
			form: func(string) url.Values {
				return url.Values{}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:     "unknown_code",
			clientID: "web",
			secret:   "s3cret",
			form: func(string) url.Values {
				return url.Values{"grant_type": {"authorization_code"}, "code": {"bogus"}, "redirect_uri": {webRedirect}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:     "redirect_uri_mismatch",
			clientID: "web",
			secret:   "s3cret",
			form: func(code string) url.Values {
				return url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {"http://localhost:3000/other"}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:     "other_client",
			clientID: "spa",
			form: func(code string) url.Values {
				return url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {webRedirect}, "client_id": {"spa"}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := issueCode(t, ts)
			status, body := exchangeCode(t, ts, tt.clientID, tt.secret, tt.form(code))
			if status != tt.wantStatus || body["error"] != tt.wantError {
				t.Fatalf("got %d %v, want %d %s", status, body, tt.wantStatus, tt.wantError)
			}
		})
	}
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	ts := newTestApp(t, nil)
	code := issueCode(t, ts)
	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {webRedirect}}

	if status, body := exchangeCode(t, ts, "web", "s3cret", form); status != http.StatusOK {
		t.Fatalf("first exchange failed: %d %v", status, body)
	}
	status, body := exchangeCode(t, ts, "web", "s3cret", form)
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("replayed code must be rejected: %d %v", status, body)
	}
}

func TestMismatchedExchangeBurnsCode(t *testing.T) {
	ts := newTestApp(t, nil)
	code := issueCode(t, ts)

	bad := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {"http://localhost:3000/other"}}
	if status, _ := exchangeCode(t, ts, "web", "s3cret", bad); status != http.StatusBadRequest {
		t.Fatalf("expected mismatch to fail, got %d", status)
	}
	good := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {webRedirect}}
	if status, body := exchangeCode(t, ts, "web", "s3cret", good); body["error"] != "invalid_grant" {
		t.Fatalf("code must not survive a failed exchange: %d %v", status, body)
	}
}

func TestExpiredCodeIsRejected(t *testing.T) {
	ts := newTestApp(t, nil)
	code := issueCode(t, ts)
	ts.clock.Advance(ts.Config.Authorization.CodeTTL + time.Second)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {webRedirect}}
	status, body := exchangeCode(t, ts, "web", "s3cret", form)
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("expired code must be rejected: %d %v", status, body)
	}
}

func TestPublicClientRequiresPKCE(t *testing.T) {
	ts := newTestApp(t, nil)
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	spa := func(state string, pkce bool) url.Values {
		params := url.Values{
			"response_type": {"code"},
			"client_id":     {"spa"},
			"redirect_uri":  {spaRedirect},
			"scope":         {"openid profile"},
			"state":         {state},
		}
		if pkce {
			params.Set("code_challenge", challenge)
			params.Set("code_challenge_method", "S256")
		}
		return params
	}

	b := newBrowser(t, ts)
	code := signIn(t, b, spa("pkce", true), "alice", "openid profile").Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa"},
		"code":          {code},
		"redirect_uri":  {spaRedirect},
		"code_verifier": {"wrong-verifier"},
	}
	if status, body := exchangeCode(t, ts, "spa", "", form); body["error"] != "invalid_grant" {
		t.Fatalf("wrong verifier must fail: %d %v", status, body)
	}

	code = expectRedirect(t, b.authorize(spa("pkce2", true)), spaRedirect).Query().Get("code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	status, body := exchangeCode(t, ts, "spa", "", form)
	if status != http.StatusOK || body["access_token"] == nil {
		t.Fatalf("PKCE exchange failed: %d %v", status, body)
	}

	code = expectRedirect(t, b.authorize(spa("plain", false)), spaRedirect).Query().Get("code")
	form.Set("code", code)
	form.Del("code_verifier")
	if status, body := exchangeCode(t, ts, "spa", "", form); body["error"] != "invalid_grant" {
		t.Fatalf("public client without PKCE must fail: %d %v", status, body)
	}
}
