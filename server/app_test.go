package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"authzd/oauth"
)

const (
	webRedirect = "http://localhost:3000/callback"
	spaRedirect = "http://localhost:5173/callback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Server.Providers = ProviderConfig{}
	cfg.Clients = []ClientConfig{
		{
			ClientID:               "web",
			ClientSecret:           "s3cret",
			Name:                   "Web App",
			RedirectURIs:           []string{webRedirect},
			PostLogoutRedirectURIs: []string{"http://localhost:3000/logged-out"},
			ResponseTypes:          []string{"code", "code id_token", "id_token token", "id_token"},
			Scopes:                 []string{"openid", "profile", "email"},
		},
		{
			ClientID:      "spa",
			RedirectURIs:  []string{spaRedirect},
			ResponseTypes: []string{"code"},
			Scopes:        []string{"openid", "profile"},
		},
	}
	cfg.Users = []UserConfig{
		{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		{ID: "bob", Name: "Bob", Email: "bob@example.com"},
	}
	return cfg
}

// testServer runs an App behind a real listener so that absolute URLs built
// from the public URL resolve back to it.
type testServer struct {
	*App
	srv   *httptest.Server
	clock *testClock
}

func newTestApp(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Server.PublicURL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}
	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	clock := &testClock{now: time.Now()}
	app.clock = clock.Now
	handler = app.Routes()
	return &testServer{App: app, srv: srv, clock: clock}
}

// submit posts an interaction decision and returns redirect_to.
func (ts *testServer) submit(t *testing.T, form url.Values) string {
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
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision %v rejected: %d %v", form, resp.StatusCode, body)
	}
	return body["redirect_to"]
}

// interactionContext fetches the context of a pending interaction.
func (ts *testServer) interactionContext(t *testing.T, params url.Values, out any) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + "/interaction?" + params.Encode())
	if err != nil {
		t.Fatalf("get interaction context: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode interaction context: %v", err)
	}
	return resp.StatusCode
}

type page struct {
	status   int
	location *url.URL
	header   http.Header
	body     string
}

// browser is a user agent with a cookie jar that does not follow redirects
// on its own.
type browser struct {
	t      *testing.T
	ts     *testServer
	client *http.Client
}

func newBrowser(t *testing.T, ts *testServer) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &browser{t: t, ts: ts, client: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (b *browser) get(target string) *page {
	b.t.Helper()
	resp, err := b.client.Get(target)
	if err != nil {
		b.t.Fatalf("GET %s: %v", target, err)
	}
	return b.read(resp)
}

func (b *browser) postForm(target string, form url.Values) *page {
	b.t.Helper()
	resp, err := b.client.PostForm(target, form)
	if err != nil {
		b.t.Fatalf("POST %s: %v", target, err)
	}
	return b.read(resp)
}

func (b *browser) read(resp *http.Response) *page {
	b.t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.t.Fatalf("read body: %v", err)
	}
	p := &page{status: resp.StatusCode, header: resp.Header, body: string(body)}
	if loc, err := resp.Location(); err == nil {
		p.location = loc
	}
	return p
}

// follow walks redirects that stay on the authorization endpoint and
// returns the first response that leaves it.
func (b *browser) follow(target string) *page {
	b.t.Helper()
	p := b.get(target)
	for i := 0; i < 5 && p.location != nil && b.onAuthorize(p.location); i++ {
		p = b.get(p.location.String())
	}
	return p
}

func (b *browser) onAuthorize(u *url.URL) bool {
	return strings.HasPrefix(u.String(), b.ts.srv.URL+"/authorize")
}

func (b *browser) authorize(params url.Values) *page {
	b.t.Helper()
	return b.follow(b.ts.srv.URL + "/authorize?" + params.Encode())
}

func codeRequest(state string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {"web"},
		"redirect_uri":  {webRedirect},
		"scope":         {"openid profile"},
		"state":         {state},
	}
}

func expectRedirect(t *testing.T, p *page, prefix string) *url.URL {
	t.Helper()
	if p.location == nil {
		t.Fatalf("expected redirect to %s, got status %d body %q", prefix, p.status, p.body)
	}
	if !strings.HasPrefix(p.location.String(), prefix) {
		t.Fatalf("expected redirect to %s, got %s", prefix, p.location)
	}
	return p.location
}

// signIn completes login and consent for subject and returns the client
// callback.
func signIn(t *testing.T, b *browser, params url.Values, subject, grantScope string) *url.URL {
	t.Helper()
	loginURL := expectRedirect(t, b.authorize(params), b.ts.srv.URL+"/ui/login")
	next := b.ts.submit(t, url.Values{
		"interaction_type": {InteractionLogin},
		"login_challenge":  {loginURL.Query().Get("login_challenge")},
		"decision":         {DecisionAccept},
		"subject":          {subject},
		"amr":              {"pwd"},
	})
	consentURL := expectRedirect(t, b.follow(next), b.ts.srv.URL+"/ui/consent")
	next = b.ts.submit(t, url.Values{
		"interaction_type":  {InteractionConsent},
		"consent_challenge": {consentURL.Query().Get("consent_challenge")},
		"decision":          {DecisionAccept},
		"grant_scope":       {grantScope},
	})
	return expectRedirect(t, b.follow(next), params.Get("redirect_uri"))
}

func TestNewAppRejectsUnknownStorageDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "etcd"
	if _, err := NewApp(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
}

func TestDiscoveryDocument(t *testing.T) {
	ts := newTestApp(t, func(c *Config) {
		c.Authorization.EnableAuthorizationResponseIssuerIdentifier = true
	})
	resp, err := http.Get(ts.srv.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("get discovery: %v", err)
	}
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc["issuer"] != ts.srv.URL {
		t.Fatalf("issuer mismatch: %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != ts.srv.URL+"/authorize" {
		t.Fatalf("authorization endpoint mismatch: %v", doc["authorization_endpoint"])
	}
	if doc["authorization_response_iss_parameter_supported"] != true {
		t.Fatalf("expected iss parameter support, got %v", doc["authorization_response_iss_parameter_supported"])
	}
	types, _ := doc["response_types_supported"].([]any)
	if len(types) != len(ResponseTypeNames) {
		t.Fatalf("expected every response type, got %v", types)
	}
	prompts, _ := doc["prompt_values_supported"].([]any)
	if len(prompts) != len(oauth.Prompts) {
		t.Fatalf("unexpected prompts: %v", prompts)
	}
}

func TestJWKSEndpointServesPublicKeys(t *testing.T) {
	ts := newTestApp(t, nil)
	resp, err := http.Get(ts.srv.URL + "/jwks.json")
	if err != nil {
		t.Fatalf("get jwks: %v", err)
	}
	defer resp.Body.Close()
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) == 0 {
		t.Fatal("expected at least one key")
	}
	if _, ok := set.Keys[0]["d"]; ok {
		t.Fatal("private exponent must not be published")
	}
	if set.Keys[0]["kid"] != ts.JWKS.CurrentKID() {
		t.Fatalf("kid mismatch: %v", set.Keys[0]["kid"])
	}
}

func TestMetricsCountAuthorizationOutcomes(t *testing.T) {
	ts := newTestApp(t, nil)
	b := newBrowser(t, ts)
	signIn(t, b, codeRequest("s1"), "alice", "openid profile")

	p := b.get(ts.srv.URL + "/metrics")
	if p.status != http.StatusOK {
		t.Fatalf("metrics status %d", p.status)
	}
	for _, want := range []string{
		`authzd_authorization_requests_total{outcome="success"} 1`,
		`authzd_interaction_decisions_total{decision="accept",interaction_type="login"} 1`,
	} {
		if !strings.Contains(p.body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
