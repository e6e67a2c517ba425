package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCookieManager(t *testing.T) {
	cm := NewCookieManager(ServerConfig{CookiePrefix: "op_", CookieDomain: "auth.example.com"})

	c := cm.Set(sessionCookie, "sid")
	if c.Name != "op_session" || c.Value != "sid" || c.Path != "/" || c.Domain != "auth.example.com" {
		t.Fatalf("unexpected cookie: %+v", c)
	}
	if !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("cookie flags not set: %+v", c)
	}
	if cleared := cm.Clear(grantCookie); cleared.MaxAge != -1 || cleared.Value != "" {
		t.Fatalf("unexpected clear cookie: %+v", cleared)
	}

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.AddCookie(&http.Cookie{Name: "op_grant", Value: "g-1"})
	if got := cm.Read(req, grantCookie); got != "g-1" {
		t.Fatalf("Read = %q", got)
	}
	if got := cm.Read(req, sessionCookie); got != "" {
		t.Fatalf("missing cookie should read empty, got %q", got)
	}

	dev := NewCookieManager(ServerConfig{DevMode: true})
	if c := dev.Set(consentCookie, "c"); c.Secure || c.Name != DefaultCookiePrefix+"consent" {
		t.Fatalf("dev cookie should be insecure with the default prefix: %+v", c)
	}
}
