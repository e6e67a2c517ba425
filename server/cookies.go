package server

import (
	"net/http"
	"strings"
)

// Cookie kinds. The cookie name is the configured prefix followed by the kind.
const (
	sessionCookie = "session"
	grantCookie   = "grant"
	consentCookie = "consent"
)

// CookieManager reads and writes the cookies that carry flow state between
// browser round trips.
type CookieManager struct {
	prefix string
	domain string
	secure bool
}

// NewCookieManager constructs a cookie manager honouring config.
func NewCookieManager(cfg ServerConfig) *CookieManager {
	prefix := cfg.CookiePrefix
	if prefix == "" {
		prefix = DefaultCookiePrefix
	}
	return &CookieManager{
		prefix: prefix,
		domain: cfg.CookieDomain,
		secure: !cfg.DevMode,
	}
}

func (cm *CookieManager) name(kind string) string {
	return cm.prefix + kind
}

// Read returns the cookie value of kind, or "" when absent.
func (cm *CookieManager) Read(r *http.Request, kind string) string {
	c, err := r.Cookie(cm.name(kind))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// Set builds a session-lifetime cookie. SameSite is Lax because clients
// navigate to the authorization endpoint from their own origin.
func (cm *CookieManager) Set(kind, value string) *http.Cookie {
	return &http.Cookie{
		Name:     cm.name(kind),
		Value:    value,
		Path:     "/",
		Domain:   cm.domain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Clear builds a cookie that removes kind from the browser.
func (cm *CookieManager) Clear(kind string) *http.Cookie {
	c := cm.Set(kind, "")
	c.MaxAge = -1
	return c
}

func buildUserID(provider, subject string) string {
	return provider + ":" + strings.TrimSpace(subject)
}
