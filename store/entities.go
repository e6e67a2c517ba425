// Package store defines the entities persisted by the authorization server and
// the repositories that hold them. Only ids and challenges ever leave the
// server; the records themselves live here.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by every repository lookup that finds nothing.
var ErrNotFound = errors.New("store: not found")

// Client is a registered relying party.
type Client struct {
	ID                     string   `json:"id"`
	Secret                 string   `json:"secret,omitempty"`
	Name                   string   `json:"name,omitempty"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`
	// ResponseTypes holds canonical (sorted) names; the first one is the default.
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`

	AuthorizationSignedResponseAlg    string          `json:"authorization_signed_response_alg,omitempty"`
	AuthorizationEncryptedResponseAlg string          `json:"authorization_encrypted_response_alg,omitempty"`
	AuthorizationEncryptedResponseEnc string          `json:"authorization_encrypted_response_enc,omitempty"`
	JWKS                              json.RawMessage `json:"jwks,omitempty"`
}

// DefaultResponseType returns the first registered response type.
func (c *Client) DefaultResponseType() string {
	if len(c.ResponseTypes) == 0 {
		return ""
	}
	return c.ResponseTypes[0]
}

// HasRedirectURI reports an exact match against the registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports an exact match against the registered
// post logout redirect URIs.
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

func (c *Client) AllowsResponseType(name string) bool {
	return slices.Contains(c.ResponseTypes, name)
}

func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.Secret == ""
}

func (c *Client) Clone() *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	cp.JWKS = slices.Clone(c.JWKS)
	return &cp
}

// User is an end-user known to the server.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *User) Clone() *User {
	cp := *u
	return &cp
}

// Session is one browser's authentication context.
type Session struct {
	ID          string    `json:"id"`
	Logins      []string  `json:"logins"`
	ActiveLogin string    `json:"active_login,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSession creates an empty session.
func NewSession(now time.Time) *Session {
	return &Session{ID: uuid.NewString(), Logins: []string{}, CreatedAt: now}
}

func (s *Session) HasLogin(id string) bool {
	return slices.Contains(s.Logins, id)
}

// AddLogin appends a login and makes it the active one.
func (s *Session) AddLogin(id string) {
	if !s.HasLogin(id) {
		s.Logins = append(s.Logins, id)
	}
	s.ActiveLogin = id
}

// RemoveLogin drops a login, clearing the active login if it was that one.
func (s *Session) RemoveLogin(id string) {
	s.Logins = slices.DeleteFunc(s.Logins, func(l string) bool { return l == id })
	if s.ActiveLogin == id {
		s.ActiveLogin = ""
	}
}

func (s *Session) Clone() *Session {
	cp := *s
	cp.Logins = slices.Clone(s.Logins)
	return &cp
}

// Login is one successful authentication of a user within a session.
type Login struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	AMR       []string  `json:"amr,omitempty"`
	ACR       string    `json:"acr,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewLogin creates a login for user inside session.
func NewLogin(sessionID, userID string, amr []string, acr string, now time.Time, ttl time.Duration) *Login {
	return &Login{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		AMR:       slices.Clone(amr),
		ACR:       acr,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (l *Login) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

func (l *Login) Clone() *Login {
	cp := *l
	cp.AMR = slices.Clone(l.AMR)
	return &cp
}

// Consent records the scopes a user granted to a client.
type Consent struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ClientID  string     `json:"client_id"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewConsent creates a consent. A zero ttl never expires.
func NewConsent(clientID, userID string, scopes []string, now time.Time, ttl time.Duration) *Consent {
	c := &Consent{
		ID:        uuid.NewString(),
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}
	return c
}

func (c *Consent) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Covers reports whether every requested scope was granted.
func (c *Consent) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

func (c *Consent) Clone() *Consent {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	if c.ExpiresAt != nil {
		exp := *c.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

// Grant is the resumable state of one authorization transaction.
type Grant struct {
	ID               string            `json:"id"`
	Parameters       map[string]string `json:"parameters"`
	LoginChallenge   string            `json:"login_challenge"`
	ConsentChallenge string            `json:"consent_challenge"`
	Interactions     []string          `json:"interactions"`
	ClientID         string            `json:"client_id"`
	SessionID        string            `json:"session_id"`
	LoginID          string            `json:"login_id,omitempty"`
	ConsentID        string            `json:"consent_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

// NewGrant freezes params for a new transaction of client within session.
func NewGrant(clientID, sessionID string, params map[string]string, now time.Time, ttl time.Duration) (*Grant, error) {
	loginChallenge, err := NewChallenge()
	if err != nil {
		return nil, err
	}
	consentChallenge, err := NewChallenge()
	if err != nil {
		return nil, err
	}
	return &Grant{
		ID:               uuid.NewString(),
		Parameters:       maps.Clone(params),
		LoginChallenge:   loginChallenge,
		ConsentChallenge: consentChallenge,
		Interactions:     []string{},
		ClientID:         clientID,
		SessionID:        sessionID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}, nil
}

func (g *Grant) IsExpired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

func (g *Grant) HasInteraction(name string) bool {
	return slices.Contains(g.Interactions, name)
}

// AddInteraction records name once; it reports false when it was already present.
func (g *Grant) AddInteraction(name string) bool {
	if g.HasInteraction(name) {
		return false
	}
	g.Interactions = append(g.Interactions, name)
	return true
}

func (g *Grant) Clone() *Grant {
	cp := *g
	cp.Parameters = maps.Clone(g.Parameters)
	cp.Interactions = slices.Clone(g.Interactions)
	return &cp
}

// LogoutTicket is the resumable state of one logout interaction.
type LogoutTicket struct {
	ID              string            `json:"id"`
	LogoutChallenge string            `json:"logout_challenge"`
	ClientID        string            `json:"client_id,omitempty"`
	SessionID       string            `json:"session_id"`
	Parameters      map[string]string `json:"parameters"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// NewLogoutTicket creates a ticket for ending session.
func NewLogoutTicket(clientID, sessionID string, params map[string]string, now time.Time, ttl time.Duration) (*LogoutTicket, error) {
	challenge, err := NewChallenge()
	if err != nil {
		return nil, err
	}
	return &LogoutTicket{
		ID:              uuid.NewString(),
		LogoutChallenge: challenge,
		ClientID:        clientID,
		SessionID:       sessionID,
		Parameters:      maps.Clone(params),
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}, nil
}

func (t *LogoutTicket) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *LogoutTicket) Clone() *LogoutTicket {
	cp := *t
	cp.Parameters = maps.Clone(t.Parameters)
	return &cp
}

// AuthorizationCode is a short-lived code issued to a client.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	LoginID             string    `json:"login_id"`
	SessionID           string    `json:"session_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	ACR                 string    `json:"acr,omitempty"`
	AMR                 []string  `json:"amr,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.AMR = slices.Clone(c.AMR)
	return &cp
}

// NewChallenge returns 32 random bytes, hex encoded.
func NewChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
