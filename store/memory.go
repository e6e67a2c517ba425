package store

import (
	"context"
	"sync"
)

// memoryTable keeps copies of entities so callers never share a record.
type memoryTable[T any] struct {
	mu    sync.RWMutex
	rows  map[string]*T
	clone func(*T) *T
}

func newMemoryTable[T any](clone func(*T) *T) *memoryTable[T] {
	return &memoryTable[T]{rows: make(map[string]*T), clone: clone}
}

func (t *memoryTable[T]) get(id string) (*T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(row), nil
}

func (t *memoryTable[T]) find(match func(*T) bool) (*T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, row := range t.rows {
		if match(row) {
			return t.clone(row), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTable[T]) put(id string, row *T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[id] = t.clone(row)
}

func (t *memoryTable[T]) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, id)
}

// NewMemoryRepositories returns process-local repositories backed by maps.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Clients:            &memoryClients{newMemoryTable((*Client).Clone)},
		Users:              &memoryUsers{newMemoryTable((*User).Clone)},
		Sessions:           &memorySessions{newMemoryTable((*Session).Clone)},
		Logins:             &memoryLogins{newMemoryTable((*Login).Clone)},
		Consents:           &memoryConsents{newMemoryTable((*Consent).Clone)},
		Grants:             &memoryGrants{newMemoryTable((*Grant).Clone)},
		LogoutTickets:      &memoryLogoutTickets{newMemoryTable((*LogoutTicket).Clone)},
		AuthorizationCodes: &memoryAuthorizationCodes{newMemoryTable((*AuthorizationCode).Clone)},
	}
}

type memoryClients struct{ t *memoryTable[Client] }

func (r *memoryClients) FindOne(_ context.Context, id string) (*Client, error) {
	return r.t.get(id)
}

func (r *memoryClients) Save(_ context.Context, c *Client) error {
	r.t.put(c.ID, c)
	return nil
}

type memoryUsers struct{ t *memoryTable[User] }

func (r *memoryUsers) FindOne(_ context.Context, id string) (*User, error) {
	return r.t.get(id)
}

func (r *memoryUsers) Save(_ context.Context, u *User) error {
	r.t.put(u.ID, u)
	return nil
}

type memorySessions struct{ t *memoryTable[Session] }

func (r *memorySessions) FindOne(_ context.Context, id string) (*Session, error) {
	return r.t.get(id)
}

func (r *memorySessions) Save(_ context.Context, s *Session) error {
	r.t.put(s.ID, s)
	return nil
}

func (r *memorySessions) Remove(_ context.Context, s *Session) error {
	r.t.remove(s.ID)
	return nil
}

type memoryLogins struct{ t *memoryTable[Login] }

func (r *memoryLogins) FindOne(_ context.Context, id string) (*Login, error) {
	return r.t.get(id)
}

func (r *memoryLogins) Save(_ context.Context, l *Login) error {
	r.t.put(l.ID, l)
	return nil
}

func (r *memoryLogins) Remove(_ context.Context, l *Login) error {
	r.t.remove(l.ID)
	return nil
}

type memoryConsents struct{ t *memoryTable[Consent] }

func (r *memoryConsents) FindOne(_ context.Context, id string) (*Consent, error) {
	return r.t.get(id)
}

func (r *memoryConsents) FindOneByClientAndUser(_ context.Context, clientID, userID string) (*Consent, error) {
	return r.t.find(func(c *Consent) bool { return c.ClientID == clientID && c.UserID == userID })
}

func (r *memoryConsents) Save(_ context.Context, c *Consent) error {
	r.t.put(c.ID, c)
	return nil
}

func (r *memoryConsents) Remove(_ context.Context, c *Consent) error {
	r.t.remove(c.ID)
	return nil
}

type memoryGrants struct{ t *memoryTable[Grant] }

func (r *memoryGrants) FindOne(_ context.Context, id string) (*Grant, error) {
	return r.t.get(id)
}

func (r *memoryGrants) FindOneByLoginChallenge(_ context.Context, challenge string) (*Grant, error) {
	return r.t.find(func(g *Grant) bool { return g.LoginChallenge == challenge })
}

func (r *memoryGrants) FindOneByConsentChallenge(_ context.Context, challenge string) (*Grant, error) {
	return r.t.find(func(g *Grant) bool { return g.ConsentChallenge == challenge })
}

func (r *memoryGrants) Save(_ context.Context, g *Grant) error {
	r.t.put(g.ID, g)
	return nil
}

func (r *memoryGrants) Remove(_ context.Context, g *Grant) error {
	r.t.remove(g.ID)
	return nil
}

type memoryLogoutTickets struct{ t *memoryTable[LogoutTicket] }

func (r *memoryLogoutTickets) FindOne(_ context.Context, id string) (*LogoutTicket, error) {
	return r.t.get(id)
}

func (r *memoryLogoutTickets) FindOneByLogoutChallenge(_ context.Context, challenge string) (*LogoutTicket, error) {
	return r.t.find(func(lt *LogoutTicket) bool { return lt.LogoutChallenge == challenge })
}

func (r *memoryLogoutTickets) Save(_ context.Context, lt *LogoutTicket) error {
	r.t.put(lt.ID, lt)
	return nil
}

func (r *memoryLogoutTickets) Remove(_ context.Context, lt *LogoutTicket) error {
	r.t.remove(lt.ID)
	return nil
}

type memoryAuthorizationCodes struct{ t *memoryTable[AuthorizationCode] }

func (r *memoryAuthorizationCodes) FindOne(_ context.Context, code string) (*AuthorizationCode, error) {
	return r.t.get(code)
}

func (r *memoryAuthorizationCodes) Save(_ context.Context, c *AuthorizationCode) error {
	r.t.put(c.Code, c)
	return nil
}

func (r *memoryAuthorizationCodes) Remove(_ context.Context, c *AuthorizationCode) error {
	r.t.remove(c.Code)
	return nil
}
