package store

import "context"

type ClientRepository interface {
	FindOne(ctx context.Context, id string) (*Client, error)
	Save(ctx context.Context, client *Client) error
}

type UserRepository interface {
	FindOne(ctx context.Context, id string) (*User, error)
	Save(ctx context.Context, user *User) error
}

type SessionRepository interface {
	FindOne(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Remove(ctx context.Context, session *Session) error
}

type LoginRepository interface {
	FindOne(ctx context.Context, id string) (*Login, error)
	Save(ctx context.Context, login *Login) error
	Remove(ctx context.Context, login *Login) error
}

type ConsentRepository interface {
	FindOne(ctx context.Context, id string) (*Consent, error)
	FindOneByClientAndUser(ctx context.Context, clientID, userID string) (*Consent, error)
	Save(ctx context.Context, consent *Consent) error
	Remove(ctx context.Context, consent *Consent) error
}

type GrantRepository interface {
	FindOne(ctx context.Context, id string) (*Grant, error)
	FindOneByLoginChallenge(ctx context.Context, challenge string) (*Grant, error)
	FindOneByConsentChallenge(ctx context.Context, challenge string) (*Grant, error)
	Save(ctx context.Context, grant *Grant) error
	Remove(ctx context.Context, grant *Grant) error
}

type LogoutTicketRepository interface {
	FindOne(ctx context.Context, id string) (*LogoutTicket, error)
	FindOneByLogoutChallenge(ctx context.Context, challenge string) (*LogoutTicket, error)
	Save(ctx context.Context, ticket *LogoutTicket) error
	Remove(ctx context.Context, ticket *LogoutTicket) error
}

type AuthorizationCodeRepository interface {
	FindOne(ctx context.Context, code string) (*AuthorizationCode, error)
	Save(ctx context.Context, code *AuthorizationCode) error
	Remove(ctx context.Context, code *AuthorizationCode) error
}

// Repositories bundles every repository the server needs.
type Repositories struct {
	Clients            ClientRepository
	Users              UserRepository
	Sessions           SessionRepository
	Logins             LoginRepository
	Consents           ConsentRepository
	Grants             GrantRepository
	LogoutTickets      LogoutTicketRepository
	AuthorizationCodes AuthorizationCodeRepository
}
