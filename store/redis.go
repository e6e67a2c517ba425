package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// expiryGrace keeps expired records readable for a while after ExpiresAt so
// the reader that finds them can report the expiry and remove them itself.
const expiryGrace = time.Hour

// Key kinds.
const (
	kindClient        = "client"
	kindUser          = "user"
	kindSession       = "session"
	kindLogin         = "login"
	kindConsent       = "consent"
	kindConsentByPair = "consent:pair"
	kindGrant         = "grant"
	kindGrantLogin    = "grant:login_challenge"
	kindGrantConsent  = "grant:consent_challenge"
	kindLogoutTicket  = "logout"
	kindLogoutByChall = "logout:challenge"
	kindAuthorizeCode = "code"
)

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisRepositories returns repositories storing JSON records in Redis
// under keyPrefix.
func NewRedisRepositories(client redis.UniversalClient, keyPrefix string) *Repositories {
	db := &redisDB{client: client, prefix: keyPrefix}
	return &Repositories{
		Clients:            &redisClients{db},
		Users:              &redisUsers{db},
		Sessions:           &redisSessions{db},
		Logins:             &redisLogins{db},
		Consents:           &redisConsents{db},
		Grants:             &redisGrants{db},
		LogoutTickets:      &redisLogoutTickets{db},
		AuthorizationCodes: &redisAuthorizationCodes{db},
	}
}

type redisDB struct {
	client redis.UniversalClient
	prefix string
}

func (db *redisDB) key(kind, id string) string {
	return db.prefix + kind + ":" + id
}

// ttlUntil converts an expiry into a key TTL; zero means no expiry.
func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt) + expiryGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func redisGet[T any](ctx context.Context, db *redisDB, kind, id string) (*T, error) {
	data, err := db.client.Get(ctx, db.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	var row T
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return &row, nil
}

// redisGetIndexed resolves an index key to an id, then loads the record.
func redisGetIndexed[T any](ctx context.Context, db *redisDB, indexKind, indexValue, kind string) (*T, error) {
	id, err := db.client.Get(ctx, db.key(indexKind, indexValue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve %s: %w", indexKind, err)
	}
	return redisGet[T](ctx, db, kind, id)
}

// redisPut writes a record and its index keys in one transaction.
func redisPut(ctx context.Context, db *redisDB, kind, id string, row any, ttl time.Duration, indexes map[string]string) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	_, err = db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, db.key(kind, id), data, ttl)
		for indexKind, value := range indexes {
			pipe.Set(ctx, db.key(indexKind, value), id, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", kind, err)
	}
	return nil
}

func redisDel(ctx context.Context, db *redisDB, kind, id string, indexes map[string]string) error {
	keys := []string{db.key(kind, id)}
	for indexKind, value := range indexes {
		keys = append(keys, db.key(indexKind, value))
	}
	if err := db.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	return nil
}

type redisClients struct{ db *redisDB }

func (r *redisClients) FindOne(ctx context.Context, id string) (*Client, error) {
	return redisGet[Client](ctx, r.db, kindClient, id)
}

func (r *redisClients) Save(ctx context.Context, c *Client) error {
	return redisPut(ctx, r.db, kindClient, c.ID, c, 0, nil)
}

type redisUsers struct{ db *redisDB }

func (r *redisUsers) FindOne(ctx context.Context, id string) (*User, error) {
	return redisGet[User](ctx, r.db, kindUser, id)
}

func (r *redisUsers) Save(ctx context.Context, u *User) error {
	return redisPut(ctx, r.db, kindUser, u.ID, u, 0, nil)
}

type redisSessions struct{ db *redisDB }

func (r *redisSessions) FindOne(ctx context.Context, id string) (*Session, error) {
	return redisGet[Session](ctx, r.db, kindSession, id)
}

func (r *redisSessions) Save(ctx context.Context, s *Session) error {
	return redisPut(ctx, r.db, kindSession, s.ID, s, 0, nil)
}

func (r *redisSessions) Remove(ctx context.Context, s *Session) error {
	return redisDel(ctx, r.db, kindSession, s.ID, nil)
}

type redisLogins struct{ db *redisDB }

func (r *redisLogins) FindOne(ctx context.Context, id string) (*Login, error) {
	return redisGet[Login](ctx, r.db, kindLogin, id)
}

func (r *redisLogins) Save(ctx context.Context, l *Login) error {
	return redisPut(ctx, r.db, kindLogin, l.ID, l, ttlUntil(l.ExpiresAt), nil)
}

func (r *redisLogins) Remove(ctx context.Context, l *Login) error {
	return redisDel(ctx, r.db, kindLogin, l.ID, nil)
}

type redisConsents struct{ db *redisDB }

func consentPair(clientID, userID string) string {
	return clientID + ":" + userID
}

func (r *redisConsents) FindOne(ctx context.Context, id string) (*Consent, error) {
	return redisGet[Consent](ctx, r.db, kindConsent, id)
}

func (r *redisConsents) FindOneByClientAndUser(ctx context.Context, clientID, userID string) (*Consent, error) {
	c, err := redisGetIndexed[Consent](ctx, r.db, kindConsentByPair, consentPair(clientID, userID), kindConsent)
	if err != nil {
		return nil, err
	}
	if c.ClientID != clientID || c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *redisConsents) Save(ctx context.Context, c *Consent) error {
	var ttl time.Duration
	if c.ExpiresAt != nil {
		ttl = ttlUntil(*c.ExpiresAt)
	}
	return redisPut(ctx, r.db, kindConsent, c.ID, c, ttl, map[string]string{
		kindConsentByPair: consentPair(c.ClientID, c.UserID),
	})
}

func (r *redisConsents) Remove(ctx context.Context, c *Consent) error {
	indexes := map[string]string{}
	// The pair index may already point at a newer consent.
	current, err := r.FindOneByClientAndUser(ctx, c.ClientID, c.UserID)
	if err == nil && current.ID == c.ID {
		indexes[kindConsentByPair] = consentPair(c.ClientID, c.UserID)
	}
	return redisDel(ctx, r.db, kindConsent, c.ID, indexes)
}

type redisGrants struct{ db *redisDB }

func grantIndexes(g *Grant) map[string]string {
	return map[string]string{
		kindGrantLogin:   g.LoginChallenge,
		kindGrantConsent: g.ConsentChallenge,
	}
}

func (r *redisGrants) FindOne(ctx context.Context, id string) (*Grant, error) {
	return redisGet[Grant](ctx, r.db, kindGrant, id)
}

func (r *redisGrants) FindOneByLoginChallenge(ctx context.Context, challenge string) (*Grant, error) {
	g, err := redisGetIndexed[Grant](ctx, r.db, kindGrantLogin, challenge, kindGrant)
	if err != nil {
		return nil, err
	}
	if g.LoginChallenge != challenge {
		return nil, ErrNotFound
	}
	return g, nil
}

func (r *redisGrants) FindOneByConsentChallenge(ctx context.Context, challenge string) (*Grant, error) {
	g, err := redisGetIndexed[Grant](ctx, r.db, kindGrantConsent, challenge, kindGrant)
	if err != nil {
		return nil, err
	}
	if g.ConsentChallenge != challenge {
		return nil, ErrNotFound
	}
	return g, nil
}

func (r *redisGrants) Save(ctx context.Context, g *Grant) error {
	return redisPut(ctx, r.db, kindGrant, g.ID, g, ttlUntil(g.ExpiresAt), grantIndexes(g))
}

func (r *redisGrants) Remove(ctx context.Context, g *Grant) error {
	return redisDel(ctx, r.db, kindGrant, g.ID, grantIndexes(g))
}

type redisLogoutTickets struct{ db *redisDB }

func (r *redisLogoutTickets) FindOne(ctx context.Context, id string) (*LogoutTicket, error) {
	return redisGet[LogoutTicket](ctx, r.db, kindLogoutTicket, id)
}

func (r *redisLogoutTickets) FindOneByLogoutChallenge(ctx context.Context, challenge string) (*LogoutTicket, error) {
	lt, err := redisGetIndexed[LogoutTicket](ctx, r.db, kindLogoutByChall, challenge, kindLogoutTicket)
	if err != nil {
		return nil, err
	}
	if lt.LogoutChallenge != challenge {
		return nil, ErrNotFound
	}
	return lt, nil
}

func (r *redisLogoutTickets) Save(ctx context.Context, lt *LogoutTicket) error {
	return redisPut(ctx, r.db, kindLogoutTicket, lt.ID, lt, ttlUntil(lt.ExpiresAt), map[string]string{
		kindLogoutByChall: lt.LogoutChallenge,
	})
}

func (r *redisLogoutTickets) Remove(ctx context.Context, lt *LogoutTicket) error {
	return redisDel(ctx, r.db, kindLogoutTicket, lt.ID, map[string]string{
		kindLogoutByChall: lt.LogoutChallenge,
	})
}

type redisAuthorizationCodes struct{ db *redisDB }

func (r *redisAuthorizationCodes) FindOne(ctx context.Context, code string) (*AuthorizationCode, error) {
	return redisGet[AuthorizationCode](ctx, r.db, kindAuthorizeCode, code)
}

func (r *redisAuthorizationCodes) Save(ctx context.Context, c *AuthorizationCode) error {
	return redisPut(ctx, r.db, kindAuthorizeCode, c.Code, c, ttlUntil(c.ExpiresAt), nil)
}

func (r *redisAuthorizationCodes) Remove(ctx context.Context, c *AuthorizationCode) error {
	return redisDel(ctx, r.db, kindAuthorizeCode, c.Code, nil)
}
