package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultSigningAlg signs every token unless a client asks for another RSA algorithm.
const DefaultSigningAlg = "RS256"

// SigningAlgs are the algorithms the RSA keys can produce.
var SigningAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// KeyConfig configures where keys live and how often they rotate.
type KeyConfig struct {
	JWKSPath       string
	RotateInterval time.Duration
}

// JWKSManager holds the signing keys and exposes their public half.
type JWKSManager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from disk or generates a fresh one.
func NewJWKSManager(cfg KeyConfig, logger *slog.Logger) (*JWKSManager, error) {
	manager := &JWKSManager{
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}

	if cfg.JWKSPath != "" {
		if err := manager.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load jwks: %w", err)
		}
	}

	if manager.current.PrivateKey == nil {
		if err := manager.rotate(); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// StartRotation rotates keys on a ticker until stop is closed.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				} else {
					m.logger.Info("jwks rotated", "kid", m.CurrentKID())
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key using alg.
func (m *JWKSManager) Sign(alg string, claims jwt.Claims) (string, error) {
	if alg == "" {
		alg = DefaultSigningAlg
	}
	if !slices.Contains(SigningAlgs, alg) {
		return "", fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(alg), claims)

	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// CurrentKID returns the id of the signing key.
func (m *JWKSManager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Kid
}

// Keyfunc resolves the verification key for tokens this server signed.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// PublicJWKS exposes public keys for the jwks endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *JWKSManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: DefaultSigningAlg, Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		// Keep one previous key so tokens signed before rotation still verify.
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks")
	}
	var pairs []keyPair
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pairs = append(pairs, keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()})
	}
	if len(pairs) == 0 {
		return errors.New("no rsa private keys in jwks")
	}
	m.current = pairs[0]
	m.previous = pairs[1:]
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
