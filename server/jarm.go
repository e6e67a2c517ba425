package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"authzd/store"
)

// DefaultResponseEncryptionEnc is used when a client registers an encryption
// algorithm without a content encryption.
const DefaultResponseEncryptionEnc = "A128CBC-HS256"

var (
	jarmEncryptionAlgs = []string{"RSA-OAEP", "RSA-OAEP-256", "ECDH-ES", "ECDH-ES+A128KW", "ECDH-ES+A256KW"}
	jarmEncryptionEncs = []string{"A128CBC-HS256", "A192CBC-HS384", "A256CBC-HS512", "A128GCM", "A192GCM", "A256GCM"}
)

// JARMHandler produces JWT secured authorization responses.
type JARMHandler struct {
	issuer string
	ttl    time.Duration
	jwks   *JWKSManager
	now    func() time.Time
}

func NewJARMHandler(issuer string, ttl time.Duration, jwks *JWKSManager) *JARMHandler {
	return &JARMHandler{issuer: issuer, ttl: ttl, jwks: jwks, now: time.Now}
}

// Generate signs params as a JWT addressed to client, then encrypts it when
// the client registered an encryption algorithm.
func (h *JARMHandler) Generate(client *store.Client, params map[string]string) (string, error) {
	now := h.now()
	claims := jwt.MapClaims{}
	for k, v := range params {
		if v != "" {
			claims[k] = v
		}
	}
	claims["iss"] = h.issuer
	claims["aud"] = client.ID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(h.ttl).Unix()

	signed, err := h.jwks.Sign(client.AuthorizationSignedResponseAlg, claims)
	if err != nil {
		return "", fmt.Errorf("sign authorization response: %w", err)
	}
	if client.AuthorizationEncryptedResponseAlg == "" {
		return signed, nil
	}
	return encryptForClient(client, []byte(signed))
}

func encryptForClient(client *store.Client, payload []byte) (string, error) {
	key, err := clientEncryptionKey(client)
	if err != nil {
		return "", err
	}
	enc := client.AuthorizationEncryptedResponseEnc
	if enc == "" {
		enc = DefaultResponseEncryptionEnc
	}
	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	encrypter, err := jose.NewEncrypter(jose.ContentEncryption(enc), jose.Recipient{
		Algorithm: jose.KeyAlgorithm(client.AuthorizationEncryptedResponseAlg),
		Key:       key.Public().Key,
		KeyID:     key.KeyID,
	}, opts)
	if err != nil {
		return "", fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt authorization response: %w", err)
	}
	return obj.CompactSerialize()
}

// clientEncryptionKey picks the first encryption key of the client's JWKS
// that fits the registered algorithm.
func clientEncryptionKey(client *store.Client) (*jose.JSONWebKey, error) {
	if len(client.JWKS) == 0 {
		return nil, errors.New("client has no jwks")
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(client.JWKS, &set); err != nil {
		return nil, fmt.Errorf("parse client jwks: %w", err)
	}
	for i := range set.Keys {
		k := set.Keys[i]
		if k.Use != "enc" {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != client.AuthorizationEncryptedResponseAlg {
			continue
		}
		return &k, nil
	}
	return nil, fmt.Errorf("client %q has no encryption key for %s", client.ID, client.AuthorizationEncryptedResponseAlg)
}
