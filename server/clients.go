package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"authzd/oauth"
	"authzd/store"
)

// ClientRegistry seeds configured clients into storage and authenticates
// them at the token endpoint.
type ClientRegistry struct {
	repo store.ClientRepository
}

// NewClientRegistry stores every configured client.
func NewClientRegistry(ctx context.Context, cfgs []ClientConfig, repo store.ClientRepository) (*ClientRegistry, error) {
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		client, err := cfg.toClient()
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", cfg.ClientID, err)
		}
		if err := repo.Save(ctx, client); err != nil {
			return nil, fmt.Errorf("store client %s: %w", cfg.ClientID, err)
		}
	}
	return &ClientRegistry{repo: repo}, nil
}

// Authenticate validates client credentials. Public clients are identified
// by id alone and must use PKCE.
func (cr *ClientRegistry) Authenticate(ctx context.Context, id, secret string) (*store.Client, error) {
	invalid := oauth.NewError(oauth.InvalidClient, "Client authentication failed.")
	if id == "" {
		return nil, invalid
	}
	client, err := cr.repo.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if client.IsPublic() {
		return client, nil
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) != 1 {
		return nil, invalid
	}
	return client, nil
}

// isSafeRedirectURI rejects redirect targets that could be turned into an
// open redirect: non-http schemes, userinfo, protocol-relative URLs and
// fragments.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.User != nil || strings.Contains(uri, "@") {
		return false
	}
	return u.Fragment == "" && !strings.Contains(uri, "#")
}
