package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"authzd/server"
)

// runConnect starts an upstream login without a browser and reports whether
// the provider's authorization endpoint answers.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, name string, provided map[string]server.IdentityProvider, httpClient *http.Client) error {
	if name == "" {
		return errors.New("provider name required")
	}

	providers := provided
	if providers == nil {
		var err error
		if providers, err = server.BuildProviders(ctx, cfg, logger); err != nil {
			return fmt.Errorf("build providers: %w", err)
		}
	}
	provider, ok := providers[name]
	if !ok {
		return fmt.Errorf("provider %s not configured", name)
	}

	authURL := provider.AuthCodeURL(randomHex(8), randomHex(8))
	logger.Info("connect.start", "provider", name, "auth_url", authURL)

	client := http.Client{Timeout: 30 * time.Second}
	if httpClient != nil {
		client = *httpClient
	}
	next := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

// checkProviders probes the discovery document of every configured upstream
// provider. Failures are only logged.
func checkProviders(ctx context.Context, cfg server.Config, logger *slog.Logger) int {
	failed := 0
	for _, name := range cfg.ProviderNames() {
		wellKnown := strings.TrimSuffix(cfg.Provider(name).Issuer, "/") + "/.well-known/openid-configuration"
		if err := probeURL(ctx, wellKnown); err != nil {
			failed++
			logger.Warn("provider discovery unreachable", "provider", name, "url", wellKnown, "error", err)
			continue
		}
		logger.Debug("provider discovery reachable", "provider", name)
	}
	return failed
}

func probeURL(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
