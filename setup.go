package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"authzd/server"
)

// prompter reads answers line by line. At end of input every question takes
// its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) line() string {
	if p.eof {
		return ""
	}
	s, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(s)
}

func (p *prompter) text(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	if v := p.line(); v != "" {
		return v
	}
	return def
}

func (p *prompter) required(label string) (string, error) {
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		if v := p.line(); v != "" {
			return v, nil
		}
		if p.eof {
			return "", fmt.Errorf("%s is required", strings.ToLower(label))
		}
		fmt.Fprintln(p.out, "This value is required.")
	}
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		switch strings.ToLower(p.line()) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if p.eof {
			return def
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

func (p *prompter) list(label, def string) []string {
	var out []string
	for _, part := range strings.Split(p.text(label, def), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}

	fmt.Fprintf(out, "Creating %s. Press Enter to accept defaults.\n", path)
	cfg, err := askConfig(newPrompter(in, out))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration created", "path", path, "clients", len(cfg.Clients), "users", len(cfg.Users))
	return nil
}

func askConfig(p *prompter) (server.Config, error) {
	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.confirm("Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Issuer URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.text("Listen address", cfg.Server.DevListenAddr)
	} else {
		domain, err := p.required("Public domain")
		if err != nil {
			return server.Config{}, err
		}
		domain = strings.TrimSuffix(domain, "/")
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME contact email", "")
	}

	client := server.ClientConfig{
		ClientID:      p.text("Client ID", "webapp"),
		ClientSecret:  p.text("Client secret (empty for a public client)", ""),
		RedirectURIs:  p.list("Redirect URIs, comma separated", "http://127.0.0.1:3000/callback"),
		ResponseTypes: []string{server.ResponseTypeCode},
		Scopes:        []string{"openid", "profile", "email"},
	}
	client.Name = client.ClientID
	cfg.Clients = []server.ClientConfig{client}

	cfg.Server.Providers = server.ProviderConfig{}
	if p.confirm("Log users in with Microsoft Entra ID?", false) {
		entra := server.UpstreamProvider{Issuer: "https://login.microsoftonline.com/common/v2.0"}
		var err error
		if entra.TenantID, err = p.required("Tenant ID"); err != nil {
			return server.Config{}, err
		}
		if entra.ClientID, err = p.required("App registration client ID"); err != nil {
			return server.Config{}, err
		}
		if entra.ClientSecret, err = p.required("App registration client secret"); err != nil {
			return server.Config{}, err
		}
		cfg.Server.Providers.Entra = entra
		cfg.Server.Providers.Default = "entra"
	} else {
		id := p.text("Seed user ID", "alice")
		cfg.Users = []server.UserConfig{{ID: id, Name: id}}
	}
	return cfg, nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
