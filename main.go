// Command authzd runs the OAuth 2.0 / OpenID Connect authorization server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"authzd/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHZD_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	args := flag.Args()
	if configFile == "" && len(args) > 0 && args[0] != "connect" {
		configFile, args = args[0], args[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	switch *configCmd {
	case "":
	case "init":
		if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
			log.Fatalf("config init failed: %v", err)
		}
		return
	case "validate":
		cfg, err := server.LoadConfig(configFile)
		if err != nil {
			log.Fatalf("config validation failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		failed := checkProviders(ctx, cfg, logger)
		cancel()
		logger.Info("configuration is valid", "path", configFile, "unreachable_providers", failed)
		return
	default:
		log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if len(args) > 0 && args[0] == "connect" {
		if len(args) < 2 {
			log.Fatalf("usage: %s [-config path] connect <provider>", os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, args[1], nil, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", args[1], "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", args[1])
		return
	}

	if err := serve(cfg, logger); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func serve(cfg server.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	checkProviders(checkCtx, cfg, logger)
	cancel()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	stopRotate := make(chan struct{})
	application.JWKS.StartRotation(stopRotate)
	defer close(stopRotate)

	servers := listeners(cfg, application.Routes())
	errc := make(chan error, len(servers))
	for _, l := range servers {
		logger.Info("server listening", "addr", l.srv.Addr, "tls", l.tls, "issuer", cfg.Server.PublicURL)
		go func() {
			var err error
			if l.tls {
				err = l.srv.ListenAndServeTLS("", "")
			} else {
				err = l.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s: %w", l.srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
		logger.Error("listener failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, l := range servers {
		_ = l.srv.Shutdown(shutdownCtx)
	}
	logger.Info("server stopped")
	return err
}

type listener struct {
	srv *http.Server
	tls bool
}

// listeners returns a plain listener in dev mode. Otherwise it returns an
// autocert backed TLS listener plus the port 80 listener that answers ACME
// challenges and redirects to https.
func listeners(cfg server.Config, handler http.Handler) []listener {
	if cfg.Server.DevMode {
		return []listener{{srv: &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}}}
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	return []listener{
		{srv: &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}},
		{tls: true, srv: &http.Server{
			Addr:    cfg.Server.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
			},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}},
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, errors.New("unknown log level")
	}
}
