// Command authserver runs the OAuth2 authorization code + PKCE server.
//
// Configuration is read from the YAML file given by -config and then from
// AUTHSERVER_* environment variables. See config.go for the schema.
package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	oauth "github.com/sentaku/authserver"
	"github.com/sentaku/authserver/instrumentation"
	"github.com/sentaku/authserver/permissions"
	"github.com/sentaku/authserver/security"
	"github.com/sentaku/authserver/storage"
	"github.com/sentaku/authserver/storage/memory"
	"github.com/sentaku/authserver/storage/sqlite"
	"github.com/sentaku/authserver/storage/valkey"
	"github.com/sentaku/authserver/tokens"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("authserver failed", "error", err)
		os.Exit(1)
	}
}

// pinger is implemented by stores that can report their health.
type pinger interface {
	Ping(ctx context.Context) error
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath, os.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authserver",
		ServiceVersion: version,
		Enabled:        cfg.Metrics.Enabled,
		Prometheus:     cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	directory, err := cfg.loadClients()
	if err != nil {
		return err
	}

	sealer, err := newSealer(cfg.SealingKey, logger)
	if err != nil {
		return err
	}

	signingKey, err := loadOrGenerateSigningKey(cfg.SigningKeyFile, logger)
	if err != nil {
		return err
	}
	issuer, err := tokens.NewJWTIssuer(tokens.JWTConfig{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		TTL:      cfg.AccessTokenTTL,
		Key:      signingKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	resolver := permissions.DefaultResolver()
	if len(cfg.Roles) > 0 {
		if resolver, err = permissions.ParseTable(cfg.Roles); err != nil {
			return fmt.Errorf("invalid roles table: %w", err)
		}
	}

	var health []pinger

	users, closeUsers, err := openUsers(ctx, cfg.Users, inst)
	if err != nil {
		return err
	}
	defer closeUsers()
	if p, ok := users.(pinger); ok {
		health = append(health, p)
	}

	consumed, closeConsumed, err := openConsumedCodes(cfg, inst, logger)
	if err != nil {
		return err
	}
	defer closeConsumed()
	if p, ok := consumed.(pinger); ok {
		health = append(health, p)
	}

	server, err := oauth.NewServer(oauth.Dependencies{
		Clients:       directory,
		Users:         users,
		Permissions:   resolver,
		Tokens:        issuer,
		Sealer:        sealer,
		ConsumedCodes: consumed,
	}, &oauth.Config{
		Issuer:       cfg.Issuer,
		CodeTTL:      cfg.CodeTTL,
		StoreTimeout: cfg.StoreTimeout,
		Security: oauth.SecurityConfig{
			AllowMissingPKCE:   cfg.AllowMissingPKCE,
			DisablePKCEPlain:   cfg.DisablePKCEPlain,
			SingleUseCodes:     cfg.SingleUseCodes,
			EnableAuditLogging: cfg.Audit,
		},
		RateLimit: oauth.RateLimitConfig{
			PerMinute:         cfg.RateLimit.PerMinute,
			Burst:             cfg.RateLimit.Burst,
			TrustProxy:        cfg.RateLimit.TrustProxy,
			TrustedProxyCount: cfg.RateLimit.TrustedProxyCount,
		},
		Logger:          logger,
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Close()

	router := chi.NewRouter()
	router.Get("/healthz", healthHandler(health))
	router.Handle("/metrics", inst.MetricsHandler())
	router.Mount("/", oauth.NewHandler(server, logger).Routes())

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting authorization server",
			"addr", cfg.Listen,
			"issuer", cfg.Issuer,
			"clients", directory.Len(),
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func newSealer(encoded string, logger *slog.Logger) (*security.Sealer, error) {
	var (
		key []byte
		err error
	)
	if encoded == "" {
		logger.Warn("No sealing_key configured, generating an ephemeral key; authorization codes will not survive a restart or work across instances")
		key, err = security.GenerateKey()
	} else {
		key, err = security.KeyFromBase64(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}
	return security.NewSealer(key)
}

func loadOrGenerateSigningKey(path string, logger *slog.Logger) (crypto.Signer, error) {
	if path != "" {
		key, err := tokens.LoadSigningKey(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		return key, nil
	}
	logger.Warn("No signing_key_file configured, generating an ephemeral RSA key")
	return tokens.GenerateSigningKey()
}

func openUsers(ctx context.Context, cfg usersConfig, inst *instrumentation.Instrumentation) (storage.UserStore, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		for _, u := range cfg.Seed {
			err := store.AddUser(ctx, u.user(), u.Password)
			if err != nil && !errors.Is(err, storage.ErrDuplicateUser) {
				_ = store.Close()
				return nil, nil, fmt.Errorf("seeding user %q: %w", u.Username, err)
			}
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store := memory.NewUserStore()
		store.SetInstrumentation(inst)
		for _, u := range cfg.Seed {
			if err := store.AddUser(u.user(), u.Password); err != nil {
				return nil, nil, fmt.Errorf("seeding user %q: %w", u.Username, err)
			}
		}
		return store, func() {}, nil
	}
}

// openConsumedCodes returns a nil store when single-use codes are disabled.
func openConsumedCodes(cfg fileConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (storage.ConsumedCodeStore, func(), error) {
	if !cfg.SingleUseCodes {
		return nil, func() {}, nil
	}

	switch cfg.ConsumedCodes.Driver {
	case "valkey":
		vc := valkey.Config{
			Address:   cfg.ConsumedCodes.Address,
			Password:  cfg.ConsumedCodes.Password,
			DB:        cfg.ConsumedCodes.DB,
			KeyPrefix: cfg.ConsumedCodes.KeyPrefix,
			Logger:    logger,
		}
		if cfg.ConsumedCodes.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(vc)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store := memory.NewConsumedCodes()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil
	}
}

func healthHandler(checks []pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				slog.WarnContext(ctx, "Health check failed", "error", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}
