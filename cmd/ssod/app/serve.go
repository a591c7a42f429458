package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/sso-core"
	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/keys"
	"github.com/giantswarm/sso-core/registry"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
	"github.com/giantswarm/sso-core/storage/memory"
	ssoredis "github.com/giantswarm/sso-core/storage/redis"
	"github.com/giantswarm/sso-core/storage/sqlite"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

Users are authenticated by a reverse proxy in front of ssod, which passes the
user in request headers (see proxy_auth). Clients and directory users are
read from the catalog file; clients missing from storage are registered on
startup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("issuer", "", "Issuer URL of the authorization server")
	cmd.Flags().String("catalog", "", "Path to the client and user catalog")
	cmd.Flags().String("storage", storageMemory, "Storage backend (memory or sqlite)")
	cmd.Flags().String("sqlite-path", "ssod.db", "SQLite database file")
	bindFlag(v, "address", cmd.Flags().Lookup("address"))
	bindFlag(v, "issuer", cmd.Flags().Lookup("issuer"))
	bindFlag(v, "catalog", cmd.Flags().Lookup("catalog"))
	bindFlag(v, "storage.backend", cmd.Flags().Lookup("storage"))
	bindFlag(v, "storage.sqlite_path", cmd.Flags().Lookup("sqlite-path"))

	return cmd
}

// stores holds the opened backends and how to release them.
type stores struct {
	store  storage.Store
	nonces storage.NonceStore
	close  []func()
}

func (s *stores) Close() {
	for i := len(s.close) - 1; i >= 0; i-- {
		s.close[i]()
	}
}

type instrumented interface {
	SetInstrumentation(*instrumentation.Instrumentation)
}

func openStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &stores{}

	switch cfg.Storage.Backend {
	case storageSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, sqlite.Options{
			CleanupInterval:  cfg.Storage.CleanupInterval,
			RevokedRetention: cfg.Storage.RevokedRetention,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		s.store, s.nonces = db, db
		s.close = append(s.close, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		})
	default:
		mem := memory.NewWithInterval(cfg.Storage.CleanupInterval)
		mem.SetLogger(logger)
		mem.SetRevokedRetention(cfg.Storage.RevokedRetention)
		s.store, s.nonces = mem, mem
		s.close = append(s.close, mem.Stop)
	}

	if cfg.Nonces.Backend == noncesRedis {
		rs, err := ssoredis.NewNonceStore(ctx, cfg.redisConfig())
		if err != nil {
			s.Close()
			return nil, err
		}
		s.nonces = rs
		s.close = append(s.close, func() {
			if err := rs.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		})
	}
	return s, nil
}

func runServe(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "ssod",
		ServiceVersion: version,
		Enabled:        cfg.Metrics.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	defer func() {
		if err := inst.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if s, ok := st.store.(instrumented); ok {
		s.SetInstrumentation(inst)
	}

	auditor := security.NewAuditor(logger, cfg.Audit.Enabled)
	auditor.SetMetrics(inst.Metrics())

	encryptor, err := newEncryptor(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	signer, err := keys.New(st.store, encryptor, cfg.keysConfig(), logger)
	if err != nil {
		return err
	}
	signer.SetAuditor(auditor)
	signer.SetInstrumentation(inst)
	if err := signer.EnsureActive(ctx); err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	clients, err := registry.New(st.store, logger)
	if err != nil {
		return err
	}
	clients.SetAuditor(auditor)
	if err := clients.Reload(ctx); err != nil {
		return err
	}

	directory := NewDirectory(nil)
	if cfg.Catalog != "" {
		cat, err := LoadCatalog(cfg.Catalog)
		if err != nil {
			return err
		}
		n, err := syncClients(ctx, clients, cat, os.Getenv, logger)
		if err != nil {
			return err
		}
		directory = NewDirectory(cat.Users)
		logger.Info("Loaded catalog",
			"path", cfg.Catalog,
			"clients", len(cat.Clients),
			"registered", n,
			"users", len(cat.Users))
	}

	srv, err := server.New(st.store, st.nonces, clients, signer, cfg.serverConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetEncryptor(encryptor)
	srv.SetAuditor(auditor)
	srv.SetUserDirectory(directory)
	srv.SetInstrumentation(inst)

	eventLimiter := security.NewRateLimiter(security.RateLimitConfig{
		Name:              "security_events",
		RequestsPerSecond: 1,
		Burst:             10,
	}, logger)
	defer eventLimiter.Stop()
	srv.SetSecurityEventRateLimiter(eventLimiter)

	confirmer, err := newConfirmer(cfg, st.nonces, logger)
	if err != nil {
		return err
	}
	engine, err := batch.New(st.store, confirmer, cfg.batchConfig(), logger)
	if err != nil {
		return err
	}
	engine.SetGroupResolver(directory)
	engine.SetNotifier(batch.LogNotifier{Logger: logger})
	engine.SetAuditor(auditor)
	engine.SetInstrumentation(inst)

	handler, err := oauth.NewHandler(srv, engine, cfg.handlerConfig(), logger)
	if err != nil {
		return err
	}
	defer handler.Close()
	handler.SetAuthenticator(cfg.authenticator())
	handler.SetInstrumentation(inst)

	httpServer := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		signer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		clients.Start(gctx, cfg.Registry.ReloadInterval)
		return nil
	})
	g.Go(func() error {
		engine.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Authorization server listening",
			"address", cfg.Address,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage.Backend,
			"nonces", cfg.Nonces.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Server shutdown complete")
	return err
}

func newEncryptor(encoded string) (*security.Encryptor, error) {
	if encoded == "" {
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("encryption_key: %w", err)
	}
	return security.NewEncryptor(key)
}

// newConfirmer builds the emergency confirmation verifier. Without a
// configured secret emergency jobs are disabled.
func newConfirmer(cfg *Config, nonces storage.NonceStore, logger *slog.Logger) (*batch.Confirmer, error) {
	if cfg.ConfirmationSecret == "" {
		logger.Warn("Emergency revocation disabled: no confirmation_secret configured",
			"recommendation", "set confirmation_secret (SSO_CONFIRMATION_SECRET)")
		return nil, nil
	}
	return batch.NewConfirmer([]byte(cfg.ConfirmationSecret), nonces, cfg.Issuer)
}
