package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/jackc/pgx/v5/pgxpool"
	rdb "github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	fs "github.com/tinywideclouds/go-oidc-keys/internal/storage/firestore"
	"github.com/tinywideclouds/go-oidc-keys/internal/storage/inmemory"
	pg "github.com/tinywideclouds/go-oidc-keys/internal/storage/postgres"
	redisstore "github.com/tinywideclouds/go-oidc-keys/internal/storage/redis"
	vaultstore "github.com/tinywideclouds/go-oidc-keys/internal/storage/vault"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice/config"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

const connectTimeout = 10 * time.Second

// newStore builds the configured key store. The returned close function
// releases its clients.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (signingkeys.Store, func(), error) {
	st := cfg.Storage
	switch st.Backend {
	case config.BackendInMemory:
		logger.Warn("Using in-memory key store; keys are lost on restart and not shared between replicas")
		return inmemory.New(inmemory.WithLogger(logger)), func() {}, nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, st.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Firestore client for project %s: %w", st.Firestore.ProjectID, err)
		}
		logger.Info("Using Firestore key store", "project_id", st.Firestore.ProjectID, "collection", st.Firestore.Collection)
		return fs.NewFirestoreStore(client, st.Firestore.Collection, logger), func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		primary, err := newPool(ctx, st.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		var replica *pgxpool.Pool
		if st.Postgres.ReplicaDSN != "" {
			if replica, err = newPool(ctx, st.Postgres.ReplicaDSN); err != nil {
				primary.Close()
				return nil, nil, fmt.Errorf("replica: %w", err)
			}
		}
		closeAll := func() {
			primary.Close()
			if replica != nil {
				replica.Close()
			}
		}
		store := pg.NewPostgresStore(primary, replica, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		logger.Info("Using Postgres key store", "replica", replica != nil)
		return store, closeAll, nil

	case config.BackendRedis:
		client, err := newRedisClient(ctx, st.Redis.Addr, st.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		var replica *rdb.Client
		if st.Redis.ReplicaAddr != "" {
			if replica, err = newRedisClient(ctx, st.Redis.ReplicaAddr, st.Redis.DB); err != nil {
				_ = client.Close()
				return nil, nil, fmt.Errorf("replica: %w", err)
			}
		}
		logger.Info("Using Redis key store", "addr", st.Redis.Addr, "replica", replica != nil)
		return redisstore.NewRedisStore(client, replica, st.Redis.Prefix, logger), func() {
			_ = client.Close()
			if replica != nil {
				_ = replica.Close()
			}
		}, nil

	case config.BackendVault:
		vcfg := vaultapi.DefaultConfig()
		vcfg.Address = st.Vault.Address
		vcfg.Timeout = 30 * time.Second
		client, err := vaultapi.NewClient(vcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Vault client: %w", err)
		}
		client.SetToken(st.Vault.Token)
		logger.Info("Using Vault key store", "address", st.Vault.Address, "mount", st.Vault.Mount, "path", st.Vault.Path)
		return vaultstore.NewVaultStore(client, st.Vault.Mount, st.Vault.Path, logger), func() {}, nil
	}
	return nil, nil, &signingkeys.ConfigError{Field: "storage.backend", Value: string(st.Backend)}
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("new pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	return pool, nil
}

func newRedisClient(ctx context.Context, addr string, db int) (*rdb.Client, error) {
	client := rdb.NewClient(&rdb.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// newRegistry builds one issuer per configured namespace over store.
func newRegistry(cfg *config.Config, store signingkeys.Store, metrics *issuer.Metrics, logger *slog.Logger) (*issuer.Registry, error) {
	return issuer.NewRegistry(store, cfg.Namespaces, issuer.Settings{
		Spec:                 cfg.Signing.Spec,
		Policy:               cfg.Signing.Policy,
		DiscoveryConsistency: cfg.Discovery.Consistency,
		TokenTTL:             cfg.Signing.TokenTTL,
		ClockSkew:            cfg.Signing.ClockSkew,
		IssuerURL:            cfg.IssuerURL,
		Metrics:              metrics,
	}, logger)
}

// newAuthMiddleware creates the JWT-validating middleware for the token API.
// Tokens are checked against the identity service's JWKS when one is
// configured, and against the shared JWT_SECRET otherwise.
func newAuthMiddleware(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.IdentityServiceURL == "" {
		logger.Warn("No identity service configured; validating HS256 tokens with JWT_SECRET")
		return middleware.NewLegacySharedSecretAuthMiddleware(cfg.JWTSecret, logger), nil
	}

	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		return nil, fmt.Errorf("JWT configuration validation failed: %w", err)
	}
	logger.Info("VERIFIED JWKS CONFIG", "jwks_url", jwksURL)

	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth middleware: %w", err)
	}
	return authMiddleware, nil
}
