package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/rotation"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

const (
	DefaultHTTPListenAddr      = ":8080"
	DefaultAlgorithm           = "ES256"
	DefaultTokenTTL            = 5 * time.Minute
	DefaultClockSkew           = 5 * time.Second
	DefaultPruneInterval       = time.Hour
	// DefaultCacheTTL disables the discovery cache. A cached document only
	// learns of keys minted by its own process, so a non-zero TTL is only
	// safe when a single replica serves the store.
	DefaultCacheTTL            = time.Duration(0)
	DefaultFirestoreCollection = "oidc-signing-keys"
	DefaultVaultMount          = "secret"
	DefaultVaultPath           = "oidc-keys"
)

// Backend names a key store implementation.
type Backend string

const (
	BackendInMemory  Backend = "inmemory"
	BackendFirestore Backend = "firestore"
	BackendPostgres  Backend = "postgres"
	BackendRedis     Backend = "redis"
	BackendVault     Backend = "vault"
)

func (b Backend) valid() bool {
	switch b {
	case BackendInMemory, BackendFirestore, BackendPostgres, BackendRedis, BackendVault:
		return true
	}
	return false
}

// Config defines the *single*, authoritative configuration for the issuer service.
// It is created in two stages:
// 1. Loaded from YAML (see NewConfigFromYaml).
// 2. Updated with environment variables (see UpdateConfigWithEnvOverrides).
type Config struct {
	RunMode        string
	LogLevel       slog.Level
	HTTPListenAddr string
	// IssuerURL is the public base URL; each namespace issues as IssuerURL/{namespace}.
	IssuerURL string
	// IdentityServiceURL is the OIDC identity service whose JWKS authenticates
	// callers of the token API. When empty, JWTSecret is used instead.
	IdentityServiceURL string
	Namespaces         []signingkeys.Namespace

	Signing       SigningConfig
	PruneInterval time.Duration
	Discovery     DiscoveryConfig
	Storage       StorageConfig

	// CorsConfig is the processed, ready-to-use middleware config.
	CorsConfig middleware.CorsConfig

	// JWTSecret is populated from the "JWT_SECRET" env var.
	JWTSecret string
}

type SigningConfig struct {
	Spec      keygen.AlgorithmSpec
	Policy    rotation.Policy
	TokenTTL  time.Duration
	ClockSkew time.Duration
}

type DiscoveryConfig struct {
	Consistency signingkeys.Consistency
	CacheTTL    time.Duration
}

type StorageConfig struct {
	Backend   Backend
	Firestore FirestoreConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Vault     VaultConfig
}

type FirestoreConfig struct {
	ProjectID  string
	Collection string
}

type PostgresConfig struct {
	DSN        string
	ReplicaDSN string
}

type RedisConfig struct {
	Addr        string
	ReplicaAddr string
	DB          int
	Prefix      string
}

type VaultConfig struct {
	Address string
	Mount   string
	Path    string
	// Token is populated from the "VAULT_TOKEN" env var.
	Token string
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overwriting variables that are already set. An empty path tries
// ".env" and ignores its absence.
func LoadEnvFile(path string, logger *slog.Logger) error {
	optional := path == ""
	if optional {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	logger.Debug("Loaded env file", "path", path)
	return nil
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = v
		}
	}
	override("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	override("GCP_PROJECT_ID", &cfg.Storage.Firestore.ProjectID)
	override("POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	override("POSTGRES_REPLICA_DSN", &cfg.Storage.Postgres.ReplicaDSN)
	override("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	override("VAULT_ADDR", &cfg.Storage.Vault.Address)

	// Secrets are exclusively environment-sourced
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		logger.Debug("Loaded config value", "key", "VAULT_TOKEN", "source", "env")
		cfg.Storage.Vault.Token = token
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		logger.Debug("Loaded config value", "key", "JWT_SECRET", "source", "env")
		cfg.JWTSecret = jwtSecret
	}

	if err := cfg.validate(); err != nil {
		logger.Error("Final config validation failed", "error", err)
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.IdentityServiceURL == "" && cfg.JWTSecret == "" {
		return errors.New("IDENTITY_SERVICE_URL (or identity_service_url) or the JWT_SECRET environment variable must be set")
	}
	if len(cfg.Namespaces) == 0 {
		return errors.New("at least one namespace must be configured")
	}

	st := cfg.Storage
	switch st.Backend {
	case BackendFirestore:
		if st.Firestore.ProjectID == "" {
			return errors.New("firestore backend requires a project id (storage.firestore.project_id or GCP_PROJECT_ID)")
		}
	case BackendPostgres:
		if st.Postgres.DSN == "" {
			return errors.New("postgres backend requires a dsn (storage.postgres.dsn or POSTGRES_DSN)")
		}
	case BackendRedis:
		if st.Redis.Addr == "" {
			return errors.New("redis backend requires an address (storage.redis.addr or REDIS_ADDR)")
		}
	case BackendVault:
		if st.Vault.Address == "" || st.Vault.Token == "" {
			return errors.New("vault backend requires VAULT_ADDR (or storage.vault.address) and VAULT_TOKEN")
		}
	}
	return nil
}
