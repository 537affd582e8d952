package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/rotation"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	RunMode            string   `yaml:"run_mode"`
	LogLevel           string   `yaml:"log_level"`
	HTTPListenAddr     string   `yaml:"http_listen_addr"`
	IssuerURL          string   `yaml:"issuer_url"`
	IdentityServiceURL string   `yaml:"identity_service_url"`
	Namespaces         []string `yaml:"namespaces"`

	Signing struct {
		Algorithm       string `yaml:"algorithm"`
		RSABits         int    `yaml:"rsa_bits"`
		FreshnessWindow string `yaml:"freshness_window"`
		RetentionWindow string `yaml:"retention_window"`
		TokenTTL        string `yaml:"token_ttl"`
		ClockSkew       string `yaml:"clock_skew"`
	} `yaml:"signing"`

	Pruning struct {
		Interval string `yaml:"interval"`
	} `yaml:"pruning"`

	Discovery struct {
		Consistency string `yaml:"consistency"`
		CacheTTL    string `yaml:"cache_ttl"`
	} `yaml:"discovery"`

	Storage struct {
		Backend   string `yaml:"backend"`
		Firestore struct {
			ProjectID  string `yaml:"project_id"`
			Collection string `yaml:"collection"`
		} `yaml:"firestore"`
		Postgres struct {
			DSN        string `yaml:"dsn"`
			ReplicaDSN string `yaml:"replica_dsn"`
		} `yaml:"postgres"`
		Redis struct {
			Addr        string `yaml:"addr"`
			ReplicaAddr string `yaml:"replica_addr"`
			DB          int    `yaml:"db"`
			Prefix      string `yaml:"prefix"`
		} `yaml:"redis"`
		Vault struct {
			Address string `yaml:"address"`
			Mount   string `yaml:"mount"`
			Path    string `yaml:"path"`
		} `yaml:"vault"`
	} `yaml:"storage"`

	Cors struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		Role           string   `yaml:"cors_role"`
	} `yaml:"cors"`
}

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// base Config: durations, the algorithm and the consistency mode are parsed
// and defaults filled in. Env-sourced fields are left empty.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		RunMode:            baseCfg.RunMode,
		HTTPListenAddr:     orDefault(baseCfg.HTTPListenAddr, DefaultHTTPListenAddr),
		IssuerURL:          strings.TrimSuffix(baseCfg.IssuerURL, "/"),
		IdentityServiceURL: strings.Trim(baseCfg.IdentityServiceURL, "\""),
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.Cors.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.Cors.Role),
		},
	}
	if cfg.CorsConfig.Role == "" {
		cfg.CorsConfig.Role = middleware.CorsRoleDefault
	}

	if baseCfg.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(baseCfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log_level %q: %w", baseCfg.LogLevel, err)
		}
	}

	for _, raw := range baseCfg.Namespaces {
		ns := signingkeys.Namespace(raw)
		if err := ns.Validate(); err != nil {
			return nil, fmt.Errorf("invalid namespace %q: %w", raw, err)
		}
		cfg.Namespaces = append(cfg.Namespaces, ns)
	}

	// Signing
	spec, err := keygen.ParseSpec(orDefault(baseCfg.Signing.Algorithm, DefaultAlgorithm), baseCfg.Signing.RSABits)
	if err != nil {
		return nil, fmt.Errorf("invalid signing algorithm: %w", err)
	}
	cfg.Signing.Spec = spec

	policy := rotation.DefaultPolicy()
	if policy.FreshnessWindow, err = parseDuration("signing.freshness_window", baseCfg.Signing.FreshnessWindow, policy.FreshnessWindow); err != nil {
		return nil, err
	}
	if policy.RetentionWindow, err = parseDuration("signing.retention_window", baseCfg.Signing.RetentionWindow, policy.RetentionWindow); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signing windows: %w", err)
	}
	cfg.Signing.Policy = policy

	if cfg.Signing.TokenTTL, err = parseDuration("signing.token_ttl", baseCfg.Signing.TokenTTL, DefaultTokenTTL); err != nil {
		return nil, err
	}
	if cfg.Signing.ClockSkew, err = parseDuration("signing.clock_skew", baseCfg.Signing.ClockSkew, DefaultClockSkew); err != nil {
		return nil, err
	}
	if cfg.PruneInterval, err = parseDuration("pruning.interval", baseCfg.Pruning.Interval, DefaultPruneInterval); err != nil {
		return nil, err
	}

	// Discovery
	if cfg.Discovery.Consistency, err = signingkeys.ParseConsistency(baseCfg.Discovery.Consistency); err != nil {
		return nil, err
	}
	if cfg.Discovery.CacheTTL, err = parseDuration("discovery.cache_ttl", baseCfg.Discovery.CacheTTL, DefaultCacheTTL); err != nil {
		return nil, err
	}

	// Storage
	st := baseCfg.Storage
	cfg.Storage = StorageConfig{
		Backend: Backend(orDefault(st.Backend, string(BackendInMemory))),
		Firestore: FirestoreConfig{
			ProjectID:  st.Firestore.ProjectID,
			Collection: orDefault(st.Firestore.Collection, DefaultFirestoreCollection),
		},
		Postgres: PostgresConfig{DSN: st.Postgres.DSN, ReplicaDSN: st.Postgres.ReplicaDSN},
		Redis: RedisConfig{
			Addr:        st.Redis.Addr,
			ReplicaAddr: st.Redis.ReplicaAddr,
			DB:          st.Redis.DB,
			Prefix:      st.Redis.Prefix,
		},
		Vault: VaultConfig{
			Address: st.Vault.Address,
			Mount:   orDefault(st.Vault.Mount, DefaultVaultMount),
			Path:    orDefault(st.Vault.Path, DefaultVaultPath),
		},
	}
	if !cfg.Storage.Backend.valid() {
		return nil, &signingkeys.ConfigError{Field: "storage.backend", Value: st.Backend}
	}

	logger.Debug("YAML config mapping complete",
		"run_mode", cfg.RunMode,
		"http_listen_addr", cfg.HTTPListenAddr,
		"namespaces", len(cfg.Namespaces),
		"algorithm", spec.Algorithm().String(),
		"backend", cfg.Storage.Backend,
		"identity_service_url", cfg.IdentityServiceURL,
		"discovery_consistency", cfg.Discovery.Consistency.String(),
		"cors_origins", cfg.CorsConfig.AllowedOrigins,
	)
	return cfg, nil
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, &signingkeys.ConfigError{Field: field, Value: value}
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
