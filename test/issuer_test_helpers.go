package test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/rotation"
	inmemorystore "github.com/tinywideclouds/go-oidc-keys/internal/storage/inmemory"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice/config"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// TestJWTSecret is the shared secret NewTestConfig configures for the token API.
const TestJWTSecret = "test-jwt-secret"

// TestIssuer bundles a running test server with the pieces behind it.
type TestIssuer struct {
	Server   *httptest.Server
	Registry *issuer.Registry
	Metrics  *prometheus.Registry
}

// NewTestConfig returns a config for an in-memory ES256 issuer over namespaces.
func NewTestConfig(namespaces ...signingkeys.Namespace) *config.Config {
	return &config.Config{
		HTTPListenAddr: ":0",
		Namespaces:     namespaces,
		Signing: config.SigningConfig{
			Spec:      keygen.ECSpec{Alg: jwa.ES256},
			Policy:    rotation.DefaultPolicy(),
			TokenTTL:  config.DefaultTokenTTL,
			ClockSkew: config.DefaultClockSkew,
		},
		PruneInterval: time.Hour,
		Discovery: config.DiscoveryConfig{
			Consistency: signingkeys.Strong,
			CacheTTL:    config.DefaultCacheTTL,
		},
		Storage: config.StorageConfig{Backend: config.BackendInMemory},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: []string{"*"}, // Allow all for tests
			Role:           middleware.CorsRoleDefault,
		},
		JWTSecret: TestJWTSecret,
	}
}

// NewTestServer creates and starts a new httptest.Server for end-to-end testing.
// It assembles the service with an in-memory store and the provided auth middleware.
func NewTestServer(cfg *config.Config, authMiddleware func(http.Handler) http.Handler) (*TestIssuer, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	metricsRegistry := prometheus.NewRegistry()
	metrics, err := issuer.NewMetrics(metricsRegistry)
	if err != nil {
		return nil, err
	}

	registry, err := issuer.NewRegistry(inmemorystore.New(), cfg.Namespaces, issuer.Settings{
		Spec:                 cfg.Signing.Spec,
		Policy:               cfg.Signing.Policy,
		DiscoveryConsistency: cfg.Discovery.Consistency,
		TokenTTL:             cfg.Signing.TokenTTL,
		ClockSkew:            cfg.Signing.ClockSkew,
		IssuerURL:            cfg.IssuerURL,
		Metrics:              metrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	service := issuerservice.New(cfg, registry, authMiddleware, metricsRegistry, logger)
	return &TestIssuer{
		Server:   httptest.NewServer(service.Mux()),
		Registry: registry,
		Metrics:  metricsRegistry,
	}, nil
}

// NewTestAuthToken returns an HS256 bearer token for subject signed with secret,
// as accepted by the legacy shared-secret auth middleware.
func NewTestAuthToken(secret, subject string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	return token.SignedString([]byte(secret))
}
