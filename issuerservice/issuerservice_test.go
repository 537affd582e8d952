package issuerservice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-oidc-keys/internal/api"
	"github.com/tinywideclouds/go-oidc-keys/internal/storage/inmemory"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice"
	"github.com/tinywideclouds/go-oidc-keys/test"
)

// newTestLogger creates a discard logger for tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAuthMiddleware() func(http.Handler) http.Handler {
	return middleware.NewLegacySharedSecretAuthMiddleware(test.TestJWTSecret, newTestLogger())
}

func newTestIssuer(t *testing.T) *test.TestIssuer {
	t.Helper()
	cfg := test.NewTestConfig("tenant-a", "tenant-b")
	cfg.IssuerURL = "https://issuer.example"
	ti, err := test.NewTestServer(cfg, newAuthMiddleware())
	require.NoError(t, err)
	t.Cleanup(ti.Server.Close)
	return ti
}

func newAuthToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := test.NewTestAuthToken(secret, "svc-backend")
	require.NoError(t, err)
	return token
}

func signRequest(t *testing.T, url, token string, body api.SignRequest) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestIssuerService_EndToEnd(t *testing.T) {
	ti := newTestIssuer(t)
	base := ti.Server.URL
	testToken := newAuthToken(t, test.TestJWTSecret)

	t.Run("Success - Signed token verifies against the published key set", func(t *testing.T) {
		// Act
		resp := signRequest(t, base+"/api/v1/namespaces/tenant-a/tokens", testToken, api.SignRequest{
			Claims: map[string]any{"sub": "user-1", "aud": "relying-party"},
		})

		// Assert
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var signed api.SignResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))

		set, err := jwk.Fetch(context.Background(), base+"/tenant-a/.well-known/jwks.json")
		require.NoError(t, err)
		tok, err := jwt.Parse([]byte(signed.Token),
			jwt.WithKeySet(set),
			jwt.WithValidate(true),
			jwt.WithIssuer("https://issuer.example/tenant-a"),
			jwt.WithAudience("relying-party"),
		)
		require.NoError(t, err)
		assert.Equal(t, "user-1", tok.Subject())
	})

	t.Run("Success - Namespaces publish independent key sets", func(t *testing.T) {
		resp := signRequest(t, base+"/api/v1/namespaces/tenant-b/tokens", testToken, api.SignRequest{})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var signed api.SignResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))

		setA, err := jwk.Fetch(context.Background(), base+"/tenant-a/.well-known/jwks.json")
		require.NoError(t, err)
		_, err = jwt.Parse([]byte(signed.Token), jwt.WithKeySet(setA), jwt.WithValidate(false))
		assert.Error(t, err, "tenant-b token must not verify with tenant-a keys")
	})

	t.Run("Success - OpenID configuration points at the key set", func(t *testing.T) {
		resp, err := http.Get(base + "/tenant-a/.well-known/openid-configuration")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var cfg api.OpenIDConfiguration
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
		assert.Equal(t, "https://issuer.example/tenant-a/.well-known/jwks.json", cfg.JWKSURI)
	})

	t.Run("Success - Metrics are exposed", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `oidc_keys_minted_total{namespace="tenant-a"} 1`)
	})

	t.Run("Success - Preflight request is routed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, base+"/api/v1/namespaces/tenant-a/tokens", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://app.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Less(t, resp.StatusCode, 400)
	})

	t.Run("Failure - Missing bearer token", func(t *testing.T) {
		resp := signRequest(t, base+"/api/v1/namespaces/tenant-a/tokens", "", api.SignRequest{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Failure - Token signed with another secret", func(t *testing.T) {
		resp := signRequest(t, base+"/api/v1/namespaces/tenant-a/prune", newAuthToken(t, "other-secret"), api.SignRequest{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Success - Liveness is served by the base server", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Failure - Unknown namespace", func(t *testing.T) {
		resp, err := http.Get(base + "/tenant-z/.well-known/jwks.json")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestWrapper_StartShutdown(t *testing.T) {
	// Arrange
	cfg := test.NewTestConfig("tenant-a")
	cfg.HTTPListenAddr = ":0"
	registry, err := issuer.NewRegistry(inmemory.New(), cfg.Namespaces, issuer.Settings{Spec: cfg.Signing.Spec}, newTestLogger())
	require.NoError(t, err)
	service := issuerservice.New(cfg, registry, newAuthMiddleware(), prometheus.NewRegistry(), newTestLogger())

	readyz := func() int {
		port := service.GetHTTPPort()
		if port == ":0" {
			return 0
		}
		resp, err := http.Get("http://127.0.0.1" + port + "/readyz")
		if err != nil {
			return 0
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	// Act
	errChan := make(chan error, 1)
	go func() { errChan <- service.Start() }()

	// Assert
	require.Eventually(t, func() bool { return readyz() == http.StatusOK }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, service.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestWrapper_NotReadyBeforeStart(t *testing.T) {
	cfg := test.NewTestConfig("tenant-a")
	registry, err := issuer.NewRegistry(inmemory.New(), cfg.Namespaces, issuer.Settings{Spec: cfg.Signing.Spec}, newTestLogger())
	require.NoError(t, err)
	service := issuerservice.New(cfg, registry, newAuthMiddleware(), nil, newTestLogger())

	rr := httptest.NewRecorder()
	service.Mux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
