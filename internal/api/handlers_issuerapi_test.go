package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-oidc-keys/internal/api"
	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/storage/inmemory"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice/config"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// newTestLogger creates a discard logger for tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every operation as an unreachable backend would.
type failingStore struct{}

func (failingStore) Scan(context.Context, signingkeys.Namespace, signingkeys.Range, signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	return nil, signingkeys.Unavailable("scan", errors.New("connection refused"))
}

func (failingStore) Create(context.Context, signingkeys.Namespace, signingkeys.KeyRecord) error {
	return signingkeys.Unavailable("create", errors.New("connection refused"))
}

func (failingStore) DeleteMany(context.Context, signingkeys.Namespace, []time.Time) error {
	return signingkeys.Unavailable("delete", errors.New("connection refused"))
}

// gatedStore holds the first Scan after arm until release is closed. The
// results are read before blocking, so they predate anything written meanwhile.
type gatedStore struct {
	signingkeys.Store
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner signingkeys.Store) *gatedStore {
	return &gatedStore{
		Store:   inner,
		armed:   make(chan struct{}, 1),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) arm() { g.armed <- struct{}{} }

func (g *gatedStore) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	recs, err := g.Store.Scan(ctx, ns, r, opts)
	select {
	case <-g.armed:
		close(g.entered)
		<-g.release
	default:
	}
	return recs, err
}

type fixture struct {
	api   *api.API
	mux   *http.ServeMux
	clock *testClock
}

func newFixture(t *testing.T, store signingkeys.Store, issuerURL string, cacheTTL time.Duration) *fixture {
	t.Helper()
	clock := &testClock{now: time.Now().UTC()}
	reg, err := issuer.NewRegistry(store, []signingkeys.Namespace{"tenant-a"}, issuer.Settings{
		Spec:      keygen.ECSpec{Alg: jwa.ES256},
		IssuerURL: issuerURL,
		Clock:     clock.Now,
	}, newTestLogger())
	require.NoError(t, err)

	a := api.NewAPI(reg, cacheTTL, newTestLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{namespace}/.well-known/jwks.json", a.JWKSHandler)
	mux.HandleFunc("GET /{namespace}/.well-known/openid-configuration", a.OpenIDConfigurationHandler)
	mux.HandleFunc("POST /api/v1/namespaces/{namespace}/tokens", a.SignTokenHandler)
	mux.HandleFunc("POST /api/v1/namespaces/{namespace}/prune", a.PruneHandler)
	return &fixture{api: a, mux: mux, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/tokens", api.SignRequest{Claims: claims})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp api.SignResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Token
}

func (f *fixture) jwks(t *testing.T) jwk.Set {
	t.Helper()
	rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/jwks.json", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	set, err := jwk.Parse(rr.Body.Bytes())
	require.NoError(t, err)
	return set
}

func TestSignTokenHandler(t *testing.T) {
	t.Run("Success - Token verifies against the published key set", func(t *testing.T) {
		// Arrange
		f := newFixture(t, inmemory.New(), "https://issuer.example", 0)

		// Act
		token := f.sign(t, map[string]any{"sub": "user-1"})

		// Assert
		set := f.jwks(t)
		parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
		require.NoError(t, err)
		assert.Equal(t, "user-1", parsed.Subject())
		assert.Equal(t, "https://issuer.example/tenant-a", parsed.Issuer())
	})

	t.Run("Success - ttlSeconds sets the lifetime", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/tokens", api.SignRequest{TTLSeconds: 60})
		require.Equal(t, http.StatusCreated, rr.Code)

		var resp api.SignResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		parsed, err := jwt.Parse([]byte(resp.Token), jwt.WithKeySet(f.jwks(t)), jwt.WithValidate(false))
		require.NoError(t, err)
		assert.Equal(t, time.Minute, parsed.Expiration().Sub(parsed.IssuedAt()))
	})

	t.Run("Failure - Malformed body", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/tokens", "{not json")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Failure - Negative ttl", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/tokens", api.SignRequest{TTLSeconds: -1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Failure - Unknown namespace", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-b/tokens", api.SignRequest{})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Failure - Store unavailable", func(t *testing.T) {
		f := newFixture(t, failingStore{}, "", 0)
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/tokens", api.SignRequest{})
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.NotContains(t, rr.Body.String(), `"token":`)
	})
}

func TestJWKSHandler(t *testing.T) {
	t.Run("Success - Empty namespace publishes an empty set", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/jwks.json", nil)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"keys":[]}`, rr.Body.String())
	})

	t.Run("Success - Published keys carry no private material", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		f.sign(t, nil)

		rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/jwks.json", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var doc struct {
			Keys []map[string]any `json:"keys"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
		require.Len(t, doc.Keys, 1)
		assert.NotContains(t, doc.Keys[0], "d")
		assert.Equal(t, "sig", doc.Keys[0]["use"])
		assert.Equal(t, "ES256", doc.Keys[0]["alg"])
	})

	t.Run("Success - Cached document is refreshed when a new key signs", func(t *testing.T) {
		// Arrange
		f := newFixture(t, inmemory.New(), "", time.Hour)
		first := f.sign(t, nil)
		require.Equal(t, 1, f.jwks(t).Len())

		// Act: rotate past the freshness window; the cached document predates the new key.
		f.clock.Advance(13 * time.Hour)
		second := f.sign(t, nil)

		// Assert
		set := f.jwks(t)
		assert.Equal(t, 2, set.Len())
		for _, token := range []string{first, second} {
			_, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(false))
			assert.NoError(t, err)
		}
	})

	t.Run("Success - Replicas sharing a store publish each other's keys", func(t *testing.T) {
		// Arrange
		store := inmemory.New()
		replicaA := newFixture(t, store, "", config.DefaultCacheTTL)
		replicaB := newFixture(t, store, "", config.DefaultCacheTTL)
		require.Equal(t, 0, replicaA.jwks(t).Len())

		// Act
		token := replicaB.sign(t, nil)

		// Assert
		_, err := jwt.Parse([]byte(token), jwt.WithKeySet(replicaA.jwks(t)), jwt.WithValidate(false))
		assert.NoError(t, err, "key minted by another replica must be published at once")
	})

	t.Run("Success - A fill that scanned before a mint is not cached", func(t *testing.T) {
		// Arrange
		store := newGatedStore(inmemory.New())
		f := newFixture(t, store, "", time.Hour)
		store.arm()

		done := make(chan int)
		go func() {
			rr := httptest.NewRecorder()
			f.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tenant-a/.well-known/jwks.json", nil))
			done <- rr.Code
		}()
		<-store.entered

		// Act: mint and sign while the fill holds an empty scan.
		token := f.sign(t, nil)
		close(store.release)
		require.Equal(t, http.StatusOK, <-done)

		// Assert
		_, err := jwt.Parse([]byte(token), jwt.WithKeySet(f.jwks(t)), jwt.WithValidate(false))
		assert.NoError(t, err, "signing kid must be listed after the stale fill completes")
	})

	t.Run("Success - Cache-Control reflects the cache ttl", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 30*time.Second)
		rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/jwks.json", nil)
		assert.Equal(t, "public, max-age=30", rr.Header().Get("Cache-Control"))
	})

	t.Run("Failure - Unknown namespace", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodGet, "/tenant-b/.well-known/jwks.json", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Failure - Store unavailable", func(t *testing.T) {
		f := newFixture(t, failingStore{}, "", 0)
		rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/jwks.json", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestOpenIDConfigurationHandler(t *testing.T) {
	t.Run("Success - Configured issuer", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "https://issuer.example/", 0)
		rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/openid-configuration", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var cfg api.OpenIDConfiguration
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
		assert.Equal(t, "https://issuer.example/tenant-a", cfg.Issuer)
		assert.Equal(t, "https://issuer.example/tenant-a/.well-known/jwks.json", cfg.JWKSURI)
		assert.Equal(t, []string{"ES256"}, cfg.IDTokenSigningAlgValuesSupported)
	})

	t.Run("Success - Falls back to the request host", func(t *testing.T) {
		f := newFixture(t, inmemory.New(), "", 0)
		rr := f.do(t, http.MethodGet, "/tenant-a/.well-known/openid-configuration", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var cfg api.OpenIDConfiguration
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
		assert.Equal(t, "http://example.com/tenant-a", cfg.Issuer)
	})
}

func TestPruneHandler(t *testing.T) {
	t.Run("Success - Drops keys past retention", func(t *testing.T) {
		// Arrange
		f := newFixture(t, inmemory.New(), "", time.Hour)
		f.sign(t, nil)
		require.Equal(t, 1, f.jwks(t).Len())
		f.clock.Advance(25 * time.Hour)

		// Act
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/prune", nil)

		// Assert
		require.Equal(t, http.StatusOK, rr.Code)
		var resp api.PruneResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Dropped)
		assert.Equal(t, 0, f.jwks(t).Len(), "prune invalidates the cached document")
	})

	t.Run("Failure - Store unavailable", func(t *testing.T) {
		f := newFixture(t, failingStore{}, "", 0)
		rr := f.do(t, http.MethodPost, "/api/v1/namespaces/tenant-a/prune", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}
