package issuer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/storage/inmemory"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

func newTestRegistry(t *testing.T, store signingkeys.Store, clock *fakeClock, namespaces ...signingkeys.Namespace) *issuer.Registry {
	t.Helper()
	reg, err := issuer.NewRegistry(store, namespaces, issuer.Settings{
		Spec:      keygen.ECSpec{Alg: jwa.ES256},
		IssuerURL: "https://issuer.example/",
		Clock:     clock.Now,
	}, newTestLogger())
	require.NoError(t, err)
	return reg
}

func TestRegistry(t *testing.T) {
	t.Run("Success - One issuer per namespace", func(t *testing.T) {
		clock := newFakeClock()
		reg := newTestRegistry(t, inmemory.New(), clock, "zeta", "alpha")

		assert.Equal(t, []signingkeys.Namespace{"alpha", "zeta"}, reg.Namespaces())

		iss, err := reg.Get("alpha")
		require.NoError(t, err)
		assert.Equal(t, "https://issuer.example/alpha", iss.IssuerURL)
		assert.Equal(t, signingkeys.Namespace("alpha"), iss.Manager.Namespace())
	})

	t.Run("Success - Namespaces sharing a store keep separate keys", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		reg := newTestRegistry(t, inmemory.New(), clock, "alpha", "beta")
		a, err := reg.Get("alpha")
		require.NoError(t, err)
		b, err := reg.Get("beta")
		require.NoError(t, err)

		ka, err := a.Manager.CurrentSigningKey(ctx)
		require.NoError(t, err)
		kb, err := b.Manager.CurrentSigningKey(ctx)
		require.NoError(t, err)

		assert.NotEqual(t, ka.KeyID, kb.KeyID)
		keys, err := a.Manager.DiscoverableKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, ka.KeyID, keys[0].KeyID())
	})

	t.Run("Failure - Unknown namespace", func(t *testing.T) {
		reg := newTestRegistry(t, inmemory.New(), newFakeClock(), "alpha")

		_, err := reg.Get("beta")
		assert.ErrorIs(t, err, issuer.ErrUnknownNamespace)
	})

	t.Run("Failure - Invalid namespace", func(t *testing.T) {
		reg := newTestRegistry(t, inmemory.New(), newFakeClock(), "alpha")

		_, err := reg.Get("bad/namespace")
		assert.ErrorIs(t, err, signingkeys.ErrInvalidNamespace)
	})

	t.Run("Failure - Bad configuration", func(t *testing.T) {
		settings := issuer.Settings{Spec: keygen.ECSpec{Alg: jwa.ES256}}

		_, err := issuer.NewRegistry(inmemory.New(), nil, settings, newTestLogger())
		assert.Error(t, err, "no namespaces")

		_, err = issuer.NewRegistry(inmemory.New(), []signingkeys.Namespace{"a", "a"}, settings, newTestLogger())
		assert.Error(t, err, "duplicate namespace")
	})
}

func TestPruner_PruneAll(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Prunes every namespace", func(t *testing.T) {
		// Arrange
		clock := newFakeClock()
		reg := newTestRegistry(t, inmemory.New(), clock, "alpha", "beta", "gamma")
		for _, ns := range reg.Namespaces() {
			iss, err := reg.Get(ns)
			require.NoError(t, err)
			_, err = iss.Manager.CurrentSigningKey(ctx)
			require.NoError(t, err)
		}
		clock.Advance(25 * time.Hour)
		pruner := issuer.NewPruner(reg, time.Hour, newTestLogger())

		// Act
		dropped, err := pruner.PruneAll(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 3, dropped)

		dropped, err = pruner.PruneAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, dropped)
	})

	t.Run("Failure - Errors are joined and reported", func(t *testing.T) {
		// Arrange
		clock := newFakeClock()
		store := new(MockStore)
		stale := signingkeys.KeyRecord{CreatedAt: clock.Now().Add(-48 * time.Hour)}
		store.On("Scan", mock.Anything, signingkeys.Namespace("alpha"), mock.Anything, mock.Anything).
			Return([]signingkeys.KeyRecord{stale}, nil)
		store.On("DeleteMany", mock.Anything, signingkeys.Namespace("alpha"), mock.Anything).Return(nil)
		store.On("Scan", mock.Anything, signingkeys.Namespace("beta"), mock.Anything, mock.Anything).
			Return(nil, signingkeys.Unavailable("scan", errors.New("connection reset")))
		reg := newTestRegistry(t, store, clock, "alpha", "beta")
		pruner := issuer.NewPruner(reg, time.Hour, newTestLogger())

		// Act
		dropped, err := pruner.PruneAll(ctx)

		// Assert
		assert.ErrorIs(t, err, signingkeys.ErrStoreUnavailable)
		assert.Equal(t, 1, dropped, "the healthy namespace is still pruned")
	})
}

func TestPruner_Run(t *testing.T) {
	t.Run("Success - Prunes immediately and stops with its context", func(t *testing.T) {
		// Arrange
		clock := newFakeClock()
		store := inmemory.New()
		reg := newTestRegistry(t, store, clock, "alpha")
		iss, err := reg.Get("alpha")
		require.NoError(t, err)
		_, err = iss.Manager.CurrentSigningKey(context.Background())
		require.NoError(t, err)
		clock.Advance(25 * time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		// Act
		go func() {
			issuer.NewPruner(reg, time.Hour, newTestLogger()).Run(ctx)
			close(done)
		}()

		// Assert
		require.Eventually(t, func() bool {
			recs, err := store.Scan(context.Background(), "alpha", signingkeys.Range{}, signingkeys.ScanOptions{})
			return err == nil && len(recs) == 0
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pruner did not stop after cancellation")
		}
	})
}
