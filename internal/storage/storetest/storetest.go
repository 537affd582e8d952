// Package storetest holds the conformance suite every signingkeys.Store
// backend runs in its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// Factory returns a store to test. Backends that share state between calls
// must make sure the namespaces handed out by NewNamespace are unused.
type Factory func(t *testing.T) signingkeys.Store

var nsCounter struct {
	sync.Mutex
	n int
}

// NewNamespace returns a namespace unique to this process run.
func NewNamespace(t *testing.T) signingkeys.Namespace {
	t.Helper()
	nsCounter.Lock()
	defer nsCounter.Unlock()
	nsCounter.n++
	return signingkeys.Namespace(fmt.Sprintf("storetest-%d-%d", time.Now().UnixNano(), nsCounter.n))
}

// NewRecord generates an ES256 record created at createdAt.
func NewRecord(t *testing.T, createdAt time.Time) signingkeys.KeyRecord {
	t.Helper()
	rec, err := keygen.Generate(keygen.ECSpec{Alg: jwa.ES256})
	require.NoError(t, err)
	rec.CreatedAt = signingkeys.StampTime(createdAt)
	return rec
}

func strong() signingkeys.ScanOptions {
	return signingkeys.ScanOptions{Consistency: signingkeys.Strong}
}

func kids(records []signingkeys.KeyRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.KeyID)
	}
	return out
}

// Run exercises the Store contract against the store returned by newStore.
func Run(t *testing.T, newStore Factory) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)

	t.Run("Success - Scan returns records ordered by creation time", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		store := newStore(t)
		ns := NewNamespace(t)
		r1 := NewRecord(t, base)
		r2 := NewRecord(t, base.Add(time.Nanosecond))
		r3 := NewRecord(t, base.Add(time.Hour))
		for _, r := range []signingkeys.KeyRecord{r3, r1, r2} {
			require.NoError(t, store.Create(ctx, ns, r))
		}

		// Act
		asc, err := store.Scan(ctx, ns, signingkeys.Range{}, strong())
		require.NoError(t, err)
		desc, err := store.Scan(ctx, ns, signingkeys.Range{}, signingkeys.ScanOptions{Reverse: true, Consistency: signingkeys.Strong})
		require.NoError(t, err)

		// Assert
		assert.Equal(t, []string{r1.KeyID, r2.KeyID, r3.KeyID}, kids(asc))
		assert.Equal(t, []string{r3.KeyID, r2.KeyID, r1.KeyID}, kids(desc))
		assert.True(t, r2.CreatedAt.Equal(asc[1].CreatedAt), "nanosecond precision must survive storage")
	})

	t.Run("Success - Range bounds and limit", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		ns := NewNamespace(t)
		var recs []signingkeys.KeyRecord
		for i := 0; i < 4; i++ {
			r := NewRecord(t, base.Add(time.Duration(i)*time.Hour))
			require.NoError(t, store.Create(ctx, ns, r))
			recs = append(recs, r)
		}

		// Start inclusive, End exclusive.
		got, err := store.Scan(ctx, ns, signingkeys.Range{Start: recs[1].CreatedAt, End: recs[3].CreatedAt}, strong())
		require.NoError(t, err)
		assert.Equal(t, []string{recs[1].KeyID, recs[2].KeyID}, kids(got))

		got, err = store.Scan(ctx, ns, signingkeys.Range{Start: recs[1].CreatedAt}, signingkeys.ScanOptions{Reverse: true, Limit: 1, Consistency: signingkeys.Strong})
		require.NoError(t, err)
		assert.Equal(t, []string{recs[3].KeyID}, kids(got))

		got, err = store.Scan(ctx, ns, signingkeys.Range{End: recs[2].CreatedAt}, signingkeys.ScanOptions{Limit: 10, Consistency: signingkeys.Strong})
		require.NoError(t, err)
		assert.Equal(t, []string{recs[0].KeyID, recs[1].KeyID}, kids(got))
	})

	t.Run("Success - Scan of an empty namespace", func(t *testing.T) {
		got, err := newStore(t).Scan(context.Background(), NewNamespace(t), signingkeys.Range{}, strong())
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Success - Records round trip through the store", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		ns := NewNamespace(t)
		r := NewRecord(t, base)
		require.NoError(t, store.Create(ctx, ns, r))

		got, err := store.Scan(ctx, ns, signingkeys.Range{}, strong())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, r.KeyID, got[0].KeyID)
		assert.Equal(t, r.Algorithm, got[0].Algorithm)
		assert.Equal(t, r.KeyID, got[0].PrivateKey.KeyID())
		assert.Equal(t, r.Stamp(), got[0].Stamp())
	})

	t.Run("Failure - Create at an existing stamp collides and keeps the original", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		ns := NewNamespace(t)
		first := NewRecord(t, base)
		second := NewRecord(t, base)
		require.NoError(t, store.Create(ctx, ns, first))

		err := store.Create(ctx, ns, second)
		assert.ErrorIs(t, err, signingkeys.ErrKeyCollision)

		got, err := store.Scan(ctx, ns, signingkeys.Range{}, strong())
		require.NoError(t, err)
		assert.Equal(t, []string{first.KeyID}, kids(got))
	})

	t.Run("Success - Concurrent creates at one stamp have a single winner", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		ns := NewNamespace(t)
		const racers = 8
		recs := make([]signingkeys.KeyRecord, racers)
		for i := range recs {
			recs[i] = NewRecord(t, base)
		}

		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := range recs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.Create(ctx, ns, recs[i])
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, signingkeys.ErrKeyCollision), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)

		got, err := store.Scan(ctx, ns, signingkeys.Range{}, strong())
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("Success - DeleteMany removes the named records and ignores missing ones", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		ns := NewNamespace(t)
		r1 := NewRecord(t, base)
		r2 := NewRecord(t, base.Add(time.Minute))
		r3 := NewRecord(t, base.Add(2*time.Minute))
		for _, r := range []signingkeys.KeyRecord{r1, r2, r3} {
			require.NoError(t, store.Create(ctx, ns, r))
		}

		err := store.DeleteMany(ctx, ns, []time.Time{r1.CreatedAt, r3.CreatedAt, base.Add(time.Hour)})
		require.NoError(t, err)

		got, err := store.Scan(ctx, ns, signingkeys.Range{}, strong())
		require.NoError(t, err)
		assert.Equal(t, []string{r2.KeyID}, kids(got))

		require.NoError(t, store.DeleteMany(ctx, ns, nil))
		require.NoError(t, store.DeleteMany(ctx, ns, []time.Time{r1.CreatedAt}))
	})

	t.Run("Success - Namespaces are isolated", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		nsA, nsB := NewNamespace(t), NewNamespace(t)
		r := NewRecord(t, base)
		require.NoError(t, store.Create(ctx, nsA, r))
		require.NoError(t, store.Create(ctx, nsB, NewRecord(t, base)), "same stamp in another namespace is not a collision")

		require.NoError(t, store.DeleteMany(ctx, nsB, []time.Time{base}))
		got, err := store.Scan(ctx, nsA, signingkeys.Range{}, strong())
		require.NoError(t, err)
		assert.Equal(t, []string{r.KeyID}, kids(got))
	})

	t.Run("Failure - Invalid namespace", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		_, err := store.Scan(ctx, "bad/ns", signingkeys.Range{}, strong())
		assert.ErrorIs(t, err, signingkeys.ErrInvalidNamespace)
		err = store.Create(ctx, "bad/ns", NewRecord(t, base))
		assert.ErrorIs(t, err, signingkeys.ErrInvalidNamespace)
	})

	t.Run("Failure - Create rejects a record without createdAt", func(t *testing.T) {
		rec := NewRecord(t, base)
		rec.CreatedAt = time.Time{}
		err := newStore(t).Create(context.Background(), NewNamespace(t), rec)
		assert.ErrorIs(t, err, signingkeys.ErrInvalidRecord)
	})
}
