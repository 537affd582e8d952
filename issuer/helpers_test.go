package issuer_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

const testNamespace = signingkeys.Namespace("tenant-a")

// newTestLogger creates a discard logger for tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestManager builds an ES256 manager with the default 12h/24h policy.
func newTestManager(t *testing.T, store signingkeys.Store, clock *fakeClock, opts ...issuer.ManagerOption) *issuer.Manager {
	t.Helper()
	opts = append([]issuer.ManagerOption{
		issuer.WithClock(clock.Now),
		issuer.WithLogger(newTestLogger()),
	}, opts...)
	m, err := issuer.NewManager(store, testNamespace, keygen.ECSpec{Alg: jwa.ES256}, opts...)
	require.NoError(t, err)
	return m
}

// MockStore is a mock implementation of the signingkeys.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	args := m.Called(ctx, ns, r, opts)
	recs, _ := args.Get(0).([]signingkeys.KeyRecord)
	return recs, args.Error(1)
}

func (m *MockStore) Create(ctx context.Context, ns signingkeys.Namespace, rec signingkeys.KeyRecord) error {
	args := m.Called(ctx, ns, rec)
	return args.Error(0)
}

func (m *MockStore) DeleteMany(ctx context.Context, ns signingkeys.Namespace, createdAt []time.Time) error {
	args := m.Called(ctx, ns, createdAt)
	return args.Error(0)
}

// createdRecords returns the records passed to Create, in call order.
func (m *MockStore) createdRecords() []signingkeys.KeyRecord {
	var out []signingkeys.KeyRecord
	for _, call := range m.Calls {
		if call.Method == "Create" {
			out = append(out, call.Arguments.Get(2).(signingkeys.KeyRecord))
		}
	}
	return out
}

func kidsOf(t *testing.T, m *issuer.Manager) []string {
	t.Helper()
	keys, err := m.DiscoverableKeys(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.KeyID())
	}
	return out
}
