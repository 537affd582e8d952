// Package issuer resolves, publishes, and prunes the signing keys of a token
// issuer, and signs tokens with them.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/rotation"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// Manager owns the key lifecycle of one namespace. It keeps no state between
// calls: every decision is made from a fresh store read, and the store's
// create-if-absent is the only arbiter between concurrent minters.
type Manager struct {
	store     signingkeys.Store
	ns        signingkeys.Namespace
	spec      keygen.AlgorithmSpec
	policy    rotation.Policy
	discovery signingkeys.Consistency
	now       func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy overrides the default 12h/24h rotation policy.
func WithPolicy(p rotation.Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithDiscoveryConsistency selects the read mode used for discovery scans.
// Strong is the default; Eventual trades a short publication delay for
// cheaper reads.
func WithDiscoveryConsistency(c signingkeys.Consistency) ManagerOption {
	return func(m *Manager) { m.discovery = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records lifecycle events in m.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager binds a store and namespace to an algorithm.
func NewManager(store signingkeys.Store, ns signingkeys.Namespace, spec keygen.AlgorithmSpec, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("key store is required")
	}
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: no algorithm spec", signingkeys.ErrKeyGeneration)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		store:     store,
		ns:        ns,
		spec:      spec,
		policy:    rotation.DefaultPolicy(),
		discovery: signingkeys.Strong,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rotation policy: %w", err)
	}
	m.logger = m.logger.With("component", "key_manager", "namespace", ns.String())
	return m, nil
}

// Namespace returns the namespace the manager is bound to.
func (m *Manager) Namespace() signingkeys.Namespace { return m.ns }

// Algorithm returns the algorithm new keys are minted with.
func (m *Manager) Algorithm() string { return m.spec.Algorithm().String() }

// CurrentSigningKey returns the newest fresh key, minting one when none
// exists. A create that collides with a concurrent minter is retried once;
// the retry adopts the competitor's key when it is visible, and otherwise
// mints at a stamp strictly after the collided one.
func (m *Manager) CurrentSigningKey(ctx context.Context) (signingkeys.KeyRecord, error) {
	defer m.metrics.observeResolution(m.ns.String(), time.Now())

	rec, collidedAt, err := m.resolve(ctx, time.Time{})
	if errors.Is(err, signingkeys.ErrKeyCollision) {
		m.logger.Warn("Concurrent mint collided, retrying", "stamp", signingkeys.Stamp(collidedAt))
		rec, collidedAt, err = m.resolve(ctx, collidedAt)
		if errors.Is(err, signingkeys.ErrKeyCollision) {
			m.logger.Error("Mint collided twice", "stamp", signingkeys.Stamp(collidedAt))
			return signingkeys.KeyRecord{}, fmt.Errorf("%w: key creation collided twice", signingkeys.ErrSigningUnavailable)
		}
	}
	if err != nil {
		m.logger.Error("Failed to resolve signing key", "err", err)
		return signingkeys.KeyRecord{}, fmt.Errorf("%w: %w", signingkeys.ErrSigningUnavailable, err)
	}
	return rec, nil
}

// resolve runs one scan-then-mint attempt. When a previous attempt collided
// at after, a new key is stamped strictly later. On collision the returned
// time is the stamp that was attempted.
func (m *Manager) resolve(ctx context.Context, after time.Time) (signingkeys.KeyRecord, time.Time, error) {
	now := signingkeys.StampTime(m.now())

	recs, err := m.store.Scan(ctx, m.ns, m.policy.FreshRange(now), signingkeys.ScanOptions{
		Reverse:     true,
		Limit:       1,
		Consistency: signingkeys.Strong,
	})
	if err != nil {
		return signingkeys.KeyRecord{}, time.Time{}, err
	}
	if current, ok := m.policy.SelectCurrent(now, recs); ok {
		return current, time.Time{}, nil
	}

	rec, err := keygen.Generate(m.spec)
	if err != nil {
		return signingkeys.KeyRecord{}, time.Time{}, err
	}
	rec.CreatedAt = now
	if !after.IsZero() && !now.After(after) {
		rec.CreatedAt = after.Add(time.Nanosecond)
	}

	if err := m.store.Create(ctx, m.ns, rec); err != nil {
		if errors.Is(err, signingkeys.ErrKeyCollision) {
			m.metrics.mintCollision(m.ns.String())
			return signingkeys.KeyRecord{}, rec.CreatedAt, err
		}
		return signingkeys.KeyRecord{}, time.Time{}, err
	}

	m.metrics.keyMinted(m.ns.String())
	m.logger.Info("Minted signing key", "kid", rec.KeyID, "alg", rec.Algorithm.String(), "stamp", rec.Stamp())
	return rec, time.Time{}, nil
}

// DiscoverableKeys returns the public projections of every key still inside
// the retention window, oldest first.
func (m *Manager) DiscoverableKeys(ctx context.Context) ([]jwk.Key, error) {
	now := m.now()
	recs, err := m.store.Scan(ctx, m.ns, m.policy.DiscoverableRange(now), signingkeys.ScanOptions{
		Consistency: m.discovery,
	})
	if err != nil {
		m.logger.Error("Failed to scan discoverable keys", "err", err)
		return nil, fmt.Errorf("failed to list discoverable keys: %w", err)
	}

	recs = m.policy.SelectDiscoverable(now, recs)
	keys := make([]jwk.Key, 0, len(recs))
	for _, rec := range recs {
		pub, err := rec.PublicProjection()
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

// JWKS returns the discovery document: a key set of DiscoverableKeys.
func (m *Manager) JWKS(ctx context.Context) (jwk.Set, error) {
	keys, err := m.DiscoverableKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", k.KeyID(), err)
		}
	}
	return set, nil
}

// PruneExpiredKeys deletes every key older than the retention window and
// reports how many were removed. With nothing to prune it is a no-op.
func (m *Manager) PruneExpiredKeys(ctx context.Context) (int, error) {
	now := m.now()
	recs, err := m.store.Scan(ctx, m.ns, m.policy.PrunableRange(now), signingkeys.ScanOptions{
		Consistency: signingkeys.Strong,
	})
	if err != nil {
		m.logger.Error("Failed to scan prunable keys", "err", err)
		return 0, fmt.Errorf("failed to list prunable keys: %w", err)
	}

	recs = m.policy.SelectPrunable(now, recs)
	if len(recs) == 0 {
		m.logger.Info("Pruned expired keys", "dropped", 0)
		return 0, nil
	}

	stamps := make([]time.Time, len(recs))
	for i, rec := range recs {
		stamps[i] = rec.CreatedAt
	}
	if err := m.store.DeleteMany(ctx, m.ns, stamps); err != nil {
		m.logger.Error("Failed to delete expired keys", "count", len(stamps), "err", err)
		return 0, fmt.Errorf("failed to delete expired keys: %w", err)
	}

	m.metrics.keysPruned(m.ns.String(), len(stamps))
	m.logger.Info("Pruned expired keys", "dropped", len(stamps))
	return len(stamps), nil
}
