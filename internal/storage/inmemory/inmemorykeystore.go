// Package inmemory provides a thread-safe in-memory key store.
package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

type entry struct {
	data      []byte
	writtenAt time.Time
}

// Store is a concrete, thread-safe in-memory implementation of signingkeys.Store.
// Records are held in their encoded form so every read goes through the codec,
// exactly as with a durable backend.
type Store struct {
	sync.RWMutex
	namespaces map[signingkeys.Namespace]map[string]entry

	replicaLag time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithReplicaLag hides records written less than lag ago from Eventual scans,
// imitating a read replica that trails the primary.
func WithReplicaLag(lag time.Duration) Option {
	return func(s *Store) { s.replicaLag = lag }
}

// WithClock replaces time.Now for replica-lag bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new in-memory key store.
func New(opts ...Option) *Store {
	s := &Store{
		namespaces: make(map[signingkeys.Namespace]map[string]entry),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "inmemory_store")
	return s
}

// Scan returns the namespace's records inside r.
func (s *Store) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, signingkeys.Unavailable("scan", err)
	}

	s.RLock()
	visibleBefore := time.Time{}
	if opts.Consistency == signingkeys.Eventual && s.replicaLag > 0 {
		visibleBefore = s.now().Add(-s.replicaLag)
	}
	stamps := make([]string, 0, len(s.namespaces[ns]))
	data := make(map[string][]byte, len(s.namespaces[ns]))
	for stamp, e := range s.namespaces[ns] {
		if !visibleBefore.IsZero() && e.writtenAt.After(visibleBefore) {
			continue
		}
		stamps = append(stamps, stamp)
		data[stamp] = e.data
	}
	s.RUnlock()

	sort.Strings(stamps)
	if opts.Reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	}

	var out []signingkeys.KeyRecord
	for _, stamp := range stamps {
		createdAt, err := signingkeys.ParseStamp(stamp)
		if err != nil {
			return nil, err
		}
		if !r.Contains(createdAt) {
			continue
		}
		rec, err := signingkeys.DecodeRecord(data[stamp])
		if err != nil {
			s.logger.Error("Failed to decode stored record", "namespace", ns, "stamp", stamp, "err", err)
			return nil, err
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	s.logger.Debug("Scanned records", "namespace", ns, "count", len(out), "consistency", opts.Consistency)
	return out, nil
}

// Create stores rec unless a record already exists at its stamp.
func (s *Store) Create(ctx context.Context, ns signingkeys.Namespace, rec signingkeys.KeyRecord) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	data, err := signingkeys.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return signingkeys.Unavailable("create", err)
	}

	stamp := rec.Stamp()
	s.Lock()
	defer s.Unlock()
	records, ok := s.namespaces[ns]
	if !ok {
		records = make(map[string]entry)
		s.namespaces[ns] = records
	}
	if _, exists := records[stamp]; exists {
		return fmt.Errorf("%w: %s/%s", signingkeys.ErrKeyCollision, ns, stamp)
	}
	records[stamp] = entry{data: data, writtenAt: s.now()}
	s.logger.Debug("Created record", "namespace", ns, "stamp", stamp, "kid", rec.KeyID)
	return nil
}

// DeleteMany removes the records at the given creation times under one lock.
func (s *Store) DeleteMany(ctx context.Context, ns signingkeys.Namespace, createdAt []time.Time) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return signingkeys.Unavailable("delete", err)
	}

	s.Lock()
	defer s.Unlock()
	records := s.namespaces[ns]
	for _, t := range createdAt {
		delete(records, signingkeys.Stamp(t))
	}
	s.logger.Debug("Deleted records", "namespace", ns, "count", len(createdAt))
	return nil
}
