// Package redis provides a key store implementation on Redis.
//
// Per namespace there are two keys: a sorted set "<prefix>{<ns>}:index" whose
// members are stamps (all scored 0, so ZRANGE BYLEX orders them) and a hash
// "<prefix>{<ns>}:records" mapping each stamp to its encoded record. The
// namespace is the hash tag, so both keys share a Redis Cluster slot.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "oidc-keys:"

// createScript claims the stamp in the hash and indexes it, or reports 0 if
// the stamp was already taken.
var createScript = rdb.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[1], 0, ARGV[1])
return 1
`)

// Store is a concrete implementation of signingkeys.Store backed by Redis.
type Store struct {
	client  *rdb.Client
	replica *rdb.Client
	prefix  string
	logger  *slog.Logger
}

// NewRedisStore creates a store. replica may be nil; when set it serves
// Eventual scans.
func NewRedisStore(client, replica *rdb.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client:  client,
		replica: replica,
		prefix:  prefix,
		logger:  logger.With("component", "redis_store"),
	}
}

func (s *Store) indexKey(ns signingkeys.Namespace) string {
	return fmt.Sprintf("%s{%s}:index", s.prefix, ns)
}

func (s *Store) recordsKey(ns signingkeys.Namespace) string {
	return fmt.Sprintf("%s{%s}:records", s.prefix, ns)
}

func (s *Store) reader(c signingkeys.Consistency) *rdb.Client {
	if c == signingkeys.Eventual && s.replica != nil {
		return s.replica
	}
	return s.client
}

// Scan reads the index by lexicographic range, then fetches the records.
func (s *Store) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	start, stop := "-", "+"
	if !r.Start.IsZero() {
		start = "[" + signingkeys.Stamp(r.Start)
	}
	if !r.End.IsZero() {
		stop = "(" + signingkeys.Stamp(r.End)
	}

	client := s.reader(opts.Consistency)
	stamps, err := client.ZRangeArgs(ctx, rdb.ZRangeArgs{
		Key:   s.indexKey(ns),
		Start: start,
		Stop:  stop,
		ByLex: true,
		Rev:   opts.Reverse,
		Count: int64(opts.Limit),
	}).Result()
	if err != nil {
		s.logger.Warn("Failed to scan index", "namespace", ns, "err", err)
		return nil, signingkeys.Unavailable("redis scan", err)
	}
	if len(stamps) == 0 {
		return nil, nil
	}

	values, err := client.HMGet(ctx, s.recordsKey(ns), stamps...).Result()
	if err != nil {
		s.logger.Warn("Failed to fetch records", "namespace", ns, "err", err)
		return nil, signingkeys.Unavailable("redis scan", err)
	}

	out := make([]signingkeys.KeyRecord, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// Deleted between the two reads.
			s.logger.Debug("Indexed record vanished", "namespace", ns, "stamp", stamps[i])
			continue
		}
		rec, err := signingkeys.DecodeRecord([]byte(data))
		if err != nil {
			s.logger.Error("Failed to decode record", "namespace", ns, "stamp", stamps[i], "err", err)
			return nil, err
		}
		out = append(out, rec)
	}
	s.logger.Debug("Scanned records", "namespace", ns, "count", len(out), "consistency", opts.Consistency)
	return out, nil
}

// Create runs the create-if-absent script.
func (s *Store) Create(ctx context.Context, ns signingkeys.Namespace, rec signingkeys.KeyRecord) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	data, err := signingkeys.EncodeRecord(rec)
	if err != nil {
		return err
	}

	stamp := rec.Stamp()
	created, err := createScript.Run(ctx, s.client, []string{s.indexKey(ns), s.recordsKey(ns)}, stamp, string(data)).Int()
	if err != nil {
		s.logger.Error("Failed to create record", "namespace", ns, "stamp", stamp, "err", err)
		return signingkeys.Unavailable("redis create", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s/%s", signingkeys.ErrKeyCollision, ns, stamp)
	}
	s.logger.Debug("Created record", "namespace", ns, "stamp", stamp, "kid", rec.KeyID)
	return nil
}

// DeleteMany removes index members and records in one MULTI/EXEC.
func (s *Store) DeleteMany(ctx context.Context, ns signingkeys.Namespace, createdAt []time.Time) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if len(createdAt) == 0 {
		return nil
	}
	members := make([]any, len(createdAt))
	fields := make([]string, len(createdAt))
	for i, t := range createdAt {
		fields[i] = signingkeys.Stamp(t)
		members[i] = fields[i]
	}

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.indexKey(ns), members...)
	pipe.HDel(ctx, s.recordsKey(ns), fields...)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to delete records", "namespace", ns, "count", len(fields), "err", err)
		return signingkeys.Unavailable("redis delete", err)
	}
	return nil
}
