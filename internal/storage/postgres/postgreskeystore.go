// Package postgres provides a key store implementation on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// Schema creates the key table. The primary key on (namespace, stamp) is what
// makes Create a create-if-absent.
const Schema = `
CREATE TABLE IF NOT EXISTS signing_keys (
    namespace   TEXT        NOT NULL,
    stamp       BIGINT      NOT NULL,
    kid         TEXT        NOT NULL,
    alg         TEXT        NOT NULL,
    public_jwk  TEXT        NOT NULL,
    private_jwk TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (namespace, stamp)
)`

// Store is a concrete implementation of signingkeys.Store backed by Postgres.
// Eventual scans are routed to the replica pool when one is configured.
type Store struct {
	primary *pgxpool.Pool
	replica *pgxpool.Pool
	logger  *slog.Logger
}

// NewPostgresStore creates a store on primary. replica may be nil.
func NewPostgresStore(primary, replica *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		primary: primary,
		replica: replica,
		logger:  logger.With("component", "postgres_store"),
	}
}

// EnsureSchema creates the key table on the primary if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.primary.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create signing_keys table: %w", err)
	}
	return nil
}

func (s *Store) reader(c signingkeys.Consistency) *pgxpool.Pool {
	if c == signingkeys.Eventual && s.replica != nil {
		return s.replica
	}
	return s.primary
}

// Scan selects the namespace's rows in stamp order.
func (s *Store) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	var q strings.Builder
	q.WriteString(`SELECT kid, alg, public_jwk, private_jwk, stamp FROM signing_keys WHERE namespace = $1`)
	args := []any{ns.String()}
	if !r.Start.IsZero() {
		args = append(args, r.Start.UnixNano())
		fmt.Fprintf(&q, ` AND stamp >= $%d`, len(args))
	}
	if !r.End.IsZero() {
		args = append(args, r.End.UnixNano())
		fmt.Fprintf(&q, ` AND stamp < $%d`, len(args))
	}
	if opts.Reverse {
		q.WriteString(` ORDER BY stamp DESC`)
	} else {
		q.WriteString(` ORDER BY stamp ASC`)
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&q, ` LIMIT $%d`, len(args))
	}

	s.logger.Debug("Scanning keys", "namespace", ns, "consistency", opts.Consistency)
	rows, err := s.reader(opts.Consistency).Query(ctx, q.String(), args...)
	if err != nil {
		s.logger.Warn("Failed to scan keys", "namespace", ns, "err", err)
		return nil, signingkeys.Unavailable("postgres scan", err)
	}
	defer rows.Close()

	var out []signingkeys.KeyRecord
	for rows.Next() {
		var kid, alg, pub, priv string
		var stamp int64
		if err := rows.Scan(&kid, &alg, &pub, &priv, &stamp); err != nil {
			return nil, signingkeys.Unavailable("postgres scan", err)
		}
		rec, err := signingkeys.DecodeParts(kid, alg, []byte(pub), []byte(priv), time.Unix(0, stamp))
		if err != nil {
			s.logger.Error("Failed to decode key row", "namespace", ns, "stamp", stamp, "err", err)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, signingkeys.Unavailable("postgres scan", err)
	}
	return out, nil
}

// Create inserts the row with ON CONFLICT DO NOTHING. Zero affected rows
// means the stamp was already taken.
func (s *Store) Create(ctx context.Context, ns signingkeys.Namespace, rec signingkeys.KeyRecord) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	pub, priv, err := signingkeys.EncodeJWKs(rec)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO signing_keys (namespace, stamp, kid, alg, public_jwk, private_jwk, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (namespace, stamp) DO NOTHING`
	tag, err := s.primary.Exec(ctx, q, ns.String(), rec.CreatedAt.UnixNano(), rec.KeyID, rec.Algorithm.String(), string(pub), string(priv), rec.CreatedAt.UTC())
	if err != nil {
		s.logger.Error("Failed to insert key", "namespace", ns, "kid", rec.KeyID, "err", err)
		return signingkeys.Unavailable("postgres create", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", signingkeys.ErrKeyCollision, ns, rec.Stamp())
	}
	s.logger.Debug("Inserted key", "namespace", ns, "kid", rec.KeyID, "stamp", rec.Stamp())
	return nil
}

// DeleteMany removes the rows in a single statement.
func (s *Store) DeleteMany(ctx context.Context, ns signingkeys.Namespace, createdAt []time.Time) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if len(createdAt) == 0 {
		return nil
	}
	stamps := make([]int64, len(createdAt))
	for i, t := range createdAt {
		stamps[i] = t.UnixNano()
	}

	err := pgx.BeginFunc(ctx, s.primary, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM signing_keys WHERE namespace = $1 AND stamp = ANY($2)`, ns.String(), stamps)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to delete keys", "namespace", ns, "count", len(stamps), "err", err)
		return signingkeys.Unavailable("postgres delete", err)
	}
	return nil
}
