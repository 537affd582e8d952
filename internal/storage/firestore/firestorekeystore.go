// Package firestore provides a key store implementation using Google Cloud Firestore.
//
// Layout: {collection}/{namespace}/keys/{stamp}. The stamp doubles as the
// document ID so Doc.Create gives create-if-absent for free.
package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

const (
	keysSubcollection = "keys"
	// maxTransactionWrites is Firestore's per-transaction write limit.
	maxTransactionWrites = 500
)

// keyDocument is the structure stored in a Firestore document. Firestore
// timestamps only hold microseconds, so the ordering field is the raw
// nanosecond stamp and createdAt is informational.
type keyDocument struct {
	KeyID      string    `firestore:"kid"`
	Algorithm  string    `firestore:"alg"`
	PublicJWK  string    `firestore:"publicJwk"`
	PrivateJWK string    `firestore:"privateJwk"`
	Stamp      int64     `firestore:"stamp"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// Store is a concrete implementation of signingkeys.Store using Firestore.
type Store struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	logger     *slog.Logger
}

// NewFirestoreStore creates a new Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, collectionName string, logger *slog.Logger) *Store {
	return &Store{
		client:     client,
		collection: client.Collection(collectionName),
		logger:     logger.With("component", "firestore_store", "collection", collectionName),
	}
}

func (s *Store) keys(ns signingkeys.Namespace) *firestore.CollectionRef {
	return s.collection.Doc(ns.String()).Collection(keysSubcollection)
}

// Scan runs an ordered range query on the stamp field. Firestore reads are
// strongly consistent, so Eventual scans take the same path.
func (s *Store) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	q := s.keys(ns).Query
	if !r.Start.IsZero() {
		q = q.Where("stamp", ">=", r.Start.UnixNano())
	}
	if !r.End.IsZero() {
		q = q.Where("stamp", "<", r.End.UnixNano())
	}
	dir := firestore.Asc
	if opts.Reverse {
		dir = firestore.Desc
	}
	q = q.OrderBy("stamp", dir)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	s.logger.Debug("Scanning keys", "namespace", ns, "reverse", opts.Reverse, "limit", opts.Limit)
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		s.logger.Warn("Failed to scan keys", "namespace", ns, "err", err)
		return nil, signingkeys.Unavailable("firestore scan", err)
	}

	out := make([]signingkeys.KeyRecord, 0, len(docs))
	for _, doc := range docs {
		var kd keyDocument
		if err := doc.DataTo(&kd); err != nil {
			s.logger.Error("Failed to parse key document", "namespace", ns, "id", doc.Ref.ID, "err", err)
			return nil, fmt.Errorf("%w: document %s: %v", signingkeys.ErrInvalidRecord, doc.Ref.ID, err)
		}
		rec, err := signingkeys.DecodeParts(kd.KeyID, kd.Algorithm, []byte(kd.PublicJWK), []byte(kd.PrivateJWK), time.Unix(0, kd.Stamp))
		if err != nil {
			s.logger.Error("Failed to decode key document", "namespace", ns, "id", doc.Ref.ID, "err", err)
			return nil, err
		}
		out = append(out, rec)
	}
	s.logger.Debug("Successfully scanned keys", "namespace", ns, "count", len(out))
	return out, nil
}

// Create writes the record with Doc.Create, which fails with AlreadyExists
// when the stamp is taken.
func (s *Store) Create(ctx context.Context, ns signingkeys.Namespace, rec signingkeys.KeyRecord) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	kd, err := toDocument(rec)
	if err != nil {
		return err
	}

	stamp := rec.Stamp()
	s.logger.Debug("Creating key", "namespace", ns, "stamp", stamp, "kid", rec.KeyID)
	_, err = s.keys(ns).Doc(stamp).Create(ctx, kd)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			s.logger.Debug("Key stamp already taken", "namespace", ns, "stamp", stamp)
			return fmt.Errorf("%w: %s/%s", signingkeys.ErrKeyCollision, ns, stamp)
		}
		s.logger.Error("Failed to create key", "namespace", ns, "stamp", stamp, "err", err)
		return signingkeys.Unavailable("firestore create", err)
	}
	s.logger.Debug("Successfully created key", "namespace", ns, "stamp", stamp)
	return nil
}

// DeleteMany deletes the documents in transactions of at most 500 writes.
// Each chunk is atomic; a failure part-way leaves earlier chunks deleted.
func (s *Store) DeleteMany(ctx context.Context, ns signingkeys.Namespace, createdAt []time.Time) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	for start := 0; start < len(createdAt); start += maxTransactionWrites {
		end := min(start+maxTransactionWrites, len(createdAt))
		chunk := createdAt[start:end]
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, t := range chunk {
				if err := tx.Delete(s.keys(ns).Doc(signingkeys.Stamp(t))); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to delete keys", "namespace", ns, "count", len(chunk), "err", err)
			return signingkeys.Unavailable("firestore delete", err)
		}
	}
	s.logger.Debug("Successfully deleted keys", "namespace", ns, "count", len(createdAt))
	return nil
}

func toDocument(rec signingkeys.KeyRecord) (keyDocument, error) {
	if err := rec.Validate(); err != nil {
		return keyDocument{}, err
	}
	pub, priv, err := signingkeys.EncodeJWKs(rec)
	if err != nil {
		return keyDocument{}, err
	}
	return keyDocument{
		KeyID:      rec.KeyID,
		Algorithm:  rec.Algorithm.String(),
		PublicJWK:  string(pub),
		PrivateJWK: string(priv),
		Stamp:      rec.CreatedAt.UnixNano(),
		CreatedAt:  rec.CreatedAt.UTC(),
	}, nil
}
