// Package signingkeys contains the public domain models, interfaces, and
// errors for the signing-key service. It defines the public contract shared by
// the key manager and every storage backend.
package signingkeys

import (
	"context"
	"time"
)

// Consistency selects how fresh a scan must be. Backends with read replicas
// serve Eventual scans from a replica that may lag recent writes.
type Consistency int

const (
	// Strong reads observe every write acknowledged before the scan started.
	Strong Consistency = iota
	// Eventual reads may miss recent writes in exchange for cheaper reads.
	Eventual
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case Eventual:
		return "eventual"
	default:
		return "unknown"
	}
}

// ParseConsistency converts a configuration value into a Consistency.
func ParseConsistency(s string) (Consistency, error) {
	switch s {
	case "", "strong":
		return Strong, nil
	case "eventual":
		return Eventual, nil
	default:
		return Strong, &ConfigError{Field: "consistency", Value: s}
	}
}

// Range bounds a scan by creation time. Start is inclusive, End is exclusive,
// and a zero value leaves that side open.
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// ScanOptions shapes the result of a Scan.
type ScanOptions struct {
	// Reverse returns records newest first.
	Reverse bool
	// Limit caps the number of records returned. Zero means unbounded.
	Limit int
	// Consistency is required on every scan so the read mode is visible at the call site.
	Consistency Consistency
}

// Store defines the public interface for signing-key persistence.
// Any component that can hold key records (in-memory, Firestore, Postgres,
// Redis, Vault) must implement this interface. Records are keyed by their
// creation stamp within a namespace and are never updated in place.
type Store interface {
	// Scan returns the namespace's records whose CreatedAt falls inside r,
	// ordered by CreatedAt.
	Scan(ctx context.Context, ns Namespace, r Range, opts ScanOptions) ([]KeyRecord, error)

	// Create persists rec under Stamp(rec.CreatedAt). It must return an error
	// wrapping ErrKeyCollision, and leave the existing record untouched, when
	// a record with the same stamp already exists.
	Create(ctx context.Context, ns Namespace, rec KeyRecord) error

	// DeleteMany removes the records with the given creation times. Missing
	// records are ignored. Callers re-scan rather than assume completion.
	DeleteMany(ctx context.Context, ns Namespace, createdAt []time.Time) error
}
