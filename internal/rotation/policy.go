// Package rotation decides which stored keys sign, which are published, and
// which are pruned. Every function is pure: the caller supplies "now" and the
// records read from the store.
package rotation

import (
	"fmt"
	"sort"
	"time"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

const (
	// DefaultFreshnessWindow is the age up to which a key keeps signing.
	DefaultFreshnessWindow = 12 * time.Hour
	// DefaultRetentionWindow is the age up to which a key stays published.
	DefaultRetentionWindow = 24 * time.Hour
)

// Policy holds the two rotation horizons.
type Policy struct {
	FreshnessWindow time.Duration
	RetentionWindow time.Duration
}

// DefaultPolicy returns the 12h/24h policy.
func DefaultPolicy() Policy {
	return Policy{
		FreshnessWindow: DefaultFreshnessWindow,
		RetentionWindow: DefaultRetentionWindow,
	}
}

// Validate requires 0 < freshness <= retention. A key that stops being
// published before it stops signing would produce unverifiable tokens.
func (p Policy) Validate() error {
	if p.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be positive, got %s", p.FreshnessWindow)
	}
	if p.RetentionWindow < p.FreshnessWindow {
		return fmt.Errorf("retention window %s is shorter than freshness window %s", p.RetentionWindow, p.FreshnessWindow)
	}
	return nil
}

func (p Policy) freshCutoff(now time.Time) time.Time {
	return now.Add(-p.FreshnessWindow)
}

func (p Policy) retentionCutoff(now time.Time) time.Time {
	return now.Add(-p.RetentionWindow)
}

// FreshRange is the scan range holding keys eligible to sign at now.
func (p Policy) FreshRange(now time.Time) signingkeys.Range {
	return signingkeys.Range{Start: p.freshCutoff(now)}
}

// DiscoverableRange is the scan range holding keys published at now.
func (p Policy) DiscoverableRange(now time.Time) signingkeys.Range {
	return signingkeys.Range{Start: p.retentionCutoff(now)}
}

// PrunableRange is the scan range holding keys past retention at now.
func (p Policy) PrunableRange(now time.Time) signingkeys.Range {
	return signingkeys.Range{End: p.retentionCutoff(now)}
}

// SelectCurrent returns the most recent record created at or after
// now - FreshnessWindow. The boolean is false when a new key must be minted.
func (p Policy) SelectCurrent(now time.Time, records []signingkeys.KeyRecord) (signingkeys.KeyRecord, bool) {
	r := p.FreshRange(now)
	var current signingkeys.KeyRecord
	found := false
	for _, rec := range records {
		if !r.Contains(rec.CreatedAt) {
			continue
		}
		if !found || rec.CreatedAt.After(current.CreatedAt) {
			current = rec
			found = true
		}
	}
	return current, found
}

// SelectDiscoverable returns the records created at or after
// now - RetentionWindow, oldest first.
func (p Policy) SelectDiscoverable(now time.Time, records []signingkeys.KeyRecord) []signingkeys.KeyRecord {
	return filterSorted(records, p.DiscoverableRange(now))
}

// SelectPrunable returns the records created before now - RetentionWindow,
// oldest first.
func (p Policy) SelectPrunable(now time.Time, records []signingkeys.KeyRecord) []signingkeys.KeyRecord {
	return filterSorted(records, p.PrunableRange(now))
}

func filterSorted(records []signingkeys.KeyRecord, r signingkeys.Range) []signingkeys.KeyRecord {
	out := make([]signingkeys.KeyRecord, 0, len(records))
	for _, rec := range records {
		if r.Contains(rec.CreatedAt) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
