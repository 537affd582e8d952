// Package vault provides a key store implementation on a HashiCorp Vault KV v2
// mount. Each record is a secret at {mount}/data/{path}/{namespace}/{stamp}.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// Store is a concrete implementation of signingkeys.Store backed by Vault.
// Vault reads are served by the active node, so Eventual scans take the same
// path as Strong ones.
type Store struct {
	client    *api.Client
	mountPath string
	dataPath  string
	logger    *slog.Logger
}

// NewVaultStore creates a store writing under mountPath/dataPath.
func NewVaultStore(client *api.Client, mountPath, dataPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		logger:    logger.With("component", "vault_store", "mount", mountPath),
	}
}

func (s *Store) join(kind string, parts ...string) string {
	elems := []string{s.mountPath, kind}
	if s.dataPath != "" {
		elems = append(elems, s.dataPath)
	}
	return strings.Join(append(elems, parts...), "/")
}

// Scan lists the namespace's stamps from metadata, then reads each record.
func (s *Store) Scan(ctx context.Context, ns signingkeys.Namespace, r signingkeys.Range, opts signingkeys.ScanOptions) ([]signingkeys.KeyRecord, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	listPath := s.join("metadata", ns.String())
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		s.logger.Warn("Failed to list keys", "path", listPath, "err", err)
		return nil, signingkeys.Unavailable("vault list", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	listed, _ := secret.Data["keys"].([]interface{})

	stamps := make([]string, 0, len(listed))
	for _, k := range listed {
		stamp, ok := k.(string)
		if !ok {
			continue
		}
		createdAt, err := signingkeys.ParseStamp(stamp)
		if err != nil {
			s.logger.Warn("Ignoring foreign entry", "path", listPath, "entry", stamp)
			continue
		}
		if r.Contains(createdAt) {
			stamps = append(stamps, stamp)
		}
	}
	sort.Strings(stamps)
	if opts.Reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	}

	var out []signingkeys.KeyRecord
	for _, stamp := range stamps {
		rec, found, err := s.read(ctx, ns, stamp)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	s.logger.Debug("Scanned keys", "namespace", ns, "count", len(out))
	return out, nil
}

func (s *Store) read(ctx context.Context, ns signingkeys.Namespace, stamp string) (signingkeys.KeyRecord, bool, error) {
	path := s.join("data", ns.String(), stamp)
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.logger.Error("Failed to read key", "path", path, "err", err)
		return signingkeys.KeyRecord{}, false, signingkeys.Unavailable("vault read", err)
	}
	if secret == nil || secret.Data == nil {
		return signingkeys.KeyRecord{}, false, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted version: metadata remains but data is nil.
		return signingkeys.KeyRecord{}, false, nil
	}
	content, ok := data["record"].(string)
	if !ok {
		return signingkeys.KeyRecord{}, false, fmt.Errorf("%w: %s: record field missing", signingkeys.ErrInvalidRecord, path)
	}
	rec, err := signingkeys.DecodeRecord([]byte(content))
	if err != nil {
		s.logger.Error("Failed to decode key", "path", path, "err", err)
		return signingkeys.KeyRecord{}, false, err
	}
	return rec, true, nil
}

// Create writes the secret with cas=0, which Vault only accepts when the
// secret does not exist yet.
func (s *Store) Create(ctx context.Context, ns signingkeys.Namespace, rec signingkeys.KeyRecord) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	content, err := signingkeys.EncodeRecord(rec)
	if err != nil {
		return err
	}

	path := s.join("data", ns.String(), rec.Stamp())
	body := map[string]interface{}{
		"options": map[string]interface{}{"cas": 0},
		"data":    map[string]interface{}{"record": string(content)},
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, path, body); err != nil {
		if isCASFailure(err) {
			return fmt.Errorf("%w: %s", signingkeys.ErrKeyCollision, path)
		}
		s.logger.Error("Failed to write key", "path", path, "err", err)
		return signingkeys.Unavailable("vault write", err)
	}
	s.logger.Debug("Created key", "path", path, "kid", rec.KeyID)
	return nil
}

// DeleteMany removes every version and the metadata of each secret. Vault has
// no multi-key transaction: a failure part-way leaves earlier deletes applied,
// and the next prune picks up the rest.
func (s *Store) DeleteMany(ctx context.Context, ns signingkeys.Namespace, createdAt []time.Time) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	for _, t := range createdAt {
		path := s.join("metadata", ns.String(), signingkeys.Stamp(t))
		if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
			s.logger.Error("Failed to delete key", "path", path, "err", err)
			return signingkeys.Unavailable("vault delete", err)
		}
	}
	return nil
}

func isCASFailure(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}
