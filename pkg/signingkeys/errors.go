package signingkeys

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyGeneration is returned when the cryptographic primitive rejects an algorithm spec.
	ErrKeyGeneration = errors.New("key generation failed")
	// ErrStoreUnavailable wraps transport failures of a storage backend.
	ErrStoreUnavailable = errors.New("key store unavailable")
	// ErrKeyCollision is returned by Store.Create when a record already exists at the stamp.
	ErrKeyCollision = errors.New("key record already exists")
	// ErrSigningUnavailable is returned when no signing key could be resolved.
	ErrSigningUnavailable = errors.New("signing unavailable")
	// ErrInvalidNamespace is returned for namespaces that fail validation.
	ErrInvalidNamespace = errors.New("invalid namespace")
	// ErrInvalidRecord is returned when a stored record cannot be decoded or is inconsistent.
	ErrInvalidRecord = errors.New("invalid key record")
)

// ConfigError reports an unrecognised configuration value.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// Unavailable wraps a backend error as ErrStoreUnavailable, keeping the
// original message for logs.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
