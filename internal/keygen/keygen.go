package keygen

import (
	"crypto"
	"encoding/hex"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// KeyIDBytes is how many leading bytes of the public material form the key ID.
const KeyIDBytes = 8

// Generate creates a new key pair for spec. The returned record has no
// CreatedAt; the caller assigns it when committing the record to a store.
func Generate(spec AlgorithmSpec) (signingkeys.KeyRecord, error) {
	if spec == nil {
		return signingkeys.KeyRecord{}, fmt.Errorf("%w: no algorithm spec", signingkeys.ErrKeyGeneration)
	}
	if err := spec.Validate(); err != nil {
		return signingkeys.KeyRecord{}, err
	}

	signer, err := spec.generate()
	if err != nil {
		return signingkeys.KeyRecord{}, fmt.Errorf("%w: %s: %v", signingkeys.ErrKeyGeneration, spec.Algorithm(), err)
	}

	kid, err := deriveKeyID(spec, signer.Public())
	if err != nil {
		return signingkeys.KeyRecord{}, err
	}

	priv, err := jwk.FromRaw(signer)
	if err != nil {
		return signingkeys.KeyRecord{}, fmt.Errorf("%w: failed to export private jwk: %v", signingkeys.ErrKeyGeneration, err)
	}
	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		return signingkeys.KeyRecord{}, fmt.Errorf("%w: failed to export public jwk: %v", signingkeys.ErrKeyGeneration, err)
	}
	for _, key := range []jwk.Key{priv, pub} {
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return signingkeys.KeyRecord{}, fmt.Errorf("%w: %v", signingkeys.ErrKeyGeneration, err)
		}
		if err := key.Set(jwk.AlgorithmKey, spec.Algorithm()); err != nil {
			return signingkeys.KeyRecord{}, fmt.Errorf("%w: %v", signingkeys.ErrKeyGeneration, err)
		}
	}

	return signingkeys.KeyRecord{
		KeyID:      kid,
		Algorithm:  spec.Algorithm(),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// KeyIDOf recomputes the key ID of a public (or private) JWK. Two independently
// serialized views of the same key always agree on the result.
func KeyIDOf(spec AlgorithmSpec, key jwk.Key) (string, error) {
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return "", fmt.Errorf("failed to extract raw key: %w", err)
	}
	if s, ok := raw.(crypto.Signer); ok {
		raw = s.Public()
	}
	return deriveKeyID(spec, raw)
}

func deriveKeyID(spec AlgorithmSpec, pub crypto.PublicKey) (string, error) {
	b, err := spec.keyIDBytes(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", signingkeys.ErrKeyGeneration, err)
	}
	if len(b) > KeyIDBytes {
		b = b[:KeyIDBytes]
	}
	return hex.EncodeToString(b), nil
}
