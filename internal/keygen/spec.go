// Package keygen produces fresh asymmetric signing keys and derives their key IDs.
package keygen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"

	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// MinRSABits is the smallest RSA modulus accepted for signing keys.
const MinRSABits = 2048

// DefaultRSABits is used when configuration leaves the size unset.
const DefaultRSABits = 2048

// AlgorithmSpec describes one algorithm family. Each variant owns its key
// generation and its key-ID derivation rule.
type AlgorithmSpec interface {
	// Algorithm is the JWS algorithm the generated key signs with.
	Algorithm() jwa.SignatureAlgorithm
	// Validate rejects parameters the primitive cannot honour.
	Validate() error

	generate() (crypto.Signer, error)
	keyIDBytes(pub crypto.PublicKey) ([]byte, error)
}

// RSASpec generates RSA keys (RS256/384/512, PS256/384/512). The key ID is
// taken from the modulus.
type RSASpec struct {
	Alg  jwa.SignatureAlgorithm
	Bits int
}

func (s RSASpec) Algorithm() jwa.SignatureAlgorithm { return s.Alg }

func (s RSASpec) Validate() error {
	switch s.Alg {
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
	default:
		return fmt.Errorf("%w: %s is not an RSA signature algorithm", signingkeys.ErrKeyGeneration, s.Alg)
	}
	if s.Bits < MinRSABits {
		return fmt.Errorf("%w: RSA key size %d is below %d bits", signingkeys.ErrKeyGeneration, s.Bits, MinRSABits)
	}
	return nil
}

func (s RSASpec) generate() (crypto.Signer, error) {
	return rsa.GenerateKey(rand.Reader, s.Bits)
}

func (s RSASpec) keyIDBytes(pub crypto.PublicKey) ([]byte, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected *rsa.PublicKey, got %T", pub)
	}
	return rsaPub.N.Bytes(), nil
}

// ECSpec generates NIST curve keys. The curve follows from the algorithm
// (ES256 → P-256, ES384 → P-384, ES512 → P-521); the key ID is taken from the
// X coordinate.
type ECSpec struct {
	Alg jwa.SignatureAlgorithm
}

func (s ECSpec) Algorithm() jwa.SignatureAlgorithm { return s.Alg }

func (s ECSpec) Validate() error {
	_, err := s.curve()
	return err
}

func (s ECSpec) curve() (elliptic.Curve, error) {
	switch s.Alg {
	case jwa.ES256:
		return elliptic.P256(), nil
	case jwa.ES384:
		return elliptic.P384(), nil
	case jwa.ES512:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: %s is not an ECDSA signature algorithm", signingkeys.ErrKeyGeneration, s.Alg)
	}
}

func (s ECSpec) generate() (crypto.Signer, error) {
	curve, err := s.curve()
	if err != nil {
		return nil, err
	}
	return ecdsa.GenerateKey(curve, rand.Reader)
}

func (s ECSpec) keyIDBytes(pub crypto.PublicKey) ([]byte, error) {
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected *ecdsa.PublicKey, got %T", pub)
	}
	// Fixed-width coordinate, matching the JWK "x" member.
	size := (ecPub.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	ecPub.X.FillBytes(x)
	return x, nil
}

// OKPSpec generates Ed25519 keys (EdDSA). The key ID is taken from the public
// key bytes, which are the JWK "x" member.
type OKPSpec struct{}

func (OKPSpec) Algorithm() jwa.SignatureAlgorithm { return jwa.EdDSA }

func (OKPSpec) Validate() error { return nil }

func (OKPSpec) generate() (crypto.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

func (OKPSpec) keyIDBytes(pub crypto.PublicKey) ([]byte, error) {
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected ed25519.PublicKey, got %T", pub)
	}
	return []byte(edPub), nil
}

// ParseSpec builds an AlgorithmSpec from configuration values. rsaBits is only
// consulted for RSA algorithms; zero selects DefaultRSABits.
func ParseSpec(alg string, rsaBits int) (AlgorithmSpec, error) {
	var sa jwa.SignatureAlgorithm
	if err := sa.Accept(alg); err != nil {
		return nil, fmt.Errorf("%w: %v", signingkeys.ErrKeyGeneration, err)
	}

	var spec AlgorithmSpec
	switch sa {
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		if rsaBits == 0 {
			rsaBits = DefaultRSABits
		}
		spec = RSASpec{Alg: sa, Bits: rsaBits}
	case jwa.ES256, jwa.ES384, jwa.ES512:
		spec = ECSpec{Alg: sa}
	case jwa.EdDSA:
		spec = OKPSpec{}
	default:
		return nil, fmt.Errorf("%w: unsupported signing algorithm %s", signingkeys.ErrKeyGeneration, sa)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
