package signingkeys

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// UseSignature is the JWK "use" value advertised for every discoverable key.
const UseSignature = "sig"

// stampWidth is the number of decimal digits in a rendered stamp. It covers
// every non-negative int64 so lexicographic order equals numeric order.
const stampWidth = 19

// Namespace scopes every store operation (for example, one issuer or tenant).
type Namespace string

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Validate checks that the namespace is safe to embed in backend keys and paths.
func (ns Namespace) Validate() error {
	if !namespacePattern.MatchString(string(ns)) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, string(ns))
	}
	return nil
}

func (ns Namespace) String() string { return string(ns) }

// KeyRecord is a durable, immutable key pair plus metadata, keyed by CreatedAt.
type KeyRecord struct {
	KeyID      string
	Algorithm  jwa.SignatureAlgorithm
	PublicKey  jwk.Key
	PrivateKey jwk.Key
	CreatedAt  time.Time
}

// Stamp returns the record's store key.
func (r KeyRecord) Stamp() string {
	return Stamp(r.CreatedAt)
}

// PublicProjection returns the public JWK as published in the discovery
// document: kid, alg and use=sig, with no private parameters.
func (r KeyRecord) PublicProjection() (jwk.Key, error) {
	if r.PublicKey == nil {
		return nil, fmt.Errorf("%w: %s has no public key", ErrInvalidRecord, r.KeyID)
	}
	pub, err := publicCopy(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key of %s: %v", ErrInvalidRecord, r.KeyID, err)
	}
	if err := pub.Set(jwk.KeyIDKey, r.KeyID); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.AlgorithmKey, r.Algorithm); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.KeyUsageKey, UseSignature); err != nil {
		return nil, err
	}
	return pub, nil
}

// Stamp renders t as a zero-padded Unix-nanosecond string. Backends use it as
// the record key so that lexicographic and chronological order agree.
func Stamp(t time.Time) string {
	return fmt.Sprintf("%0*d", stampWidth, t.UnixNano())
}

// ParseStamp is the inverse of Stamp.
func ParseStamp(s string) (time.Time, error) {
	if len(s) != stampWidth {
		return time.Time{}, fmt.Errorf("%w: malformed stamp %q", ErrInvalidRecord, s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed stamp %q: %v", ErrInvalidRecord, s, err)
	}
	return time.Unix(0, n).UTC(), nil
}

// StampTime truncates t to what a stamp can represent, in UTC.
func StampTime(t time.Time) time.Time {
	return time.Unix(0, t.UnixNano()).UTC()
}

// publicCopy returns an independent public-only copy of key. PublicKeyOf may
// hand back the same instance for keys that are already public, so the result
// is round-tripped through JSON before callers mutate it.
func publicCopy(key jwk.Key) (jwk.Key, error) {
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(pub)
	if err != nil {
		return nil, err
	}
	return jwk.ParseKey(buf)
}
