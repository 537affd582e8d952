package signingkeys

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// storedRecord is the durable JSON form of a KeyRecord.
type storedRecord struct {
	KeyID      string          `json:"kid"`
	Algorithm  string          `json:"alg"`
	PublicJWK  json.RawMessage `json:"publicJwk"`
	PrivateJWK json.RawMessage `json:"privateJwk"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Validate checks the fields every backend relies on before a record is written.
func (r KeyRecord) Validate() error {
	switch {
	case r.KeyID == "":
		return fmt.Errorf("%w: missing kid", ErrInvalidRecord)
	case r.Algorithm == "":
		return fmt.Errorf("%w: %s: missing alg", ErrInvalidRecord, r.KeyID)
	case r.PublicKey == nil || r.PrivateKey == nil:
		return fmt.Errorf("%w: %s: missing key material", ErrInvalidRecord, r.KeyID)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("%w: %s: missing createdAt", ErrInvalidRecord, r.KeyID)
	case r.CreatedAt.UnixNano() < 0:
		return fmt.Errorf("%w: %s: createdAt before epoch", ErrInvalidRecord, r.KeyID)
	}
	return nil
}

// EncodeRecord serializes a record for storage.
func EncodeRecord(r KeyRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	pub, priv, err := EncodeJWKs(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedRecord{
		KeyID:      r.KeyID,
		Algorithm:  r.Algorithm.String(),
		PublicJWK:  pub,
		PrivateJWK: priv,
		CreatedAt:  StampTime(r.CreatedAt),
	})
}

// EncodeJWKs serializes the two keys of r for backends that store them in
// separate columns or fields.
func EncodeJWKs(r KeyRecord) (public, private []byte, err error) {
	if r.PublicKey == nil || r.PrivateKey == nil {
		return nil, nil, fmt.Errorf("%w: %s: missing key material", ErrInvalidRecord, r.KeyID)
	}
	public, err = json.Marshal(r.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public jwk %s: %w", r.KeyID, err)
	}
	private, err = json.Marshal(r.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private jwk %s: %w", r.KeyID, err)
	}
	return public, private, nil
}

// DecodeRecord parses the stored form back into a KeyRecord.
func DecodeRecord(data []byte) (KeyRecord, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return sr.toRecord()
}

// DecodeParts rebuilds a record from individually stored fields. Backends that
// keep kid, alg and the two JWKs in separate columns or document fields use it.
func DecodeParts(kid, alg string, publicJWK, privateJWK []byte, createdAt time.Time) (KeyRecord, error) {
	sr := storedRecord{
		KeyID:      kid,
		Algorithm:  alg,
		PublicJWK:  publicJWK,
		PrivateJWK: privateJWK,
		CreatedAt:  createdAt,
	}
	return sr.toRecord()
}

func (sr storedRecord) toRecord() (KeyRecord, error) {
	var alg jwa.SignatureAlgorithm
	if err := alg.Accept(sr.Algorithm); err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, sr.KeyID, err)
	}

	pub, err := jwk.ParseKey(sr.PublicJWK)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %s: public jwk: %v", ErrInvalidRecord, sr.KeyID, err)
	}
	switch pub.(type) {
	case jwk.RSAPrivateKey, jwk.ECDSAPrivateKey, jwk.OKPPrivateKey:
		return KeyRecord{}, fmt.Errorf("%w: %s: public jwk carries private parameters", ErrInvalidRecord, sr.KeyID)
	}

	priv, err := jwk.ParseKey(sr.PrivateJWK)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %s: private jwk: %v", ErrInvalidRecord, sr.KeyID, err)
	}
	if kid := priv.KeyID(); kid != "" && kid != sr.KeyID {
		return KeyRecord{}, fmt.Errorf("%w: kid mismatch %q != %q", ErrInvalidRecord, kid, sr.KeyID)
	}

	rec := KeyRecord{
		KeyID:      sr.KeyID,
		Algorithm:  alg,
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  StampTime(sr.CreatedAt),
	}
	if err := rec.Validate(); err != nil {
		return KeyRecord{}, err
	}
	return rec, nil
}
