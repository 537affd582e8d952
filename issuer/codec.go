package issuer

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenHeader is the protected JOSE header of a signed token.
type TokenHeader struct {
	KeyID     string
	Algorithm jwa.SignatureAlgorithm
	Type      string
}

// TokenCodec turns a header, a claim set and a private key into a compact
// serialized token.
type TokenCodec interface {
	Encode(header TokenHeader, claims map[string]any, key jwk.Key) (string, error)
}

// JWXCodec is the default TokenCodec, built on lestrrat-go/jwx.
type JWXCodec struct{}

// Encode implements TokenCodec.
func (JWXCodec) Encode(header TokenHeader, claims map[string]any, key jwk.Key) (string, error) {
	tok := jwt.New()
	for name, value := range claims {
		if err := tok.Set(name, value); err != nil {
			return "", fmt.Errorf("invalid claim %q: %w", name, err)
		}
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, header.KeyID); err != nil {
		return "", err
	}
	if header.Type != "" {
		if err := hdrs.Set(jws.TypeKey, header.Type); err != nil {
			return "", err
		}
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(header.Algorithm, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}
