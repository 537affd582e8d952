package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL is how long a signed token stays valid.
	DefaultTokenTTL = 5 * time.Minute
	// DefaultClockSkew backdates nbf to tolerate relying parties with slow clocks.
	DefaultClockSkew = 5 * time.Second
)

// Signer issues tokens with the current key of a Manager.
type Signer struct {
	manager *Manager
	codec   TokenCodec
	issuer  string
	ttl     time.Duration
	skew    time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer adds an "iss" claim to every token.
func WithIssuer(iss string) SignerOption {
	return func(s *Signer) { s.issuer = iss }
}

// WithCodec replaces the default JWXCodec.
func WithCodec(c TokenCodec) SignerOption {
	return func(s *Signer) { s.codec = c }
}

// WithTokenDefaults sets the ttl and skew used when a Sign call does not
// override them.
func WithTokenDefaults(ttl, skew time.Duration) SignerOption {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if skew >= 0 {
			s.skew = skew
		}
	}
}

// WithSignerLogger sets the logger.
func WithSignerLogger(logger *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = logger }
}

// WithSignerMetrics records signing results in m.
func WithSignerMetrics(m *Metrics) SignerOption {
	return func(s *Signer) { s.metrics = m }
}

// NewSigner creates a Signer on top of manager.
func NewSigner(manager *Manager, opts ...SignerOption) *Signer {
	s := &Signer{
		manager: manager,
		codec:   JWXCodec{},
		ttl:     DefaultTokenTTL,
		skew:    DefaultClockSkew,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "token_signer", "namespace", manager.Namespace().String())
	return s
}

type signOptions struct {
	ttl  time.Duration
	skew time.Duration
}

// SignOption adjusts a single Sign call.
type SignOption func(*signOptions)

// WithTTL sets the token lifetime for this call.
func WithTTL(ttl time.Duration) SignOption {
	return func(o *signOptions) { o.ttl = ttl }
}

// WithSkew sets the nbf backdating for this call.
func WithSkew(skew time.Duration) SignOption {
	return func(o *signOptions) { o.skew = skew }
}

// Sign resolves the current key and returns a compact JWT. The registered
// time claims, jti and iss are filled in first; claims supplied by the
// caller take precedence over them. No token is produced unless a persisted
// key was resolved.
func (s *Signer) Sign(ctx context.Context, claims map[string]any, opts ...SignOption) (string, error) {
	o := signOptions{ttl: s.ttl, skew: s.skew}
	for _, opt := range opts {
		opt(&o)
	}

	key, err := s.manager.CurrentSigningKey(ctx)
	if err != nil {
		s.metrics.tokenSigned(s.manager.Namespace().String(), err)
		return "", err
	}

	now := s.manager.now()
	merged := map[string]any{
		"iat": now.Unix(),
		"nbf": now.Add(-o.skew).Unix(),
		"exp": now.Add(o.ttl).Unix(),
		"jti": uuid.NewString(),
	}
	if s.issuer != "" {
		merged["iss"] = s.issuer
	}
	for k, v := range claims {
		merged[k] = v
	}

	token, err := s.codec.Encode(TokenHeader{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Type:      "JWT",
	}, merged, key.PrivateKey)
	s.metrics.tokenSigned(s.manager.Namespace().String(), err)
	if err != nil {
		s.logger.Error("Failed to encode token", "kid", key.KeyID, "err", err)
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	s.logger.Debug("Signed token", "kid", key.KeyID)
	return token, nil
}
