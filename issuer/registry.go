package issuer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tinywideclouds/go-oidc-keys/internal/keygen"
	"github.com/tinywideclouds/go-oidc-keys/internal/rotation"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// ErrUnknownNamespace is returned for namespaces the registry does not serve.
var ErrUnknownNamespace = errors.New("namespace not served")

// Settings are shared by every namespace of a Registry.
type Settings struct {
	Spec                 keygen.AlgorithmSpec
	Policy               rotation.Policy
	DiscoveryConsistency signingkeys.Consistency
	TokenTTL             time.Duration
	ClockSkew            time.Duration
	// IssuerURL is the base URL; each namespace's "iss" is IssuerURL/{namespace}.
	// Empty leaves "iss" out of tokens.
	IssuerURL string
	Clock     func() time.Time
	Metrics   *Metrics
}

// Issuer is the manager and signer serving one namespace.
type Issuer struct {
	Manager   *Manager
	Signer    *Signer
	IssuerURL string
}

// Registry holds one Issuer per configured namespace over a shared store.
type Registry struct {
	issuers map[signingkeys.Namespace]*Issuer
}

// NewRegistry builds an Issuer for each namespace.
func NewRegistry(store signingkeys.Store, namespaces []signingkeys.Namespace, settings Settings, logger *slog.Logger) (*Registry, error) {
	if len(namespaces) == 0 {
		return nil, errors.New("at least one namespace is required")
	}
	if settings.Policy == (rotation.Policy{}) {
		settings.Policy = rotation.DefaultPolicy()
	}

	r := &Registry{issuers: make(map[signingkeys.Namespace]*Issuer, len(namespaces))}
	for _, ns := range namespaces {
		if _, dup := r.issuers[ns]; dup {
			return nil, fmt.Errorf("namespace %q configured twice", ns)
		}

		opts := []ManagerOption{
			WithPolicy(settings.Policy),
			WithDiscoveryConsistency(settings.DiscoveryConsistency),
			WithLogger(logger),
			WithMetrics(settings.Metrics),
		}
		if settings.Clock != nil {
			opts = append(opts, WithClock(settings.Clock))
		}
		manager, err := NewManager(store, ns, settings.Spec, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create manager for %q: %w", ns, err)
		}

		iss := ""
		if settings.IssuerURL != "" {
			iss = strings.TrimSuffix(settings.IssuerURL, "/") + "/" + ns.String()
		}
		signer := NewSigner(manager,
			WithIssuer(iss),
			WithTokenDefaults(settings.TokenTTL, settings.ClockSkew),
			WithSignerLogger(logger),
			WithSignerMetrics(settings.Metrics),
		)
		r.issuers[ns] = &Issuer{Manager: manager, Signer: signer, IssuerURL: iss}
	}
	return r, nil
}

// Get returns the issuer serving ns.
func (r *Registry) Get(ns signingkeys.Namespace) (*Issuer, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	iss, ok := r.issuers[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	return iss, nil
}

// Namespaces lists the served namespaces in sorted order.
func (r *Registry) Namespaces() []signingkeys.Namespace {
	out := make([]signingkeys.Namespace, 0, len(r.issuers))
	for ns := range r.issuers {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
