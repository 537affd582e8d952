package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// maxSignRequestBytes caps the body of a token request.
const maxSignRequestBytes = 1 << 20

// API serves the discovery documents and the token endpoints of a Registry.
type API struct {
	Registry *issuer.Registry
	Logger   *slog.Logger

	cache    *gocache.Cache
	cacheTTL time.Duration

	// generations counts invalidations per namespace. A fill stores its
	// document only if no invalidation ran while it was scanning.
	mu          sync.Mutex
	generations map[string]uint64
}

// cachedJWKS is a serialized discovery document plus the key IDs it lists.
type cachedJWKS struct {
	body []byte
	kids map[string]struct{}
}

// SignRequest is the body of POST /api/v1/namespaces/{namespace}/tokens.
type SignRequest struct {
	Claims     map[string]any `json:"claims"`
	TTLSeconds int            `json:"ttlSeconds,omitempty"`
}

// SignResponse carries the compact token.
type SignResponse struct {
	Token string `json:"token"`
}

// PruneResponse reports how many keys a prune removed.
type PruneResponse struct {
	Dropped int `json:"dropped"`
}

// OpenIDConfiguration is the subset of OpenID Provider Metadata this service publishes.
type OpenIDConfiguration struct {
	Issuer                           string   `json:"issuer"`
	JWKSURI                          string   `json:"jwks_uri"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
}

// NewAPI creates the handlers. A non-positive cacheTTL disables the
// discovery cache. The cache only sees keys minted through this API, so it
// must stay disabled when several replicas share a store.
func NewAPI(registry *issuer.Registry, cacheTTL time.Duration, logger *slog.Logger) *API {
	a := &API{
		Registry:    registry,
		Logger:      logger.With("component", "api"),
		cacheTTL:    cacheTTL,
		generations: make(map[string]uint64),
	}
	if cacheTTL > 0 {
		a.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return a
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*issuer.Issuer, bool) {
	ns := signingkeys.Namespace(r.PathValue("namespace"))
	iss, err := a.Registry.Get(ns)
	if err != nil {
		a.Logger.Debug("Unknown namespace", "namespace", ns, "err", err)
		response.WriteJSONError(w, http.StatusNotFound, "Unknown namespace")
		return nil, false
	}
	return iss, true
}

// JWKSHandler serves the namespace's discovery document.
func (a *API) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	iss, ok := a.lookup(w, r)
	if !ok {
		return
	}
	ns := iss.Manager.Namespace().String()

	doc, err := a.discoveryDocument(r, iss)
	if err != nil {
		a.Logger.Error("Failed to build discovery document", "namespace", ns, "err", err)
		writeError(w, err, "Failed to list keys")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if a.cacheTTL > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(a.cacheTTL.Seconds())))
	}
	_, _ = w.Write(doc.body)
}

func (a *API) discoveryDocument(r *http.Request, iss *issuer.Issuer) (cachedJWKS, error) {
	ns := iss.Manager.Namespace().String()
	var gen uint64
	if a.cache != nil {
		if v, found := a.cache.Get(ns); found {
			return v.(cachedJWKS), nil
		}
		a.mu.Lock()
		gen = a.generations[ns]
		a.mu.Unlock()
	}

	set, err := iss.Manager.JWKS(r.Context())
	if err != nil {
		return cachedJWKS{}, err
	}
	body, err := json.Marshal(set)
	if err != nil {
		return cachedJWKS{}, fmt.Errorf("failed to marshal key set: %w", err)
	}
	doc := cachedJWKS{body: body, kids: make(map[string]struct{}, set.Len())}
	for i := 0; i < set.Len(); i++ {
		if k, ok := set.Key(i); ok {
			doc.kids[k.KeyID()] = struct{}{}
		}
	}
	if a.cache != nil {
		a.mu.Lock()
		if a.generations[ns] == gen {
			a.cache.SetDefault(ns, doc)
		} else {
			a.Logger.Debug("Discarding discovery document filled before an invalidation", "namespace", ns)
		}
		a.mu.Unlock()
	}
	return doc, nil
}

// invalidate drops the cached document and discards any fill in flight.
func (a *API) invalidate(ns string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[ns]++
	a.cache.Delete(ns)
}

// OpenIDConfigurationHandler serves minimal OpenID Provider Metadata.
func (a *API) OpenIDConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	iss, ok := a.lookup(w, r)
	if !ok {
		return
	}

	issuerURL := iss.IssuerURL
	if issuerURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		issuerURL = fmt.Sprintf("%s://%s/%s", scheme, r.Host, iss.Manager.Namespace())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(OpenIDConfiguration{
		Issuer:                           issuerURL,
		JWKSURI:                          strings.TrimSuffix(issuerURL, "/") + "/.well-known/jwks.json",
		IDTokenSigningAlgValuesSupported: []string{iss.Manager.Algorithm()},
		SubjectTypesSupported:            []string{"public"},
		ResponseTypesSupported:           []string{"id_token"},
	})
}

// SignTokenHandler signs the supplied claims with the namespace's current key.
func (a *API) SignTokenHandler(w http.ResponseWriter, r *http.Request) {
	iss, ok := a.lookup(w, r)
	if !ok {
		return
	}
	ns := iss.Manager.Namespace().String()
	logger := a.Logger.With("namespace", ns)

	var req SignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignRequestBytes)).Decode(&req); err != nil {
		logger.Warn("Failed to decode sign request", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON body format")
		return
	}
	if req.TTLSeconds < 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "ttlSeconds must not be negative")
		return
	}

	var opts []issuer.SignOption
	if req.TTLSeconds > 0 {
		opts = append(opts, issuer.WithTTL(time.Duration(req.TTLSeconds)*time.Second))
	}
	token, err := iss.Signer.Sign(r.Context(), req.Claims, opts...)
	if err != nil {
		logger.Error("Failed to sign token", "err", err)
		writeError(w, err, "Failed to sign token")
		return
	}
	a.invalidateIfUnlisted(ns, token)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(SignResponse{Token: token})
}

// invalidateIfUnlisted drops the cached discovery document when the token was
// signed by a key it does not list yet, so relying parties see new keys at once.
// Fills in flight are always discarded: they may have scanned before the mint.
func (a *API) invalidateIfUnlisted(ns, token string) {
	if a.cache == nil {
		return
	}
	var kid string
	if msg, err := jws.Parse([]byte(token)); err == nil && len(msg.Signatures()) > 0 {
		kid = msg.Signatures()[0].ProtectedHeaders().KeyID()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[ns]++
	if v, found := a.cache.Get(ns); found {
		if _, listed := v.(cachedJWKS).kids[kid]; !listed {
			a.Logger.Debug("Invalidating discovery cache for new key", "namespace", ns, "kid", kid)
			a.cache.Delete(ns)
		}
	}
}

// PruneHandler prunes the namespace immediately.
func (a *API) PruneHandler(w http.ResponseWriter, r *http.Request) {
	iss, ok := a.lookup(w, r)
	if !ok {
		return
	}
	ns := iss.Manager.Namespace().String()

	n, err := iss.Manager.PruneExpiredKeys(r.Context())
	if err != nil {
		a.Logger.Error("Failed to prune keys", "namespace", ns, "err", err)
		writeError(w, err, "Failed to prune keys")
		return
	}
	if a.cache != nil && n > 0 {
		a.invalidate(ns)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PruneResponse{Dropped: n})
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, issuer.ErrUnknownNamespace), errors.Is(err, signingkeys.ErrInvalidNamespace):
		response.WriteJSONError(w, http.StatusNotFound, "Unknown namespace")
	case errors.Is(err, signingkeys.ErrSigningUnavailable), errors.Is(err, signingkeys.ErrStoreUnavailable):
		response.WriteJSONError(w, http.StatusServiceUnavailable, msg)
	default:
		response.WriteJSONError(w, http.StatusInternalServerError, msg)
	}
}
