package issuer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors for key lifecycle events. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	minted     *prometheus.CounterVec
	collisions *prometheus.CounterVec
	pruned     *prometheus.CounterVec
	signed     *prometheus.CounterVec
	resolution *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		minted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_keys_minted_total",
			Help: "Signing keys generated and persisted.",
		}, []string{"namespace"}),
		collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_keys_mint_collisions_total",
			Help: "Key creates rejected because the creation stamp was taken.",
		}, []string{"namespace"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_keys_pruned_total",
			Help: "Signing keys removed after the retention window.",
		}, []string{"namespace"}),
		signed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_tokens_signed_total",
			Help: "Token signing attempts by result.",
		}, []string{"namespace", "result"}),
		resolution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oidc_key_resolution_duration_seconds",
			Help:    "Time to resolve the current signing key, including any mint.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"namespace"}),
	}
	for _, c := range []prometheus.Collector{m.minted, m.collisions, m.pruned, m.signed, m.resolution} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) keyMinted(ns string) {
	if m != nil {
		m.minted.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) mintCollision(ns string) {
	if m != nil {
		m.collisions.WithLabelValues(ns).Inc()
	}
}

func (m *Metrics) keysPruned(ns string, n int) {
	if m != nil && n > 0 {
		m.pruned.WithLabelValues(ns).Add(float64(n))
	}
}

func (m *Metrics) tokenSigned(ns string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.signed.WithLabelValues(ns, result).Inc()
}

func (m *Metrics) observeResolution(ns string, start time.Time) {
	if m != nil {
		m.resolution.WithLabelValues(ns).Observe(time.Since(start).Seconds())
	}
}
