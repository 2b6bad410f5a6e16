package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the domain counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	Searches         *prometheus.CounterVec
	EmptySearches    *prometheus.CounterVec
	Suggestions      prometheus.Counter
	GeocodeLookups   *prometheus.CounterVec
	ClaimOutcomes    *prometheus.CounterVec
	PendingClaims    prometheus.Gauge
	TicketsSubmitted *prometheus.CounterVec
}

// NewMetrics registers the domain metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialsites_searches_total",
			Help: "Site searches by retrieval path",
		}, []string{"path"}), // path: "geo", "text"

		EmptySearches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialsites_searches_empty_total",
			Help: "Site searches that returned no results, by retrieval path",
		}, []string{"path"}),

		Suggestions: f.NewCounter(prometheus.CounterOpts{
			Name: "trialsites_suggestions_total",
			Help: "Did-you-mean suggestions offered",
		}),

		GeocodeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialsites_geocode_lookups_total",
			Help: "Postal code lookups by result",
		}, []string{"result"}), // result: "hit", "miss", "cache_hit", "cache_miss"

		ClaimOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialsites_claim_outcomes_total",
			Help: "Finalized claim entries by outcome",
		}, []string{"outcome"}),

		PendingClaims: f.NewGauge(prometheus.GaugeOpts{
			Name: "trialsites_claims_pending_verification",
			Help: "Claims awaiting verification",
		}),

		TicketsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialsites_support_tickets_total",
			Help: "Support tickets by category and result",
		}, []string{"category", "result"}),
	}
}

func (m *Metrics) IncSearch(path string, empty bool) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(path).Inc()
	if empty {
		m.EmptySearches.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) IncSuggestion() {
	if m != nil {
		m.Suggestions.Inc()
	}
}

func (m *Metrics) IncGeocode(result string) {
	if m != nil {
		m.GeocodeLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncClaimOutcome(outcome string) {
	if m != nil {
		m.ClaimOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetPendingClaims(n int) {
	if m != nil {
		m.PendingClaims.Set(float64(n))
	}
}

func (m *Metrics) IncTicket(category, result string) {
	if m != nil {
		m.TicketsSubmitted.WithLabelValues(category, result).Inc()
	}
}
