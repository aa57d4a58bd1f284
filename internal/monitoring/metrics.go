package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	ProbesStarted   prometheus.Counter
	DetectionsTotal *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	CacheRemovals   prometheus.Counter
	TrackedDomains  prometheus.Gauge
	EventsRecorded  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		ProbesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tagscout_probes_started_total",
			Help: "The total number of detection probes dispatched",
		}),
		DetectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_detections_total",
			Help: "The total number of terminal detection outcomes",
		}, []string{"outcome"}), // 'success', 'failure'
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_cache_lookups_total",
			Help: "The total number of detection cache lookups",
		}, []string{"result"}), // 'hit', 'parent_hit', 'miss'
		CacheRemovals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tagscout_cache_removals_total",
			Help: "The total number of cache records expired or evicted",
		}),
		TrackedDomains: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tagscout_tracked_domains",
			Help: "Current number of domains with live state",
		}),
		EventsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tagscout_tag_events_total",
			Help: "The total number of classified tag network events",
		}, []string{"type"}),
	}
}

func (m *Metrics) IncProbesStarted() {
	m.ProbesStarted.Inc()
}

func (m *Metrics) IncDetections(outcome string) {
	m.DetectionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncCacheLookups(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) AddCacheRemovals(n int) {
	m.CacheRemovals.Add(float64(n))
}

func (m *Metrics) SetTrackedDomains(n int) {
	m.TrackedDomains.Set(float64(n))
}

func (m *Metrics) IncEventsRecorded(requestType string) {
	m.EventsRecorded.WithLabelValues(requestType).Inc()
}
