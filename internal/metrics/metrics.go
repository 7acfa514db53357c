package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reconciliation counters of one client process.
type Metrics struct {
	Registry *prometheus.Registry

	Merges             *prometheus.CounterVec
	StaleResponses     prometheus.Counter
	PushParseErrors    prometheus.Counter
	SendFailures       prometheus.Counter
	CacheWrites        prometheus.Counter
	PaginationRequests prometheus.Counter
}

// New creates the counters on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_merges_total",
			Help: "Message records merged into a timeline, by source.",
		}, []string{"source"}),
		StaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_stale_responses_total",
			Help: "Fetch responses dropped because their epoch was no longer current.",
		}),
		PushParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_push_parse_errors_total",
			Help: "Push frames ignored because they failed validation.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_send_failures_total",
			Help: "Outbound messages that ended in the failed state.",
		}),
		CacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_cache_writes_total",
			Help: "Conversation snapshots written to the local cache.",
		}),
		PaginationRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_pagination_requests_total",
			Help: "Backward pagination requests issued.",
		}),
	}
	m.Registry.MustRegister(
		m.Merges,
		m.StaleResponses,
		m.PushParseErrors,
		m.SendFailures,
		m.CacheWrites,
		m.PaginationRequests,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
