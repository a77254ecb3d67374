// ABOUTME: Prometheus metrics for AirPlay sessions
// ABOUTME: Recorder feeds session activity into counters and gauges
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mediacast/airplay-go/pkg/airplay"
	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Labels are bounded: tags, error kinds and states only, never session ids.
var (
	// RequestsTotal counts requests sent to receivers, by tag
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airplay_requests_total",
		Help: "Total number of requests sent to receivers, by tag.",
	}, []string{"tag"})

	// RequestFailuresTotal counts failed requests, by tag and error kind
	RequestFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airplay_request_failures_total",
		Help: "Total number of failed requests, by tag and error kind.",
	}, []string{"tag", "kind"})

	// PollSkippedTotal counts poll ticks skipped because a request was in flight
	PollSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airplay_poll_skipped_total",
		Help: "Total number of playback polls skipped under backpressure.",
	})

	// StateTransitionsTotal counts session state changes, by target state
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airplay_state_transitions_total",
		Help: "Total number of session state transitions, by new state.",
	}, []string{"state"})

	// ActiveSessions tracks sessions that are started and not yet terminal
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airplay_active_sessions",
		Help: "Current number of sessions that are neither idle nor terminal.",
	})
)

// Recorder implements airplay.Metrics on the package collectors
type Recorder struct{}

var _ airplay.Metrics = Recorder{}

// RequestIssued counts one request
func (Recorder) RequestIssued(tag protocol.Tag) {
	RequestsTotal.WithLabelValues(tag.String()).Inc()
}

// RequestFailed counts one failed request
func (Recorder) RequestFailed(tag protocol.Tag, err error) {
	RequestFailuresTotal.WithLabelValues(tag.String(), protocol.KindOf(err)).Inc()
}

// PollSkipped counts one skipped poll
func (Recorder) PollSkipped() {
	PollSkippedTotal.Inc()
}

// StateChanged counts a transition and tracks live sessions
func (Recorder) StateChanged(from, to airplay.State) {
	StateTransitionsTotal.WithLabelValues(to.String()).Inc()

	switch {
	case from == airplay.StateIdle && to == airplay.StateConnecting:
		ActiveSessions.Inc()
	case !from.IsTerminal() && to.IsTerminal():
		ActiveSessions.Dec()
	}
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}

// Router mounts the metrics endpoint and a liveness probe
func Router() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}
