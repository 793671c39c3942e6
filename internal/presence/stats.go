package presence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ack sources, used as the "source" label of presence_acks_total.
const (
	ackSourceUpdate  = "message_update"
	ackSourceReceipt = "receipt"
)

// Stats holds the Prometheus collectors shared by every session of a
// process. A nil *Stats is valid and records nothing.
type Stats struct {
	probesSent     *prometheus.CounterVec
	sendErrors     prometheus.Counter
	timeouts       prometheus.Counter
	acks           *prometheus.CounterVec
	lateAcks       prometheus.Counter
	latency        prometheus.Histogram
	sessionsActive prometheus.Gauge
}

// NewStats creates the collectors and registers them on reg. Passing nil
// uses prometheus.DefaultRegisterer.
func NewStats(reg prometheus.Registerer) *Stats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Stats{
		probesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_probes_sent_total",
			Help: "Probes accepted by the transport",
		}, []string{"method"}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_probe_send_errors_total",
			Help: "Probes the transport failed to send",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_probe_timeouts_total",
			Help: "Probes that expired without an acknowledgment",
		}),
		acks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_acks_total",
			Help: "Probes resolved by an acknowledgment, by signal source",
		}, []string{"source"}),
		lateAcks: f.NewCounter(prometheus.CounterOpts{
			Name: "presence_late_acks_total",
			Help: "Acknowledgments for probes that were already resolved",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_probe_latency_seconds",
			Help:    "Round-trip time from probe send to acknowledgment",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 10},
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "presence_sessions_active",
			Help: "Tracking sessions currently running",
		}),
	}
}

func (s *Stats) probeSent(m ProbeMethod) {
	if s == nil {
		return
	}
	s.probesSent.WithLabelValues(string(m)).Inc()
}

func (s *Stats) sendFailed() {
	if s == nil {
		return
	}
	s.sendErrors.Inc()
}

func (s *Stats) probeTimedOut() {
	if s == nil {
		return
	}
	s.timeouts.Inc()
}

func (s *Stats) ackResolved(source string, latency time.Duration) {
	if s == nil {
		return
	}
	s.acks.WithLabelValues(source).Inc()
	s.latency.Observe(latency.Seconds())
}

func (s *Stats) lateAck() {
	if s == nil {
		return
	}
	s.lateAcks.Inc()
}

func (s *Stats) sessionStarted() {
	if s == nil {
		return
	}
	s.sessionsActive.Inc()
}

func (s *Stats) sessionStopped() {
	if s == nil {
		return
	}
	s.sessionsActive.Dec()
}
