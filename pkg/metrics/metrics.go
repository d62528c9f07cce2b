// Package metrics provides Prometheus metrics for the chat service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// transport
	ConnectionsOpen      prometheus.Gauge
	SubscriptionsActive  prometheus.Gauge
	SlowConsumerDrops    prometheus.Counter
	FramesReceivedTotal  *prometheus.CounterVec
	EventsDeliveredTotal *prometheus.CounterVec

	// generation
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	ChunksTotal      prometheus.Counter
	ConflictsTotal   prometheus.Counter
	FinalizeDuration prometheus.Histogram
	SessionDuration  *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamchat_ws_connections_open",
			Help: "Number of open WebSocket connections",
		}),
		SubscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamchat_subscriptions_active",
			Help: "Number of (connection, conversation) subscriptions",
		}),
		SlowConsumerDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "streamchat_slow_consumer_disconnects_total",
			Help: "Connections closed because their outbound queue stayed full",
		}),
		FramesReceivedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_frames_received_total",
			Help: "Inbound client frames by type",
		}, []string{"type"}),
		EventsDeliveredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_events_delivered_total",
			Help: "Events enqueued to subscribers by kind",
		}, []string{"kind"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamchat_generation_sessions_active",
			Help: "Generation sessions in a non-terminal state",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_generation_sessions_total",
			Help: "Finished generation sessions by outcome",
		}, []string{"outcome"}),
		ChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "streamchat_generation_chunks_total",
			Help: "Fragments received from the generation backend",
		}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "streamchat_generation_conflicts_total",
			Help: "Sends rejected because a generation was already running",
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamchat_finalize_duration_seconds",
			Help:    "Duration of the durable write that finalizes a message",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamchat_generation_session_duration_seconds",
			Help:    "Wall time from session start to terminal state",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Dec()
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Inc()
}

func (m *Metrics) SubscriptionsRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.SubscriptionsActive.Sub(float64(n))
}

func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumerDrops.Inc()
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.FramesReceivedTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) EventDelivered(kind string) {
	if m == nil {
		return
	}
	m.EventsDeliveredTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionFinished records a terminal transition.
func (m *Metrics) SessionFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) Chunk() {
	if m == nil {
		return
	}
	m.ChunksTotal.Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) ObserveFinalize(d time.Duration) {
	if m == nil {
		return
	}
	m.FinalizeDuration.Observe(d.Seconds())
}
