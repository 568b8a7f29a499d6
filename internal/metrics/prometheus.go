// Package metrics exposes the server's Prometheus metrics. A nil *Metrics
// records nothing, so collaborators can hold one unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the conversation server
type Metrics struct {
	// Conversation metrics
	ConversationsCreated prometheus.Counter
	LoadedConversations  prometheus.Gauge
	ConversationsEvicted prometheus.Counter
	Events               *prometheus.CounterVec

	// Realtime viewers
	ConnectedViewers prometheus.Gauge

	// Reply generation metrics
	Replies       *prometheus.CounterVec
	ReplyDuration prometheus.Histogram
	ReplyAudio    prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConversationsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "escuchame_conversations_created_total",
			Help: "Total number of conversations created",
		}),
		LoadedConversations: f.NewGauge(prometheus.GaugeOpts{
			Name: "escuchame_conversations_loaded",
			Help: "Current number of conversation machines in memory",
		}),
		ConversationsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "escuchame_conversations_evicted_total",
			Help: "Total number of idle conversation machines evicted",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escuchame_events_total",
			Help: "Conversation events by type and whether the machine accepted them",
		}, []string{"event", "accepted"}),

		ConnectedViewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "escuchame_websocket_viewers",
			Help: "Current number of websocket viewers",
		}),

		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escuchame_replies_total",
			Help: "Tutor replies by outcome",
		}, []string{"outcome"}),
		ReplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escuchame_reply_duration_seconds",
			Help:    "Time from the start of generation to the delivered reply",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		ReplyAudio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escuchame_reply_audio_seconds",
			Help:    "Length of synthesized replies",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escuchame_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escuchame_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Reply outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
)

// RecordConversationCreated increments the conversations created counter
func (m *Metrics) RecordConversationCreated() {
	if m == nil {
		return
	}
	m.ConversationsCreated.Inc()
}

// SetLoadedConversations sets the number of machines in memory
func (m *Metrics) SetLoadedConversations(n int) {
	if m == nil {
		return
	}
	m.LoadedConversations.Set(float64(n))
}

// RecordEvicted adds n evicted machines
func (m *Metrics) RecordEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ConversationsEvicted.Add(float64(n))
}

// RecordEvent counts one dispatched event
func (m *Metrics) RecordEvent(event string, accepted bool) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event, strconv.FormatBool(accepted)).Inc()
}

// ViewerJoined increments the connected viewers gauge
func (m *Metrics) ViewerJoined() {
	if m == nil {
		return
	}
	m.ConnectedViewers.Inc()
}

// ViewerLeft decrements the connected viewers gauge
func (m *Metrics) ViewerLeft() {
	if m == nil {
		return
	}
	m.ConnectedViewers.Dec()
}

// RecordReply counts a finished generation and, when delivered, its timing
// and audio length.
func (m *Metrics) RecordReply(outcome string, took, audio time.Duration) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDelivered {
		m.ReplyDuration.Observe(took.Seconds())
		m.ReplyAudio.Observe(audio.Seconds())
	}
}

// RecordHTTPRequest records an HTTP request with its status and duration
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(took.Seconds())
}
