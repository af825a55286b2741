package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/upload"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "livesync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets
	Buckets []float64
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the dispatch histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "livesync",
		Buckets:   prometheus.DefBuckets,
	}
}

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	activeConnections prometheus.Gauge
	mountedComponents prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	dispatchErrors    *prometheus.CounterVec
	activeRooms       prometheus.Gauge
	roomBroadcasts    prometheus.Counter
	uploadBytes       prometheus.Counter
	uploadsTotal      *prometheus.CounterVec
	requestTimeouts   prometheus.Counter
	heartbeatRTT      prometheus.Histogram
	wsErrors          *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer, opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of open WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		mountedComponents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "mounted_components",
			Help:        "Number of live component instances",
			ConstLabels: config.ConstLabels,
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_total",
			Help:        "Inbound messages by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "action_duration_seconds",
			Help:        "Action dispatch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"component"}),

		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "action_errors_total",
			Help:        "Failed action dispatches by error code",
			ConstLabels: config.ConstLabels,
		}, []string{"component", "code"}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_rooms",
			Help:        "Number of live rooms",
			ConstLabels: config.ConstLabels,
		}),

		roomBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "room_broadcasts_total",
			Help:        "Room events fanned out to members",
			ConstLabels: config.ConstLabels,
		}),

		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "upload_bytes_total",
			Help:        "Upload chunk bytes accepted",
			ConstLabels: config.ConstLabels,
		}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "uploads_total",
			Help:        "Finished upload sessions by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),

		requestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_timeouts_total",
			Help:        "Server-initiated requests that timed out",
			ConstLabels: config.ConstLabels,
		}),

		heartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeat_rtt_seconds",
			Help:        "COMPONENT_PING round trip in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),

		wsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "websocket_errors_total",
			Help:        "Total WebSocket errors by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
	}
}

// The recording methods are nil-safe so tests can run without metrics.

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) setComponents(n int) {
	if m != nil {
		m.mountedComponents.Set(float64(n))
	}
}

func (m *Metrics) setRooms(n int) {
	if m != nil {
		m.activeRooms.Set(float64(n))
	}
}

func (m *Metrics) message(t protocol.MessageType) {
	if m != nil {
		m.messagesTotal.WithLabelValues(string(t)).Inc()
	}
}

// observeDispatch matches component.DispatchObserver.
func (m *Metrics) observeDispatch(componentType, _ string, code protocol.ErrorCode, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(componentType).Observe(elapsed.Seconds())
	if code != "" {
		m.dispatchErrors.WithLabelValues(componentType, string(code)).Inc()
	}
}

func (m *Metrics) broadcast() {
	if m != nil {
		m.roomBroadcasts.Inc()
	}
}

func (m *Metrics) uploadChunk(n int) {
	if m != nil {
		m.uploadBytes.Add(float64(n))
	}
}

func (m *Metrics) uploadFinished(s upload.Status) {
	if m != nil {
		m.uploadsTotal.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) requestTimeout() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

func (m *Metrics) heartbeat(rtt time.Duration) {
	if m != nil {
		m.heartbeatRTT.Observe(rtt.Seconds())
	}
}

func (m *Metrics) websocketError(kind string) {
	if m != nil {
		m.wsErrors.WithLabelValues(kind).Inc()
	}
}
