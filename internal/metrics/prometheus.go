package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as label values on DatagramsDropped
const (
	DropEmpty      = "empty"
	DropUnknownTag = "unknown_tag"
	DropQueueFull  = "queue_full"
	DropUnexpected = "unexpected_kind"
)

// Metrics contains all Prometheus metrics for the relay service
type Metrics struct {
	// UDP datagram metrics
	DatagramsReceived prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	ReceiveErrors     prometheus.Counter
	QueueSize         prometheus.Gauge

	// Session metrics
	ActivePeers         prometheus.Gauge
	Connects            prometheus.Counter
	Disconnects         prometheus.Counter
	ImplicitDisconnects prometheus.Counter

	// Broadcast metrics
	Broadcasts      prometheus.Counter
	BroadcastFanout prometheus.Histogram

	// Send metrics
	Sends        *prometheus.CounterVec
	SendErrors   *prometheus.CounterVec
	SendsDropped *prometheus.CounterVec

	// Location metrics
	LocationDecodeErrors  prometheus.Counter
	LocationWrites        *prometheus.CounterVec
	LocationWriteDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP datagram metrics
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_datagrams_dropped_total",
			Help: "Total number of received datagrams dropped without processing",
		}, []string{"reason"}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_receive_errors_total",
			Help: "Total number of socket receive errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_datagram_queue_size",
			Help: "Current number of datagrams waiting for dispatch",
		}),

		// Session metrics
		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_peers",
			Help: "Current number of registered peers",
		}),
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connects_total",
			Help: "Total number of peers admitted by a Connect handshake",
		}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_disconnects_total",
			Help: "Total number of peers removed by a Disconnect",
		}),
		ImplicitDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_implicit_disconnects_total",
			Help: "Total number of peers removed because of a receive error",
		}),

		// Broadcast metrics
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total number of Data datagrams fanned out",
		}),
		BroadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_broadcast_fanout",
			Help:    "Number of recipients per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512 peers
		}),

		// Send metrics
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sends_total",
			Help: "Total number of datagrams sent",
		}, []string{"kind"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_send_errors_total",
			Help: "Total number of failed sends",
		}, []string{"kind"}),
		SendsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sends_dropped_total",
			Help: "Total number of sends skipped because too many were in flight",
		}, []string{"kind"}),

		// Location metrics
		LocationDecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_location_decode_errors_total",
			Help: "Total number of Disconnect datagrams with a malformed location record",
		}),
		LocationWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_location_writes_total",
			Help: "Total number of location sink writes by result",
		}, []string{"result"}),
		LocationWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_location_write_duration_seconds",
			Help:    "Duration of location sink writes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDatagramReceived increments the datagrams received counter
func (m *Metrics) RecordDatagramReceived() {
	m.DatagramsReceived.Inc()
}

// RecordDatagramDropped increments the drop counter for reason
func (m *Metrics) RecordDatagramDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordReceiveError increments the receive errors counter
func (m *Metrics) RecordReceiveError() {
	m.ReceiveErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetActivePeers sets the current number of registered peers
func (m *Metrics) SetActivePeers(count int) {
	m.ActivePeers.Set(float64(count))
}

// RecordConnect increments the connects counter
func (m *Metrics) RecordConnect() {
	m.Connects.Inc()
}

// RecordDisconnect increments the disconnects counter
func (m *Metrics) RecordDisconnect() {
	m.Disconnects.Inc()
}

// RecordImplicitDisconnect increments the implicit disconnects counter
func (m *Metrics) RecordImplicitDisconnect() {
	m.ImplicitDisconnects.Inc()
}

// RecordBroadcast records one fan-out to recipients peers
func (m *Metrics) RecordBroadcast(recipients int) {
	m.Broadcasts.Inc()
	m.BroadcastFanout.Observe(float64(recipients))
}

// RecordSend records the outcome of a single send
func (m *Metrics) RecordSend(kind string, err error) {
	if err != nil {
		m.SendErrors.WithLabelValues(kind).Inc()
		return
	}
	m.Sends.WithLabelValues(kind).Inc()
}

// RecordSendDropped increments the dropped sends counter
func (m *Metrics) RecordSendDropped(kind string) {
	m.SendsDropped.WithLabelValues(kind).Inc()
}

// RecordLocationDecodeError increments the location decode errors counter
func (m *Metrics) RecordLocationDecodeError() {
	m.LocationDecodeErrors.Inc()
}

// RecordLocationWrite records a sink write and its duration
func (m *Metrics) RecordLocationWrite(err error, durationSeconds float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.LocationWrites.WithLabelValues(result).Inc()
	m.LocationWriteDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
