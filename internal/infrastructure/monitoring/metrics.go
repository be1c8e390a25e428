package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of ChunksDropped
const (
	DropUnknownBuffer = "unknown_buffer"
	DropUnauthorized  = "unauthorized"
	DropTooLarge      = "too_large"
	DropTorn          = "torn"
	DropCorruptPage   = "corrupt_page"
	DropQuarantined   = "quarantined"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Endpoint metrics
	ProducersConnected prometheus.Gauge
	ConsumersConnected prometheus.Gauge
	DataSources        prometheus.Gauge

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	BuffersAllocated prometheus.Gauge
	InstancesStarted prometheus.Counter

	// Data path metrics
	ChunksCopied           prometheus.Counter
	BytesCopied            prometheus.Counter
	ChunksDropped          *prometheus.CounterVec
	PagesOverwritten       prometheus.Counter
	ChunksRead             prometheus.Counter
	NotificationsCoalesced prometheus.Counter
	ProducersQuarantined   prometheus.Counter

	// Operation metrics
	ServiceCalls    *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	ChunksCopied  int64   `json:"chunks_copied"`
	BytesCopied   int64   `json:"bytes_copied"`
	ChunksDropped int64   `json:"chunks_dropped"`
	Producers     int64   `json:"producers"`
	Consumers     int64   `json:"consumers"`
	Sessions      int64   `json:"sessions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewMetrics registers the service metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traced_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traced_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traced_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		ProducersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "traced_producers_connected",
			Help: "Number of connected producers",
		}),
		ConsumersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "traced_consumers_connected",
			Help: "Number of connected consumers",
		}),
		DataSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "traced_data_sources_registered",
			Help: "Number of registered data sources",
		}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "traced_sessions_active",
			Help: "Number of tracing sessions holding buffers",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_sessions_total",
			Help: "Total number of tracing sessions enabled",
		}),
		BuffersAllocated: f.NewGauge(prometheus.GaugeOpts{
			Name: "traced_buffers_allocated",
			Help: "Number of trace buffers currently allocated",
		}),
		InstancesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_data_source_instances_started_total",
			Help: "Total number of data source instances started",
		}),

		ChunksCopied: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_chunks_copied_total",
			Help: "Chunks copied from shared memory into trace buffers",
		}),
		BytesCopied: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_bytes_copied_total",
			Help: "Bytes copied from shared memory into trace buffers",
		}),
		ChunksDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traced_chunks_dropped_total",
				Help: "Chunks dropped on the copy path",
			},
			[]string{"reason"},
		),
		PagesOverwritten: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_buffer_pages_overwritten_total",
			Help: "Trace buffer pages overwritten after wraparound",
		}),
		ChunksRead: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_chunks_read_total",
			Help: "Chunks delivered to consumers",
		}),
		NotificationsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_notifications_coalesced_total",
			Help: "Shared memory notifications deferred by the rate limiter",
		}),
		ProducersQuarantined: f.NewCounter(prometheus.CounterOpts{
			Name: "traced_producers_quarantined_total",
			Help: "Times a producer was quarantined for misbehaving",
		}),

		ServiceCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traced_service_calls_total",
				Help: "Total number of service calls",
			},
			[]string{"service", "method", "status"},
		),
		ServiceDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traced_service_duration_seconds",
				Help:    "Service call duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "method"},
		),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "traced_ws_connections",
			Help: "Number of active WebSocket connections",
		}),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traced_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "traced_uptime_seconds",
		Help: "Service uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// NewNop returns metrics registered on a private registry
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordServiceCall records a service call
func (m *Metrics) RecordServiceCall(service, method, status string, duration time.Duration) {
	m.ServiceCalls.WithLabelValues(service, method, status).Inc()
	m.ServiceDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordChunkCopied records one chunk written into a trace buffer
func (m *Metrics) RecordChunkCopied(size int, overwritten uint64) {
	m.ChunksCopied.Inc()
	m.BytesCopied.Add(float64(size))
	if overwritten > 0 {
		m.PagesOverwritten.Add(float64(overwritten))
	}

	m.mu.Lock()
	m.snapshot.ChunksCopied++
	m.snapshot.BytesCopied += int64(size)
	m.mu.Unlock()
}

// RecordChunkDropped records a chunk rejected on the copy path
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDropped.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.ChunksDropped++
	m.mu.Unlock()
}

// SetProducers sets the number of connected producers
func (m *Metrics) SetProducers(count int) {
	m.ProducersConnected.Set(float64(count))
	m.mu.Lock()
	m.snapshot.Producers = int64(count)
	m.mu.Unlock()
}

// SetConsumers sets the number of connected consumers
func (m *Metrics) SetConsumers(count int) {
	m.ConsumersConnected.Set(float64(count))
	m.mu.Lock()
	m.snapshot.Consumers = int64(count)
	m.mu.Unlock()
}

// SetSessions sets the number of active sessions
func (m *Metrics) SetSessions(count int) {
	m.SessionsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.Sessions = int64(count)
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
