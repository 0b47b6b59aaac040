package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice recording service
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Frame metrics
	FramesIngested  prometheus.Counter
	FramesDiscarded prometheus.Counter
	FrameErrors     prometheus.Counter
	FrameBytes      prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionDuration   prometheus.Histogram
	SessionTracks     prometheus.Histogram

	// Mixdown metrics
	MixdownDuration prometheus.Histogram
	MixdownFailures prometheus.Counter

	// Output metrics
	ArtifactsWritten *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// UDP packet metrics
		PacketsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		PacketsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_packets_dropped_total",
			Help: "Total number of UDP packets dropped because the processing queue was full",
		}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicemix_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Frame metrics
		FramesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_frames_ingested_total",
			Help: "Total number of audio frames placed into track buffers",
		}),
		FramesDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_frames_discarded_total",
			Help: "Total number of audio frames discarded without a recording session",
		}),
		FrameErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_frame_errors_total",
			Help: "Total number of audio frames rejected as invalid or undecodable",
		}),
		FrameBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_frame_bytes_total",
			Help: "Total audio frame bytes accepted for recording",
		}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicemix_active_sessions",
			Help: "Current number of active recording sessions",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_sessions_completed_total",
			Help: "Total number of recording sessions finalized successfully",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_sessions_failed_total",
			Help: "Total number of recording sessions that failed during finalization",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicemix_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3 hours
		}),
		SessionTracks: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicemix_session_tracks",
			Help:    "Number of speaker tracks per finalized session",
			Buckets: prometheus.LinearBuckets(1, 1, 12), // 1 to 12 speakers
		}),

		// Mixdown metrics
		MixdownDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicemix_mixdown_duration_seconds",
			Help:    "Duration of external mixer invocations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		MixdownFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicemix_mixdown_failures_total",
			Help: "Total number of failed mixer invocations",
		}),

		// Output metrics
		ArtifactsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemix_artifacts_written_total",
			Help: "Total number of output artifacts written",
		}, []string{"kind"}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemix_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicemix_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemix_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordPacketDropped increments the dropped packets counter
func (m *Metrics) RecordPacketDropped() {
	m.PacketsDropped.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// RecordFrameIngested increments the frames ingested counter
func (m *Metrics) RecordFrameIngested() {
	m.FramesIngested.Inc()
}

// RecordFrameDiscarded increments the frames discarded counter
func (m *Metrics) RecordFrameDiscarded() {
	m.FramesDiscarded.Inc()
}

// RecordFrameError increments the rejected frames counter
func (m *Metrics) RecordFrameError() {
	m.FrameErrors.Inc()
}

// RecordFrameBytes adds accepted frame data to the byte counter
func (m *Metrics) RecordFrameBytes(n int) {
	m.FrameBytes.Add(float64(n))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionCompleted records a finalized session with its duration and track count
func (m *Metrics) RecordSessionCompleted(durationSeconds float64, trackCount int) {
	m.SessionsCompleted.Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionTracks.Observe(float64(trackCount))
}

// RecordSessionFailed increments the sessions failed counter
func (m *Metrics) RecordSessionFailed() {
	m.SessionsFailed.Inc()
}

// RecordMixdown records a completed mixer invocation
func (m *Metrics) RecordMixdown(durationSeconds float64) {
	m.MixdownDuration.Observe(durationSeconds)
}

// RecordMixdownFailure increments the mixdown failures counter
func (m *Metrics) RecordMixdownFailure() {
	m.MixdownFailures.Inc()
}

// RecordArtifactWritten records a written output artifact by kind
func (m *Metrics) RecordArtifactWritten(kind string) {
	m.ArtifactsWritten.WithLabelValues(kind).Inc()
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
