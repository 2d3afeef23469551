package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siliconpool_requests_total",
			Help: "Total number of client requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "siliconpool_request_duration_seconds",
			Help:    "End-to-end client request duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 240, 600},
		},
	)

	UpstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siliconpool_upstream_attempts_total",
			Help: "Total number of upstream dispatch attempts by result",
		},
		[]string{"result"},
	)

	CredentialRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siliconpool_credential_rotations_total",
			Help: "Total number of credential switches inside the retry loop",
		},
	)

	RetryWaitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siliconpool_retry_waits_total",
			Help: "Total number of inter-retry waits entered",
		},
	)

	SoftBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siliconpool_soft_blocks_total",
			Help: "Total number of upstream soft-block detections",
		},
	)

	ProxyFanoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siliconpool_proxy_fanouts_total",
			Help: "Total number of outbound-proxy fan-out sweeps by result",
		},
		[]string{"result"},
	)

	StreamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siliconpool_stream_bytes_total",
			Help: "Total bytes piped to clients on streaming responses",
		},
	)

	CredentialsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siliconpool_credentials_available",
			Help: "Number of credentials currently selectable",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

// RecordRequest records one finished client request with its terminal outcome
// (success, service_unavailable, ip_blocked, client_disconnected, ...).
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	RequestsTotal.WithLabelValues(outcome).Inc()
	RequestDuration.Observe(duration.Seconds())
}

// RecordAttempt records one upstream dispatch by result: "success",
// "transport_error", or the upstream HTTP status code.
func (m *Metrics) RecordAttempt(result string) {
	if !m.isEnabled() {
		return
	}
	UpstreamAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordAttemptStatus records an upstream dispatch keyed by HTTP status.
func (m *Metrics) RecordAttemptStatus(statusCode int) {
	m.RecordAttempt(strconv.Itoa(statusCode))
}

func (m *Metrics) RecordRotation() {
	if !m.isEnabled() {
		return
	}
	CredentialRotationsTotal.Inc()
}

func (m *Metrics) RecordRetryWait() {
	if !m.isEnabled() {
		return
	}
	RetryWaitsTotal.Inc()
}

func (m *Metrics) RecordSoftBlock() {
	if !m.isEnabled() {
		return
	}
	SoftBlocksTotal.Inc()
}

// RecordFanout records one fan-out sweep: "success" when some proxy served
// the request, "all_failed" otherwise.
func (m *Metrics) RecordFanout(result string) {
	if !m.isEnabled() {
		return
	}
	ProxyFanoutsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStreamBytes(n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	StreamBytesTotal.Add(float64(n))
}

func (m *Metrics) UpdateCredentialsAvailable(n int) {
	if !m.isEnabled() {
		return
	}
	CredentialsAvailable.Set(float64(n))
}
