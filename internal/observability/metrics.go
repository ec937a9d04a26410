package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the channel.
//
// Each Metrics owns its registry so that several managers (and tests) can
// coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive     prometheus.Gauge
	KeyAgreementsTotal *prometheus.CounterVec
	RotationsTotal     *prometheus.CounterVec
	KeyVersionsRetired prometheus.Counter

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration *prometheus.HistogramVec
	IntegrityFailuresTotal  *prometheus.CounterVec
	BytesProcessedTotal     *prometheus.CounterVec
	StreamChunksTotal       *prometheus.CounterVec

	// Certificate metrics
	CertificatesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// Session metrics
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "e2ee_sessions_active",
				Help: "Sessions holding live key material",
			},
		),

		KeyAgreementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_key_agreements_total",
				Help: "X25519 key agreements performed",
			},
			[]string{"result"},
		),

		RotationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_key_rotations_total",
				Help: "Session key rotations",
			},
			[]string{"role", "result"},
		),

		KeyVersionsRetired: f.NewCounter(
			prometheus.CounterOpts{
				Name: "e2ee_key_versions_retired_total",
				Help: "Previous key versions scrubbed after the grace period",
			},
		),

		// Crypto metrics
		CryptoOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation", "result"},
		),

		CryptoOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e2ee_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		),

		IntegrityFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_rejected_messages_total",
				Help: "Messages or chunks rejected, by error kind",
			},
			[]string{"operation", "kind"},
		),

		BytesProcessedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_bytes_processed_total",
				Help: "Plaintext bytes encrypted or decrypted",
			},
			[]string{"direction"},
		),

		StreamChunksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_stream_chunks_total",
				Help: "Stream chunks processed",
			},
			[]string{"direction"},
		),

		// Certificate metrics
		CertificatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_certificates_total",
				Help: "Device certificates issued or verified",
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

// RecordSessionOpened increments the active session gauge.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsActive.Inc()
}

// RecordSessionRetired decrements the active session gauge.
func (m *Metrics) RecordSessionRetired() {
	m.SessionsActive.Dec()
}

// RecordKeyAgreement counts a key agreement.
func (m *Metrics) RecordKeyAgreement(success bool) {
	m.KeyAgreementsTotal.WithLabelValues(result(success)).Inc()
}

// RecordRotation counts a rotation for role "initiator" or "responder".
func (m *Metrics) RecordRotation(role string, success bool) {
	m.RotationsTotal.WithLabelValues(role, result(success)).Inc()
}

// RecordKeyVersionRetired counts a scrubbed key version.
func (m *Metrics) RecordKeyVersionRetired() {
	m.KeyVersionsRetired.Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, success bool, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation, result(success)).Inc()
	m.CryptoOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordRejected counts a rejected message or chunk by error kind.
func (m *Metrics) RecordRejected(operation, kind string) {
	m.IntegrityFailuresTotal.WithLabelValues(operation, kind).Inc()
}

// RecordBytes counts plaintext bytes for direction "encrypt" or "decrypt".
func (m *Metrics) RecordBytes(direction string, n int64) {
	m.BytesProcessedTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordStreamChunks counts stream chunks for direction "encrypt" or "decrypt".
func (m *Metrics) RecordStreamChunks(direction string, n uint64) {
	m.StreamChunksTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordCertificate counts certificate operations ("issue", "verify").
func (m *Metrics) RecordCertificate(operation string, success bool) {
	m.CertificatesTotal.WithLabelValues(operation, result(success)).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
