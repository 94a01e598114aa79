package oplog

import (
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "oplog"
	metricsSubsystem = "fetcher"
)

// Metrics records oplog fetcher activity per sync source. One Metrics can
// be shared by successive fetchers.
type Metrics struct {
	Batches          *prometheus.CounterVec
	Documents        *prometheus.CounterVec
	Bytes            *prometheus.CounterVec
	AppliedDocuments *prometheus.CounterVec
	AppliedBytes     *prometheus.CounterVec
	Restarts         *prometheus.CounterVec
	Terminations     *prometheus.CounterVec
	LastFetched      *prometheus.GaugeVec
}

// NewMetrics returns unregistered fetcher metrics.
func NewMetrics() *Metrics {
	labels := []string{"source"}
	return &Metrics{
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batches_total",
			Help:      "Number of oplog batches received",
		}, labels),
		Documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "documents_total",
			Help:      "Number of oplog entries received",
		}, labels),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_total",
			Help:      "Size in bytes of oplog entries received",
		}, labels),
		AppliedDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "applied_documents_total",
			Help:      "Number of oplog entries enqueued for application",
		}, labels),
		AppliedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "applied_bytes_total",
			Help:      "Size in bytes of oplog entries enqueued for application",
		}, labels),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "restarts_total",
			Help:      "Number of oplog queries restarted after an error",
		}, labels),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "terminations_total",
			Help:      "Number of fetchers that finished, by status code",
		}, []string{"source", "code"}),
		LastFetched: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "last_fetched_timestamp_seconds",
			Help:      "Timestamp of the last oplog entry fetched",
		}, labels),
	}
}

// PrometheusCollectors returns every collector of m for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Batches,
		m.Documents,
		m.Bytes,
		m.AppliedDocuments,
		m.AppliedBytes,
		m.Restarts,
		m.Terminations,
		m.LastFetched,
	}
}

func (m *Metrics) observeBatch(source string, info DocumentsInfo) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(source).Inc()
	m.Documents.WithLabelValues(source).Add(float64(info.NetworkDocumentCount))
	m.Bytes.WithLabelValues(source).Add(float64(info.NetworkDocumentBytes))
}

func (m *Metrics) observeEnqueued(source string, info DocumentsInfo) {
	if m == nil {
		return
	}
	m.AppliedDocuments.WithLabelValues(source).Add(float64(info.ToApplyDocumentCount))
	m.AppliedBytes.WithLabelValues(source).Add(float64(info.ToApplyDocumentBytes))
	if info.ToApplyDocumentCount > 0 {
		m.LastFetched.WithLabelValues(source).Set(float64(info.LastDocument.OpTime.Timestamp.T))
	}
}

func (m *Metrics) observeRestart(source string) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(source).Inc()
}

func (m *Metrics) observeTermination(source string, err error) {
	if m == nil {
		return
	}
	code := "ok"
	if err != nil {
		code = errors.ErrorCode(err)
	}
	m.Terminations.WithLabelValues(source, code).Inc()
}
