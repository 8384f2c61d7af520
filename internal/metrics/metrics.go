// Package metrics exposes Prometheus instruments for uploads and
// registrations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "audiencesync"

// Metrics holds the instruments. Create with New, then Register.
type Metrics struct {
	Uploads        *prometheus.CounterVec
	Registrations  *prometheus.CounterVec
	UploadDuration *prometheus.HistogramVec
	PendingBatches *prometheus.GaugeVec
}

// New creates unregistered instruments.
func New() *Metrics {
	return &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Batch uploads by property and outcome",
		}, []string{"property", "outcome"}),

		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration requests by kind (create, update, skip) and outcome",
		}, []string{"kind", "outcome"}),

		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Latency of batch uploads",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"property"}),

		PendingBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batches",
			Help:      "Batches waiting in each property queue",
		}, []string{"property"}),
	}
}

// Register registers the instruments on reg (or the default registerer if
// nil). Instruments already registered are not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.Uploads, m.Registrations, m.UploadDuration, m.PendingBatches} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(property, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(property, outcome).Inc()
	m.UploadDuration.WithLabelValues(property).Observe(elapsed.Seconds())
}

// ObserveRegistration records one registration decision.
func (m *Metrics) ObserveRegistration(kind, outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(kind, outcome).Inc()
}

// SetPending records the queue depth of property.
func (m *Metrics) SetPending(property string, batches int) {
	if m == nil {
		return
	}
	m.PendingBatches.WithLabelValues(property).Set(float64(batches))
}
