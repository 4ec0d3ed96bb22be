package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "icyrelay"
	metricsSubsystem = "relay"
)

type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
	audioBytes       prometheus.Counter
	metadataBytes    prometheus.Counter
	mountResolutions *prometheus.CounterVec
	rateLimited      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_active",
			Help:      "Client streams currently being relayed.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_total",
			Help:      "Finished client streams by outcome.",
		}, []string{"outcome"}),
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "upstream_attempts_total",
			Help:      "Upstream connection attempts by dialect and result.",
		}, []string{"dialect", "result"}),
		reconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_total",
			Help:      "Mid-stream upstream reconnects by reason.",
		}, []string{"reason"}),
		audioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes written to clients.",
		}),
		metadataBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "metadata_bytes_stripped_total",
			Help:      "Inline ICY metadata bytes removed from upstream bodies.",
		}),
		mountResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "mount_resolutions_total",
			Help:      "Mount discoveries by the method that produced the mount.",
		}, []string{"method"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rate_limited_total",
			Help:      "Stream requests rejected by the per client rate limit.",
		}),
	}
}
