package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "voice_gateway"

// Collectors holds the live prometheus series of one gateway instance
type Collectors struct {
	registry *prometheus.Registry

	ActiveConnections      prometheus.Gauge
	SessionsTotal          *prometheus.CounterVec
	SessionDuration        prometheus.Histogram
	MessagesTotal          *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	AudioBytesTotal        *prometheus.CounterVec
	AudioProcessingSeconds prometheus.Histogram
	ConnectionsRejected    *prometheus.CounterVec
}

// NewCollectors registers every series on a fresh registry
func NewCollectors(namespace string) *Collectors {
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()

	c := &Collectors{
		registry: registry,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live voice connections",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished voice sessions by close reason",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound client messages by type",
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Session errors by kind",
		}, []string{"kind"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes by direction",
		}, []string{"direction"}),
		AudioProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_processing_seconds",
			Help:      "Time spent in the audio pipeline per frame",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused during setup by reason",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		c.ActiveConnections,
		c.SessionsTotal,
		c.SessionDuration,
		c.MessagesTotal,
		c.ErrorsTotal,
		c.AudioBytesTotal,
		c.AudioProcessingSeconds,
		c.ConnectionsRejected,
	)
	return c
}

// Handler exposes the registry in the prometheus text format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) ConnectionOpened() {
	c.ActiveConnections.Inc()
}

func (c *Collectors) ConnectionClosed(reason string, duration time.Duration) {
	c.ActiveConnections.Dec()
	c.SessionsTotal.WithLabelValues(reason).Inc()
	c.SessionDuration.Observe(duration.Seconds())
}

func (c *Collectors) RecordMessage(msgType string) {
	c.MessagesTotal.WithLabelValues(msgType).Inc()
}

func (c *Collectors) RecordError(kind string) {
	c.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordAudio direction is "in" or "out"
func (c *Collectors) RecordAudio(direction string, bytes int, elapsed time.Duration) {
	if bytes > 0 {
		c.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
	if elapsed > 0 {
		c.AudioProcessingSeconds.Observe(elapsed.Seconds())
	}
}

func (c *Collectors) RecordRejection(reason string) {
	c.ConnectionsRejected.WithLabelValues(reason).Inc()
}
