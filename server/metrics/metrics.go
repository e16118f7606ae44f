package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed prometheus.Counter
	framesDropped   prometheus.Counter
	frameErrors     *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	guardDowngrades prometheus.Counter
	lockSwitches    prometheus.Counter
	evalLatency     prometheus.Histogram
	detectorLatency prometheus.Histogram
	calibrationFits *prometheus.CounterVec
	alertsPublished prometheus.Counter
}

// New registers the collectors. activeSessions is sampled on every scrape.
func New(activeSessions func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcw_frames_processed_total",
			Help: "Frames that produced a decision",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcw_frames_dropped_total",
			Help: "Streamed frames replaced by a newer frame before processing",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fcw_frame_errors_total",
			Help: "Frames rejected before evaluation",
		}, []string{"reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fcw_decisions_total",
			Help: "Decisions by alert level",
		}, []string{"level"}),
		guardDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcw_red_guard_downgrades_total",
			Help: "Frames where an uncorroborated RED was held at ORANGE",
		}),
		lockSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcw_lock_switches_total",
			Help: "Confirmed target lock switches",
		}),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fcw_frame_latency_seconds",
			Help:    "Time from frame receipt to decision",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		detectorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fcw_detector_latency_seconds",
			Help:    "Remote detector round trip",
			Buckets: prometheus.DefBuckets,
		}),
		calibrationFits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fcw_calibration_fits_total",
			Help: "Calibration fits by outcome",
		}, []string{"outcome"}),
		alertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcw_alerts_published_total",
			Help: "Level transitions published over MQTT",
		}),
	}

	m.registry.MustRegister(
		m.framesProcessed,
		m.framesDropped,
		m.frameErrors,
		m.decisions,
		m.guardDowngrades,
		m.lockSwitches,
		m.evalLatency,
		m.detectorLatency,
		m.calibrationFits,
		m.alertsPublished,
	)

	if activeSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "fcw_active_sessions",
				Help: "Camera sessions currently held in memory",
			},
			activeSessions,
		))
	}

	return m
}

// ObserveDecision records one evaluated frame.
func (m *Metrics) ObserveDecision(level string, guarded, switched bool, latency time.Duration) {
	m.framesProcessed.Inc()
	m.decisions.WithLabelValues(level).Inc()
	if guarded {
		m.guardDowngrades.Inc()
	}
	if switched {
		m.lockSwitches.Inc()
	}
	m.evalLatency.Observe(latency.Seconds())
}

func (m *Metrics) FrameDropped() {
	m.framesDropped.Inc()
}

func (m *Metrics) FrameError(reason string) {
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDetector(d time.Duration) {
	m.detectorLatency.Observe(d.Seconds())
}

func (m *Metrics) CalibrationFit(outcome string) {
	m.calibrationFits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AlertPublished() {
	m.alertsPublished.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
