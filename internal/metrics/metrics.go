package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	slotStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "starts_total",
			Help:      "Number of successful process launches.",
		}, []string{"slot"},
	)
	slotLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "launch_failures_total",
			Help:      "Number of commands the OS refused to start.",
		}, []string{"slot"},
	)
	slotStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "stops_total",
			Help:      "Number of user stop requests that hit a running process.",
		}, []string{"slot"},
	)
	slotFinishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "finishes_total",
			Help:      "Number of finished runs by outcome.",
		}, []string{"slot", "outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "run_duration_seconds",
			Help:      "Wall time from launch to finalization.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"slot"},
	)
	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "running",
			Help:      "1 while the slot hosts a live process.",
		}, []string{"slot"},
	)
	logAppendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "log",
			Name:      "append_errors_total",
			Help:      "Captured lines that could not be written to the slot log.",
		}, []string{"slot"},
	)
	logTruncations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "log",
			Name:      "truncations_total",
			Help:      "Slot log truncations by reason (size, lines).",
		}, []string{"slot", "reason"},
	)
	staleCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "state",
			Name:      "stale_corrections_total",
			Help:      "Running records found without a live process and reset.",
		}, []string{"slot"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "state_transitions_total",
			Help:      "Number of internal phase transitions.",
		}, []string{"slot", "from", "to"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "cpu_percent",
			Help:      "CPU usage of the slot's live process.",
		}, []string{"slot"},
	)
	rssBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slotr",
			Subsystem: "slot",
			Name:      "rss_bytes",
			Help:      "Resident memory of the slot's live process.",
		}, []string{"slot"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		slotStarts, slotLaunchFailures, slotStops, slotFinishes, runDuration, running,
		logAppendErrors, logTruncations, staleCorrections, stateTransitions, cpuPercent, rssBytes,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(slot string) {
	if regOK.Load() {
		slotStarts.WithLabelValues(slot).Inc()
	}
}

func IncLaunchFailure(slot string) {
	if regOK.Load() {
		slotLaunchFailures.WithLabelValues(slot).Inc()
	}
}

func IncStop(slot string) {
	if regOK.Load() {
		slotStops.WithLabelValues(slot).Inc()
	}
}

func ObserveFinish(slot, outcome string, seconds float64) {
	if regOK.Load() {
		slotFinishes.WithLabelValues(slot, outcome).Inc()
		runDuration.WithLabelValues(slot).Observe(seconds)
	}
}

func SetRunning(slot string, on bool) {
	if regOK.Load() {
		v := 0.0
		if on {
			v = 1
		}
		running.WithLabelValues(slot).Set(v)
	}
}

func IncLogAppendError(slot string) {
	if regOK.Load() {
		logAppendErrors.WithLabelValues(slot).Inc()
	}
}

func IncLogTruncation(slot, reason string) {
	if regOK.Load() {
		logTruncations.WithLabelValues(slot, reason).Inc()
	}
}

func IncStaleCorrection(slot string) {
	if regOK.Load() {
		staleCorrections.WithLabelValues(slot).Inc()
	}
}

func RecordStateTransition(slot, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(slot, from, to).Inc()
	}
}

func SetUsage(slot string, cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(slot).Set(cpu)
		rssBytes.WithLabelValues(slot).Set(float64(rss))
	}
}

// ClearUsage drops the usage series of a slot once its process is gone.
func ClearUsage(slot string) {
	if regOK.Load() {
		cpuPercent.DeleteLabelValues(slot)
		rssBytes.DeleteLabelValues(slot)
	}
}
