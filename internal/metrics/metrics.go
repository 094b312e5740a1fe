// Package metrics exposes driver and commissioning counters to Prometheus.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the driver's collectors.
type Metrics struct {
	Frames          *prometheus.CounterVec   // labels: direction=rx|tx
	FrameErrors     *prometheus.CounterVec   // labels: reason
	Commands        *prometheus.CounterVec   // labels: command, result
	CommandDuration *prometheus.HistogramVec // labels: command
	QueueDepth      prometheus.Gauge
	QueueInFlight   prometheus.Gauge
	Waiters         *prometheus.GaugeVec // labels: kind=command|zdo
	ApsData         *prometheus.CounterVec
	WatchdogFailed  prometheus.Counter
	WatchdogResets  prometheus.Counter
	State           prometheus.Gauge
}

// New registers the driver collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blz_frames_total",
			Help: "Frames exchanged with the coprocessor.",
		}, []string{"direction"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blz_frame_errors_total",
			Help: "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blz_commands_total",
			Help: "Commands executed, by command and result.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blz_command_duration_seconds",
			Help:    "Round trip time of answered commands.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"command"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blz_queue_depth",
			Help: "Requests waiting for a queue slot.",
		}),
		QueueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blz_queue_in_flight",
			Help: "Requests holding a queue slot.",
		}),
		Waiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blz_waiters",
			Help: "Pending response waiters.",
		}, []string{"kind"}),
		ApsData: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blz_aps_data_total",
			Help: "APS data frames, by direction and outcome.",
		}, []string{"direction", "result"}),
		WatchdogFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blz_watchdog_failures_total",
			Help: "Failed heartbeats.",
		}),
		WatchdogResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blz_watchdog_resets_total",
			Help: "Full driver resets triggered by the watchdog.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blz_commissioning_state",
			Help: "Current commissioning state as its ordinal.",
		}),
	}
	reg.MustRegister(
		m.Frames, m.FrameErrors, m.Commands, m.CommandDuration,
		m.QueueDepth, m.QueueInFlight, m.Waiters, m.ApsData,
		m.WatchdogFailed, m.WatchdogResets, m.State,
	)
	return m
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.Frames.WithLabelValues("tx").Inc()
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.Frames.WithLabelValues("rx").Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.FrameErrors.WithLabelValues(reason).Inc()
	}
}

// CommandDone records one command outcome. elapsed is observed only for
// answered commands.
func (m *Metrics) CommandDone(command, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, result).Inc()
	if result == "ok" {
		m.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) QueueWaiting(delta float64) {
	if m != nil {
		m.QueueDepth.Add(delta)
	}
}

func (m *Metrics) QueueRunning(delta float64) {
	if m != nil {
		m.QueueInFlight.Add(delta)
	}
}

func (m *Metrics) SetWaiters(kind string, n int) {
	if m != nil {
		m.Waiters.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) ApsDataEvent(direction, result string) {
	if m != nil {
		m.ApsData.WithLabelValues(direction, result).Inc()
	}
}

func (m *Metrics) HeartbeatFailed() {
	if m != nil {
		m.WatchdogFailed.Inc()
	}
}

func (m *Metrics) WatchdogReset() {
	if m != nil {
		m.WatchdogResets.Inc()
	}
}

func (m *Metrics) SetState(ordinal int) {
	if m != nil {
		m.State.Set(float64(ordinal))
	}
}
