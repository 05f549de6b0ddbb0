// Package metrics exposes Prometheus collectors for the streaming client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stylestream"

// Drop and skip reasons used as label values.
const (
	ReasonUnknownFormat = "unknown_format"
	ReasonTooShort      = "too_short"
	ReasonDecodeFailed  = "decode_failed"
	ReasonEncodeFailed  = "encode_failed"
	ReasonSendFailed    = "send_failed"

	SkipReadbackPending = "readback_pending"
	SkipNoTarget        = "no_target"
	SkipNotReady        = "not_ready"
)

type Metrics struct {
	registry *prometheus.Registry

	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	framesDropped  *prometheus.CounterVec
	captureSkipped *prometheus.CounterVec
	sessionState   prometheus.Gauge
	receivedFPS    prometheus.Gauge
	usagePercent   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Captured frames encoded and sent to the server",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Stylized frames decoded from the server",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped in either direction",
		}, []string{"direction", "reason"}),
		captureSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_skipped_total",
			Help:      "Capture attempts skipped at the frame interval",
		}, []string{"reason"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0=disconnected 1=connecting 2=authenticating 3=ready 4=error)",
		}),
		receivedFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "received_fps",
			Help:      "Stylized frames received over the last accounting window",
		}),
		usagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_percent",
			Help:      "Server reported quota usage",
		}),
	}

	m.registry.MustRegister(
		m.framesSent,
		m.framesReceived,
		m.framesDropped,
		m.captureSkipped,
		m.sessionState,
		m.receivedFPS,
		m.usagePercent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) OutboundDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues("outbound", reason).Inc()
}

func (m *Metrics) InboundDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues("inbound", reason).Inc()
}

func (m *Metrics) CaptureSkipped(reason string) {
	if m == nil {
		return
	}
	m.captureSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

func (m *Metrics) SetReceivedFPS(fps float64) {
	if m == nil {
		return
	}
	m.receivedFPS.Set(fps)
}

func (m *Metrics) SetUsagePercent(percent float64) {
	if m == nil {
		return
	}
	m.usagePercent.Set(percent)
}
