// Package metrics exports server and update session metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ServerObserver records server and session activity. It satisfies the
// observer interfaces of both the server and ota packages.
type ServerObserver struct {
	slotsGauge     prometheus.Gauge
	acceptTotal    *prometheus.CounterVec
	handshakeTotal *prometheus.CounterVec
	messageTotal   *prometheus.CounterVec
	sessionTotal   *prometheus.CounterVec
	firmwareBytes  prometheus.Counter
}

// NewServerObserver registers server metrics on the registry.
func NewServerObserver(reg *prometheus.Registry) *ServerObserver {
	o := &ServerObserver{
		slotsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corsacota_slots_in_use",
			Help: "Connection slots currently holding a connection.",
		}),
		acceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corsacota_accept_total",
			Help: "Accepted TCP connections by result.",
		}, []string{"result"}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corsacota_handshake_total",
			Help: "WebSocket upgrade attempts by result.",
		}, []string{"result"}),
		messageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corsacota_messages_total",
			Help: "WebSocket messages dispatched by kind.",
		}, []string{"kind"}),
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corsacota_session_events_total",
			Help: "OTA session transitions by event.",
		}, []string{"event"}),
		firmwareBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corsacota_firmware_bytes_total",
			Help: "Image bytes written to the update partition.",
		}),
	}
	reg.MustRegister(
		o.slotsGauge,
		o.acceptTotal,
		o.handshakeTotal,
		o.messageTotal,
		o.sessionTotal,
		o.firmwareBytes,
	)
	return o
}

func (o *ServerObserver) SlotsInUse(n int) {
	o.slotsGauge.Set(float64(n))
}

func (o *ServerObserver) Accepted(result string) {
	o.acceptTotal.WithLabelValues(result).Inc()
}

func (o *ServerObserver) Handshake(result string) {
	o.handshakeTotal.WithLabelValues(result).Inc()
}

func (o *ServerObserver) Message(kind string) {
	o.messageTotal.WithLabelValues(kind).Inc()
}

func (o *ServerObserver) SessionEvent(event string) {
	o.sessionTotal.WithLabelValues(event).Inc()
}

func (o *ServerObserver) FirmwareWritten(n int) {
	o.firmwareBytes.Add(float64(n))
}
