package dish

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors shared by connections, listeners,
// repositories and nodes. A nil *Metrics records nothing, so components can
// call it unconditionally.
type Metrics struct {
	transmitted     *prometheus.CounterVec
	transmitErrors  *prometheus.CounterVec
	transmitLatency *prometheus.HistogramVec
	handled         *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	openConnections *prometheus.GaugeVec
	resolutions     *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	duplicates      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "packets_transmitted_total",
			Help:      "Packets transmitted that received a reply.",
		}, []string{"transport"}),
		transmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "transmit_errors_total",
			Help:      "Failed transmits by reason.",
		}, []string{"transport", "reason"}),
		transmitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dish",
			Name:      "transmit_duration_seconds",
			Help:      "Time from transmit to reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"transport"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "packets_handled_total",
			Help:      "Inbound packets passed to a handler.",
		}, []string{"transport"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "handler_errors_total",
			Help:      "Inbound packets whose handler returned an error.",
		}, []string{"transport"}),
		openConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dish",
			Name:      "open_connections",
			Help:      "Connections with a running session.",
		}, []string{"transport"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "resolutions_total",
			Help:      "Repository resolutions by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "deliveries_total",
			Help:      "Deliveries by direction and outcome.",
		}, []string{"direction", "outcome"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dish",
			Name:      "duplicate_deliveries_total",
			Help:      "Inbound deliveries dropped as duplicates.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transmitted, m.transmitErrors, m.transmitLatency,
			m.handled, m.handlerErrors, m.openConnections,
			m.resolutions, m.deliveries, m.duplicates,
		)
	}
	return m
}

func (m *Metrics) transmittedOK(transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.transmitted.WithLabelValues(transport).Inc()
	m.transmitLatency.WithLabelValues(transport).Observe(d.Seconds())
}

func (m *Metrics) transmitFailed(transport, reason string) {
	if m == nil {
		return
	}
	m.transmitErrors.WithLabelValues(transport, reason).Inc()
}

func (m *Metrics) handledPacket(transport string, err error) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(transport).Inc()
	if err != nil {
		m.handlerErrors.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) connectionOpened(transport string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(transport).Inc()
}

func (m *Metrics) connectionClosed(transport string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(transport).Dec()
}

func (m *Metrics) resolved(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) delivery(direction, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
