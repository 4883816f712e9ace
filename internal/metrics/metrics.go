// Package metrics exposes Prometheus collectors for the whiteboard server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netsketch"

// Command status label values.
const (
	StatusOK       = "ok"
	StatusInvalid  = "invalid"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Eviction reasons.
const (
	ReasonInactive  = "inactive"
	ReasonSlowPeer  = "slow_peer"
	ReasonIOError   = "io_error"
	ReasonExit      = "exit"
	ReasonInvalid   = "invalid"
	ReasonShutdown  = "shutdown"
	ReasonPeerClose = "peer_close"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	factory              promauto.Factory
	sessionsActive       prometheus.Gauge
	sessionsDisconnected prometheus.Gauge
	drawings             prometheus.Gauge
	commandsTotal        *prometheus.CounterVec
	removalsTotal        *prometheus.CounterVec
	adoptionsTotal       prometheus.Counter
	adoptedLinesTotal    prometheus.Counter
	rejectedTotal        prometheus.Counter
	broadcastLinesTotal  prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		factory: factory,

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),
		sessionsDisconnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_disconnected",
			Help:      "Number of departed sessions inside their reconnect grace window",
		}),
		drawings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawings",
			Help:      "Number of draw commands on the canvas",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Protocol lines processed by verb and status",
		}, []string{"verb", "status"}),
		removalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_removals_total",
			Help:      "Sessions removed by reason",
		}, []string{"reason"}),
		adoptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adoptions_total",
			Help:      "Disconnected sessions whose buffered commands were adopted",
		}),
		adoptedLinesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adopted_lines_total",
			Help:      "Buffered lines replayed during adoption",
		}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused at admission",
		}),
		broadcastLinesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_lines_total",
			Help:      "Lines fanned out to peers",
		}),
	}
}

// Command counts one processed line.
func (m *Metrics) Command(verb, status string) {
	if m == nil {
		return
	}
	if verb == "" {
		verb = "unknown"
	}
	m.commandsTotal.WithLabelValues(verb, status).Inc()
}

// Removed counts one session removal.
func (m *Metrics) Removed(reason string) {
	if m == nil {
		return
	}
	m.removalsTotal.WithLabelValues(reason).Inc()
}

// Adopted counts one adoption of n lines.
func (m *Metrics) Adopted(n int) {
	if m == nil {
		return
	}
	m.adoptionsTotal.Inc()
	m.adoptedLinesTotal.Add(float64(n))
}

// Rejected counts one refused connection.
func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.rejectedTotal.Inc()
}

// Broadcast counts lines queued to peers.
func (m *Metrics) Broadcast(n int) {
	if m == nil || n == 0 {
		return
	}
	m.broadcastLinesTotal.Add(float64(n))
}

// Gauges sets the population gauges.
func (m *Metrics) Gauges(active, disconnected, drawings int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(active))
	m.sessionsDisconnected.Set(float64(disconnected))
	m.drawings.Set(float64(drawings))
}

// ObserveJournal exports the journal's drop count, read at scrape time.
func (m *Metrics) ObserveJournal(dropped func() int) {
	if m == nil {
		return
	}
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journal_dropped_total",
		Help:      "Journal entries dropped because the write queue was full",
	}, func() float64 { return float64(dropped()) })
}

// ObserveAdmission exports the number of admission slots held, read at scrape time.
func (m *Metrics) ObserveAdmission(active func() int) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_admitted",
		Help:      "Connections holding an admission slot",
	}, func() float64 { return float64(active()) })
}
