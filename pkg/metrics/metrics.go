package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/ifcfg"
	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

// Server stats that are point-in-time levels rather than running totals.
var gaugeStats = map[string]bool{
	"sessions_active": true,
	"offers_pending":  true,
	"delayed_pado":    true,
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Discovery metrics
	discoveryEvents *prometheus.CounterVec
	discoveryLevels *prometheus.GaugeVec
	serversRunning  prometheus.Gauge

	// Session metrics
	sessionsUp      *prometheus.CounterVec
	sessionsDown    *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec

	// Interface configuration metrics
	ifcfgActive     prometheus.Gauge
	ifcfgOperations *prometheus.CounterVec

	// References for collection
	registry *pppoe.Registry
	ifcfg    *ifcfg.Manager
	logger   *zap.Logger

	mu        sync.Mutex
	lastStats map[string]map[string]uint64
	lastIfcfg ifcfg.Stats
}

// New creates a new Metrics instance. Either source may be nil.
func New(registry *pppoe.Registry, ifcfgMgr *ifcfg.Manager, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		registry:  registry,
		ifcfg:     ifcfgMgr,
		logger:    logger,
		lastStats: make(map[string]map[string]uint64),

		discoveryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pppoe_ac_discovery_events_total",
				Help: "Discovery stage events by interface and event",
			},
			[]string{"interface", "event"},
		),

		discoveryLevels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pppoe_ac_discovery_state",
				Help: "Current discovery state counts (sessions, offers, delayed PADOs) by interface",
			},
			[]string{"interface", "state"},
		),

		serversRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pppoe_ac_servers_running",
				Help: "Number of interfaces with a running discovery server",
			},
		),

		sessionsUp: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pppoe_ac_sessions_established_total",
				Help: "Sessions established by interface and service name",
			},
			[]string{"interface", "service"},
		),

		sessionsDown: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pppoe_ac_sessions_terminated_total",
				Help: "Sessions terminated by interface and cause",
			},
			[]string{"interface", "cause"},
		),

		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pppoe_ac_session_duration_seconds",
				Help:    "Session duration at termination",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400, 604800},
			},
			[]string{"interface"},
		),

		ifcfgActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pppoe_ac_ifcfg_active",
				Help: "Session interfaces currently configured",
			},
		),

		ifcfgOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pppoe_ac_ifcfg_operations_total",
				Help: "Session interface operations by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.discoveryEvents,
		m.discoveryLevels,
		m.serversRunning,
		m.sessionsUp,
		m.sessionsDown,
		m.sessionDuration,
		m.ifcfgActive,
		m.ifcfgOperations,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// SessionUp records an established session.
func (m *Metrics) SessionUp(ev pppoe.SessionEvent) {
	m.sessionsUp.WithLabelValues(ev.Interface, ev.ServiceName).Inc()
}

// SessionDown records a terminated session.
func (m *Metrics) SessionDown(ev pppoe.SessionEvent) {
	m.sessionsDown.WithLabelValues(ev.Interface, ev.Cause.String()).Inc()
	m.sessionDuration.WithLabelValues(ev.Interface).Observe(ev.Duration.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect pulls server and interface configuration stats
func (m *Metrics) Collect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry != nil {
		all := m.registry.Stats()
		m.serversRunning.Set(float64(len(all)))
		for ifname, stats := range all {
			m.updateServerStats(ifname, stats)
		}
		for ifname := range m.lastStats {
			if _, ok := all[ifname]; !ok {
				delete(m.lastStats, ifname)
				m.discoveryLevels.DeletePartialMatch(prometheus.Labels{"interface": ifname})
			}
		}
	}

	if m.ifcfg != nil {
		m.updateIfcfgStats(m.ifcfg.Stats())
	}
}

// updateServerStats turns running totals into counter increments and
// copies levels straight into gauges.
func (m *Metrics) updateServerStats(ifname string, stats map[string]uint64) {
	last := m.lastStats[ifname]
	for key, v := range stats {
		if gaugeStats[key] {
			m.discoveryLevels.WithLabelValues(ifname, key).Set(float64(v))
			continue
		}
		// A server restarted on the same interface starts again from zero.
		delta := v
		if prev, ok := last[key]; ok && v >= prev {
			delta = v - prev
		}
		if delta > 0 {
			m.discoveryEvents.WithLabelValues(ifname, key).Add(float64(delta))
		}
	}
	m.lastStats[ifname] = stats
}

func (m *Metrics) updateIfcfgStats(s ifcfg.Stats) {
	m.ifcfgActive.Set(float64(s.Active))
	add := func(result string, cur, prev uint64) {
		if cur > prev {
			m.ifcfgOperations.WithLabelValues(result).Add(float64(cur - prev))
		}
	}
	add("up", s.Ups, m.lastIfcfg.Ups)
	add("down", s.Downs, m.lastIfcfg.Downs)
	add("failed", s.Failures, m.lastIfcfg.Failures)
	add("dropped", s.Dropped, m.lastIfcfg.Dropped)
	m.lastIfcfg = s
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
