package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "omegawire"
	metricsSubsystem = "orchestrator"
)

// Metrics tracks dispatch outcomes, breaker states and abandoned handler
// executions. A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.RWMutex

	byCode           map[string]uint64
	orphaned         uint64
	orphanedInFlight int64

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec
	orphanedTotal    prometheus.Counter
	orphanedCurrent  prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// MetricsSnapshot provides a point-in-time view of dispatch counters.
type MetricsSnapshot struct {
	Dispatched       uint64            `json:"dispatched"`
	Succeeded        uint64            `json:"succeeded"`
	ByCode           map[string]uint64 `json:"by_code"`
	Orphaned         uint64            `json:"orphaned"`
	OrphanedInFlight int64             `json:"orphaned_in_flight"`
	CollectedAt      time.Time         `json:"collected_at"`
}

func newOrchestratorCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newOrchestratorGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newOrchestratorHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the orchestrator collectors. They are not registered
// until Register is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		byCode:           make(map[string]uint64),
		registerer:       registerer,
		dispatchTotal:    newOrchestratorCounterVec("dispatch_total", "Dispatches by result code (OK for successes)", []string{"code"}),
		dispatchDuration: newOrchestratorHistogramVec("dispatch_duration_seconds", "End to end dispatch duration", []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60}, []string{"outcome"}),
		circuitState:     newOrchestratorGaugeVec("circuit_state", "Breaker state per handler key (0 closed, 1 half-open, 2 open)", []string{"handler_key"}),
		orphanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "orphaned_executions_total",
			Help:      "Handler executions abandoned after the dispatch timed out",
		}),
		orphanedCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "orphaned_executions_inflight",
			Help:      "Abandoned handler executions that have not returned yet",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.dispatchTotal,
		m.dispatchDuration,
		m.circuitState,
		m.orphanedTotal,
		m.orphanedCurrent,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordDispatch(res DispatchResult) {
	if m == nil {
		return
	}
	code := res.Code()
	outcome := "error"
	if res.Result.OK {
		outcome = "ok"
	}

	m.mu.Lock()
	m.byCode[code]++
	m.mu.Unlock()

	m.dispatchTotal.WithLabelValues(code).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(float64(res.Metrics.TotalDurationMs) / 1000)
}

func (m *Metrics) setCircuitState(key string, state CircuitState) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(key).Set(state.gaugeValue())
}

func (m *Metrics) deleteCircuit(key string) {
	if m == nil {
		return
	}
	m.circuitState.DeleteLabelValues(key)
}

func (m *Metrics) orphanStarted() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.orphaned++
	m.orphanedInFlight++
	m.mu.Unlock()
	m.orphanedTotal.Inc()
	m.orphanedCurrent.Inc()
}

func (m *Metrics) orphanFinished() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.orphanedInFlight--
	m.mu.Unlock()
	m.orphanedCurrent.Dec()
}

// GetSnapshot returns a point-in-time copy of the dispatch counters.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{ByCode: map[string]uint64{}, CollectedAt: time.Now()}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		ByCode:           make(map[string]uint64, len(m.byCode)),
		Orphaned:         m.orphaned,
		OrphanedInFlight: m.orphanedInFlight,
		CollectedAt:      time.Now(),
	}
	for code, n := range m.byCode {
		snapshot.ByCode[code] = n
		snapshot.Dispatched += n
		if code == "OK" {
			snapshot.Succeeded += n
		}
	}
	return snapshot
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byCode = make(map[string]uint64)
	m.orphaned = 0
	m.orphanedInFlight = 0
	m.dispatchTotal.Reset()
	m.dispatchDuration.Reset()
	m.circuitState.Reset()
	m.orphanedCurrent.Set(0)
}
