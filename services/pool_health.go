package services

import (
	"sync"
	"time"
)

// AlertKind classifies a health alert
type AlertKind string

const (
	AlertPoolSaturation AlertKind = "pool_saturation"
	AlertStalenessSLA   AlertKind = "staleness_sla"
)

// HealthAlert is one raised operational alert
type HealthAlert struct {
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// PoolHealthConfig holds monitor thresholds
type PoolHealthConfig struct {
	SampleInterval       time.Duration `json:"sample_interval"`
	UtilizationThreshold float64       `json:"utilization_threshold"`
	StalenessSLA         time.Duration `json:"staleness_sla"`
	AlertCooldown        time.Duration `json:"alert_cooldown"`
	MaxAlertHistory      int           `json:"max_alert_history"`
}

// DefaultPoolHealthConfig returns default monitor settings. The 0.80
// utilization threshold leaves headroom before acquisition latency climbs.
func DefaultPoolHealthConfig() *PoolHealthConfig {
	return &PoolHealthConfig{
		SampleInterval:       15 * time.Second,
		UtilizationThreshold: 0.80,
		StalenessSLA:         10 * time.Minute,
		AlertCooldown:        time.Minute,
		MaxAlertHistory:      100,
	}
}

// PoolHealthMonitor samples connection-pool utilization and aggregate
// staleness, raising alerts when either crosses its threshold. Alerts are
// advisory: nothing is throttled or shed here, the monitor only makes the
// pressure visible before it becomes an outage.
type PoolHealthMonitor struct {
	pool    PoolStatsProvider
	manager *AggregateManager
	metrics MetricsService
	logger  Logger
	config  *PoolHealthConfig

	mu        sync.Mutex
	alerts    []HealthAlert
	lastRaise map[AlertKind]time.Time
	healthy   bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoolHealthMonitor creates a monitor; Start must be called to sample
func NewPoolHealthMonitor(pool PoolStatsProvider, manager *AggregateManager, metrics MetricsService, logger Logger, config *PoolHealthConfig) *PoolHealthMonitor {
	if config == nil {
		config = DefaultPoolHealthConfig()
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	return &PoolHealthMonitor{
		pool:      pool,
		manager:   manager,
		metrics:   metrics,
		logger:    logger.With(String("component", "pool_health_monitor")),
		config:    config,
		lastRaise: make(map[AlertKind]time.Time),
		healthy:   true,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the sampling loop
func (m *PoolHealthMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the sampling loop
func (m *PoolHealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// Sample takes one measurement pass. Exposed for deterministic tests; the
// background loop calls it on every tick.
func (m *PoolHealthMonitor) Sample() {
	healthy := true

	utilization := m.pool.PoolUtilization()
	if utilization >= m.config.UtilizationThreshold {
		healthy = false
		m.raise(HealthAlert{
			Kind:      AlertPoolSaturation,
			Message:   "connection pool utilization over threshold",
			Value:     utilization,
			Threshold: m.config.UtilizationThreshold,
			RaisedAt:  time.Now(),
		})
	}

	if m.manager != nil {
		for kind, age := range m.manager.StalenessAges() {
			if age < m.config.StalenessSLA {
				continue
			}
			healthy = false
			m.raise(HealthAlert{
				Kind:      AlertStalenessSLA,
				Message:   "aggregate " + string(kind) + " stale beyond SLA",
				Value:     age.Seconds(),
				Threshold: m.config.StalenessSLA.Seconds(),
				RaisedAt:  time.Now(),
			})
		}
	}

	m.mu.Lock()
	m.healthy = healthy
	m.mu.Unlock()
}

// IsHealthy reports whether the last sample was under every threshold
func (m *PoolHealthMonitor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// GetAlerts returns the retained alert history, oldest first
func (m *PoolHealthMonitor) GetAlerts() []HealthAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]HealthAlert, len(m.alerts))
	copy(alerts, m.alerts)
	return alerts
}

// raise records an alert unless the same kind fired within the cooldown
func (m *PoolHealthMonitor) raise(alert HealthAlert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastRaise[alert.Kind]; ok && time.Since(last) < m.config.AlertCooldown {
		return
	}
	m.lastRaise[alert.Kind] = time.Now()

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.config.MaxAlertHistory {
		m.alerts = m.alerts[len(m.alerts)-m.config.MaxAlertHistory:]
	}

	m.metrics.IncrementCounter("health_alerts", map[string]string{"kind": string(alert.Kind)})
	m.logger.Warn("health alert raised",
		String("kind", string(alert.Kind)),
		String("message", alert.Message),
		Float64("value", alert.Value),
		Float64("threshold", alert.Threshold))
}

func (m *PoolHealthMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.logger.Info("pool health monitor started",
		Float64("utilization_threshold", m.config.UtilizationThreshold),
		Duration("staleness_sla", m.config.StalenessSLA))

	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-m.stopChan:
			return
		}
	}
}
