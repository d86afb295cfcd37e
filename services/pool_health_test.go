package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoolStats struct {
	utilization float64
}

func (f *fakePoolStats) PoolUtilization() float64 {
	return f.utilization
}

func newTestMonitor(pool PoolStatsProvider, manager *AggregateManager, config *PoolHealthConfig) *PoolHealthMonitor {
	return NewPoolHealthMonitor(pool, manager, NewInMemoryMetrics(), newTestLogger(), config)
}

func TestPoolHealthMonitor_SaturationAlert(t *testing.T) {
	pool := &fakePoolStats{utilization: 0.9}
	monitor := newTestMonitor(pool, nil, nil)

	monitor.Sample()

	assert.False(t, monitor.IsHealthy())
	alerts := monitor.GetAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPoolSaturation, alerts[0].Kind)
	assert.Equal(t, 0.9, alerts[0].Value)

	// Pressure relieved; the next sample clears the state
	pool.utilization = 0.2
	monitor.Sample()
	assert.True(t, monitor.IsHealthy())
}

func TestPoolHealthMonitor_CooldownSuppressesRepeats(t *testing.T) {
	pool := &fakePoolStats{utilization: 0.95}
	monitor := newTestMonitor(pool, nil, &PoolHealthConfig{
		SampleInterval:       15 * time.Second,
		UtilizationThreshold: 0.80,
		StalenessSLA:         10 * time.Minute,
		AlertCooldown:        time.Hour,
		MaxAlertHistory:      100,
	})

	monitor.Sample()
	monitor.Sample()
	monitor.Sample()

	assert.Len(t, monitor.GetAlerts(), 1, "repeat alerts within the cooldown are suppressed")
	assert.False(t, monitor.IsHealthy())
}

func TestPoolHealthMonitor_StalenessSLAAlert(t *testing.T) {
	store := buildTestTree(t, "p1")
	manager := newTestManager(store, NewMemoryAggregateStore())

	// Never-refreshed aggregates report an age of the full SLA
	monitor := newTestMonitor(&fakePoolStats{utilization: 0.1}, manager, &PoolHealthConfig{
		SampleInterval:       15 * time.Second,
		UtilizationThreshold: 0.80,
		StalenessSLA:         10 * time.Minute,
		AlertCooldown:        time.Minute,
		MaxAlertHistory:      100,
	})

	monitor.Sample()

	assert.False(t, monitor.IsHealthy())
	alerts := monitor.GetAlerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, AlertStalenessSLA, alerts[0].Kind)

	// Refreshing every kind brings the monitor back under the SLA
	ctx := context.Background()
	for _, kind := range AllAggregateKinds {
		_, err := manager.Refresh(ctx, kind)
		require.NoError(t, err)
	}

	monitor.Sample()
	assert.True(t, monitor.IsHealthy())
}

func TestPoolHealthMonitor_HistoryCapped(t *testing.T) {
	pool := &fakePoolStats{utilization: 0.95}
	monitor := newTestMonitor(pool, nil, &PoolHealthConfig{
		SampleInterval:       15 * time.Second,
		UtilizationThreshold: 0.80,
		StalenessSLA:         10 * time.Minute,
		AlertCooldown:        0,
		MaxAlertHistory:      3,
	})

	for i := 0; i < 10; i++ {
		monitor.Sample()
	}

	assert.Len(t, monitor.GetAlerts(), 3)
}
