package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"entity-hierarchy-engine/models"
)

// timingStats aggregates recorded durations for one metric
type timingStats struct {
	Count   int64         `json:"count"`
	Total   time.Duration `json:"total"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
}

// tierCounters tracks hits and misses for one cache tier
type tierCounters struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// InMemoryMetrics implements MetricsService using in-memory counters. The
// tier hit-rate surface is what operational tooling consumes to observe
// fallthrough behavior (an L2 outage shows up as an L2 miss spike with an L3
// hit spike, not as errors).
type InMemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	timings  map[string]*timingStats
	tiers    map[models.Tier]*tierCounters
	started  time.Time
}

// NewInMemoryMetrics creates a new in-memory metrics service
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters: make(map[string]int64),
		timings:  make(map[string]*timingStats),
		tiers:    make(map[models.Tier]*tierCounters),
		started:  time.Now(),
	}
}

// IncrementCounter increments a named counter
func (m *InMemoryMetrics) IncrementCounter(name string, tags map[string]string) {
	key := metricKey(name, tags)

	m.mu.Lock()
	m.counters[key]++
	m.mu.Unlock()
}

// RecordTiming records a duration sample for a named metric
func (m *InMemoryMetrics) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	key := metricKey(name, tags)

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.timings[key]
	if !exists {
		stats = &timingStats{Min: duration, Max: duration}
		m.timings[key] = stats
	}

	stats.Count++
	stats.Total += duration
	stats.Average = stats.Total / time.Duration(stats.Count)
	if duration < stats.Min {
		stats.Min = duration
	}
	if duration > stats.Max {
		stats.Max = duration
	}
}

// RecordTierHit records a cache hit on the given tier
func (m *InMemoryMetrics) RecordTierHit(tier models.Tier) {
	m.mu.Lock()
	m.tierCountersLocked(tier).Hits++
	m.mu.Unlock()
}

// RecordTierMiss records a cache miss on the given tier
func (m *InMemoryMetrics) RecordTierMiss(tier models.Tier) {
	m.mu.Lock()
	m.tierCountersLocked(tier).Misses++
	m.mu.Unlock()
}

// tierCountersLocked returns the counters for a tier; caller holds the lock
func (m *InMemoryMetrics) tierCountersLocked(tier models.Tier) *tierCounters {
	counters, exists := m.tiers[tier]
	if !exists {
		counters = &tierCounters{}
		m.tiers[tier] = counters
	}
	return counters
}

// TierHitRates returns the hit rate per cache tier
func (m *InMemoryMetrics) TierHitRates() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rates := make(map[string]float64, len(m.tiers))
	for tier, counters := range m.tiers {
		total := counters.Hits + counters.Misses
		if total > 0 {
			rates[tier.String()] = float64(counters.Hits) / float64(total)
		} else {
			rates[tier.String()] = 0
		}
	}
	return rates
}

// TierCounts returns raw hit/miss counts per tier
func (m *InMemoryMetrics) TierCounts() map[string]map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]map[string]int64, len(m.tiers))
	for tier, counters := range m.tiers {
		counts[tier.String()] = map[string]int64{
			"hits":   counters.Hits,
			"misses": counters.Misses,
		}
	}
	return counts
}

// GetMetrics returns a snapshot of all recorded metrics
func (m *InMemoryMetrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}

	timings := make(map[string]timingStats, len(m.timings))
	for k, v := range m.timings {
		timings[k] = *v
	}

	tiers := make(map[string]tierCounters, len(m.tiers))
	for tier, counters := range m.tiers {
		tiers[tier.String()] = *counters
	}

	return map[string]interface{}{
		"uptime":   time.Since(m.started).String(),
		"counters": counters,
		"timings":  timings,
		"tiers":    tiers,
	}
}

// metricKey builds a stable key from a metric name and its tags
func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(",%s=%s", k, tags[k]))
	}
	return b.String()
}
