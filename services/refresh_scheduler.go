package services

import (
	"context"
	"sync"
	"time"
)

// RefreshScheduler periodically asks the aggregate manager to refresh
// whatever is not fresh. Mutations can nudge it between ticks through
// Trigger; the nudge is coalescing, so a burst of writes costs one pass.
type RefreshScheduler struct {
	manager  *AggregateManager
	interval time.Duration
	logger   Logger

	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRefreshScheduler creates a scheduler; Start must be called to run it
func NewRefreshScheduler(manager *AggregateManager, interval time.Duration, logger Logger) *RefreshScheduler {
	if logger == nil {
		logger = NewDefaultLogger()
	}

	return &RefreshScheduler{
		manager:  manager,
		interval: interval,
		logger:   logger.With(String("component", "refresh_scheduler")),
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the scheduling loop
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Trigger requests a refresh pass outside the regular interval. Non-blocking;
// a pass already pending absorbs the request.
func (s *RefreshScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunOnce performs a single refresh pass synchronously
func (s *RefreshScheduler) RunOnce(ctx context.Context) {
	s.manager.RefreshStale(ctx)
}

// Stop halts the scheduling loop and waits for it to exit
func (s *RefreshScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *RefreshScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("refresh scheduler started", Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.manager.RefreshStale(ctx)
		case <-s.trigger:
			s.manager.RefreshStale(ctx)
		case <-s.stopChan:
			s.logger.Info("refresh scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped", String("reason", "context canceled"))
			return
		}
	}
}
