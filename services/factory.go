package services

import (
	"context"
	"fmt"
	"os"

	"entity-hierarchy-engine/config"
	"entity-hierarchy-engine/database"
	"entity-hierarchy-engine/models"
)

// ServiceContainer holds every initialized service for one partition
type ServiceContainer struct {
	Config      *config.Config
	Logger      Logger
	Metrics     MetricsService
	Postgres    *database.PostgresService
	Store       HierarchyStore
	LocalCache  CacheService
	SharedCache SharedCache
	AggStore    AggregateStore
	Manager     *AggregateManager
	Coordinator *TierCoordinator
	Broadcaster *InvalidationBroadcaster
	Scheduler   *RefreshScheduler
	Resolver    *HierarchyResolver
	Monitor     *PoolHealthMonitor
	Health      *HealthService
}

// ServiceFactory builds the service container from configuration
type ServiceFactory struct {
	config *config.Config
	logger Logger
}

// NewServiceFactory creates a factory
func NewServiceFactory(cfg *config.Config) *ServiceFactory {
	logger := NewLogger(ParseLogLevel(cfg.Logging.Level), ParseLogFormat(cfg.Logging.Format), os.Stdout)
	return &ServiceFactory{
		config: cfg,
		logger: logger,
	}
}

// CreateServices initializes and wires every service. Background goroutines
// (scheduler, broadcaster dispatcher, health monitor) are started before
// returning; Shutdown stops them in reverse order.
func (f *ServiceFactory) CreateServices(ctx context.Context) (*ServiceContainer, error) {
	cfg := f.config
	partition := models.PartitionID(cfg.Partition)

	f.logger.Info("initializing services", String("partition", cfg.Partition))

	metrics := NewInMemoryMetrics()

	// Durable store (L3)
	pg, err := database.NewPostgresService(&database.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := database.NewPgHierarchyStore(pg, partition)

	// L1. A disabled local tier still satisfies CacheService; it just never
	// stores anything, so every read falls through to L2.
	var local CacheService
	if cfg.Cache.Enabled {
		local = NewShardedCache(cfg.Cache.Shards, cfg.Cache.MaxSizePerShard, cfg.Cache.CleanupInterval)
	} else {
		f.logger.Warn("local cache disabled; reads fall through to shared tiers")
		local = NewDisabledCache()
	}

	// L2. Disabled configurations still get a SharedCache so the coordinator
	// has one code path; the in-memory stand-in never leaves the process.
	var shared SharedCache
	if cfg.Redis.Enabled {
		shared = NewRedisSharedCache(&RedisCacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  cfg.Redis.Timeout,
		}, f.logger)
	} else {
		f.logger.Warn("shared cache disabled; using in-process stand-in")
		shared = NewMemorySharedCache()
	}

	// L4
	sqlDB, err := pg.StdlibDB()
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to open aggregate store connection: %w", err)
	}
	aggStore := NewDatabaseAggregateStore(sqlDB, f.logger)

	locker := database.NewPgRefreshLock(pg.Pool())
	manager := NewAggregateManager(store, aggStore, locker, metrics, f.logger, &AggregateManagerConfig{
		RefreshTimeout: cfg.Aggregate.LockLease,
		StalenessSLA:   cfg.Aggregate.StalenessSLA,
	})

	coordinator := NewTierCoordinator(local, shared, manager, store, aggStore, metrics, f.logger, &TierCoordinatorConfig{
		LocalTTL:  cfg.Cache.DefaultTTL,
		SharedTTL: cfg.Cache.SharedTTL,
	})

	broadcaster := NewInvalidationBroadcaster(shared, metrics, f.logger, &BroadcasterConfig{
		QueueSize:        1024,
		DeliveryAttempts: 3,
		Channel:          cfg.Redis.InvalidationChannel,
	})
	broadcaster.Start()

	scheduler := NewRefreshScheduler(manager, cfg.Aggregate.RefreshInterval, f.logger)
	scheduler.Start(ctx)

	resolver := NewHierarchyResolver(store, coordinator, manager, broadcaster, scheduler, metrics, f.logger)

	var monitor *PoolHealthMonitor
	if cfg.Monitor.Enabled {
		monitor = NewPoolHealthMonitor(pg, manager, metrics, f.logger, &PoolHealthConfig{
			SampleInterval:       cfg.Monitor.SampleInterval,
			UtilizationThreshold: cfg.Monitor.UtilizationThreshold,
			StalenessSLA:         cfg.Aggregate.StalenessSLA,
			AlertCooldown:        cfg.Monitor.AlertCooldown,
			MaxAlertHistory:      100,
		})
		monitor.Start()
	}

	health := NewHealthService(f.logger)
	health.RegisterCritical(HealthCheckFunc{CheckName: "database", Fn: pg.Health})
	health.RegisterOptional(HealthCheckFunc{CheckName: "shared_cache", Fn: shared.Ping})
	if monitor != nil {
		health.RegisterOptional(HealthCheckFunc{CheckName: "pool_pressure", Fn: func(ctx context.Context) error {
			if !monitor.IsHealthy() {
				return fmt.Errorf("monitor thresholds exceeded")
			}
			return nil
		}})
	}

	// Settle anything a previous instance left mid-move before serving
	if pending, err := store.RecoverIncompleteMoves(ctx); err != nil {
		f.logger.Error("failed to recover incomplete moves", err)
	} else if len(pending) > 0 {
		f.logger.Warn("settled incomplete moves from previous run", Int("count", len(pending)))
	}

	f.logger.Info("services initialized")

	return &ServiceContainer{
		Config:      cfg,
		Logger:      f.logger,
		Metrics:     metrics,
		Postgres:    pg,
		Store:       store,
		LocalCache:  local,
		SharedCache: shared,
		AggStore:    aggStore,
		Manager:     manager,
		Coordinator: coordinator,
		Broadcaster: broadcaster,
		Scheduler:   scheduler,
		Resolver:    resolver,
		Monitor:     monitor,
		Health:      health,
	}, nil
}

// Shutdown stops background work and releases connections
func (c *ServiceContainer) Shutdown() {
	c.Logger.Info("shutting down services")

	if c.Monitor != nil {
		c.Monitor.Stop()
	}
	c.Scheduler.Stop()
	c.Manager.Wait()
	c.Broadcaster.Stop()
	c.Coordinator.Stop()

	if err := c.SharedCache.Close(); err != nil {
		c.Logger.Warn("failed to close shared cache", String("error", err.Error()))
	}
	c.Postgres.Close()

	c.Logger.Info("services stopped")
}
