package main

import (
	"context"
	"fmt"
	"time"

	"github.com/zatekoja/plantid/backend/internal/adapters/cache"
	"github.com/zatekoja/plantid/backend/internal/adapters/circuitstate"
	"github.com/zatekoja/plantid/backend/internal/adapters/events"
	"github.com/zatekoja/plantid/backend/internal/adapters/providers/identification"
	"github.com/zatekoja/plantid/backend/internal/application/circuit"
	"github.com/zatekoja/plantid/backend/internal/application/locking"
	"github.com/zatekoja/plantid/backend/internal/application/resultcache"
	"github.com/zatekoja/plantid/backend/internal/application/services"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/plantid/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/workerpool"
	"github.com/zatekoja/plantid/backend/pkg/config"
)

const (
	sharedKeyPrefix  = "plantid:"
	circuitKeyPrefix = "plantid:circuit:"
)

// app is the composition root: every shared resource is created here once
type app struct {
	cfg     *config.Config
	service *services.IdentificationService
	events  providers.CircuitEventBus
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Env)

	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	logger := observability.GetLogger()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			a.closers = append(a.closers, shutdown)
			logger.Info().Msg("OpenTelemetry initialized successfully")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// store holds cached results; coord holds leases and circuit state
	var store, coord providers.KeyValueStore
	switch cfg.Identification.StoreBackend {
	case config.StoreBackendRedis:
		rc, err := redisclient.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return rc.Close() })
		store = cache.NewRedisAdapter(rc)
		coord = store
		a.events = events.NewRedisEventBus(rc, sharedKeyPrefix)
		logger.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Redis client initialized successfully")
	default:
		mem, err := cache.NewMemoryStore(cfg.Cache.MemoryStoreSize)
		if err != nil {
			return fmt.Errorf("failed to create memory store: %w", err)
		}
		store = mem
		coord = cache.NewCoordinationStore()
		a.events = events.NewMemoryEventBus()
		logger.Warn().Msg("Using in-process store; leases and circuits are not shared between processes")
	}
	a.closers = append(a.closers, func(context.Context) error { return a.events.Close() })

	bindings, err := identification.NewProviders(cfg.Providers, identification.FactoryConfig{
		AllowMockFallback: cfg.Env != "production",
	})
	if err != nil {
		return err
	}

	settings := make(map[string]circuit.Settings, len(bindings))
	ttls := make(map[string]time.Duration, len(bindings))
	serviceBindings := make([]services.ProviderBinding, 0, len(bindings))
	for _, b := range bindings {
		settings[b.Provider.Name()] = circuit.SettingsFromConfig(b.Config)
		ttls[b.Provider.Name()] = b.Config.CacheTTL
		serviceBindings = append(serviceBindings, services.ProviderBinding{
			Provider: b.Provider,
			Role:     b.Role,
			Timeout:  b.Config.Timeout,
		})
	}

	pools := workerpool.NewManager(cfg.WorkerPool)
	a.closers = append(a.closers, pools.Shutdown)
	if _, err := pools.Acquire(); err != nil {
		return err
	}

	service, err := services.NewIdentificationService(services.IdentificationDeps{
		Providers: serviceBindings,
		Breakers: circuit.NewRegistry(
			circuitstate.NewKVStore(coord, circuitKeyPrefix, circuitstate.DefaultStateTTL),
			settings,
			circuit.WithMetrics(metrics),
			circuit.WithEventBus(a.events),
		),
		Locks: locking.NewCoordinator(coord, cfg.Lock, locking.WithMetrics(metrics)),
		Cache: resultcache.NewCache(store, cfg.Cache,
			resultcache.WithContractVersion(cfg.Identification.ContractVersion),
			resultcache.WithProviderTTLs(ttls),
		),
		Pools:   pools,
		Metrics: metrics,
	}, cfg.Identification)
	if err != nil {
		return err
	}
	a.service = service
	return nil
}

// Close releases resources in reverse order of creation. Failures are logged.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			observability.GetLogger().Warn().Err(err).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}
