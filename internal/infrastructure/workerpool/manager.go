package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// Manager owns the process-wide pool. The pool is created lazily by the first
// Acquire and shared by every later caller.
type Manager struct {
	cfg    config.WorkerPoolConfig
	numCPU func() int

	once sync.Once
	pool *Pool
	err  error

	shutdownOnce sync.Once
	shutdownErr  error
}

// ManagerOption customises a Manager
type ManagerOption func(*Manager)

// WithCPUCount overrides the compute unit count used for sizing
func WithCPUCount(fn func() int) ManagerOption {
	return func(m *Manager) {
		m.numCPU = fn
	}
}

// NewManager creates a manager; no goroutines start until Acquire
func NewManager(cfg config.WorkerPoolConfig, opts ...ManagerOption) *Manager {
	m := &Manager{cfg: cfg, numCPU: runtime.NumCPU}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorkerCount sizes the pool as a multiple of compute units, capped at MaxWorkers
func WorkerCount(cfg config.WorkerPoolConfig, cpus int) (int, error) {
	if cfg.MaxWorkers <= 0 {
		return 0, fmt.Errorf("max workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.Multiplier <= 0 {
		return 0, fmt.Errorf("worker multiplier must be positive, got %d", cfg.Multiplier)
	}
	if cpus <= 0 {
		cpus = 1
	}

	n := cfg.Multiplier * cpus
	if n > cfg.MaxWorkers {
		n = cfg.MaxWorkers
	}
	floor := cfg.MinWorkers
	if floor > cfg.MaxWorkers {
		floor = cfg.MaxWorkers
	}
	if n < floor {
		n = floor
	}
	if n < 1 {
		n = 1
	}
	return n, nil
}

// Acquire returns the shared pool, creating it on first use.
// A creation failure is returned to every caller.
func (m *Manager) Acquire() (*Pool, error) {
	m.once.Do(func() {
		workers, err := WorkerCount(m.cfg, m.numCPU())
		if err != nil {
			m.err = apperrors.NewResourceExhaustedError("cannot create worker pool", err)
			return
		}
		if m.cfg.QueueSize < 0 {
			m.err = apperrors.NewResourceExhaustedError("cannot create worker pool",
				fmt.Errorf("queue size must not be negative, got %d", m.cfg.QueueSize))
			return
		}
		m.pool = newPool(workers, m.cfg.QueueSize)
		observability.GetLogger().Info().
			Int("workers", workers).
			Int("queue_size", m.cfg.QueueSize).
			Msg("Worker pool created")
	})
	return m.pool, m.err
}

// Shutdown drains the pool if it was ever created. Later Acquire calls fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		// Prevent a pool from being created after shutdown
		m.once.Do(func() {
			m.err = ErrPoolClosed
		})
		if m.pool == nil {
			return
		}

		if _, ok := ctx.Deadline(); !ok && m.cfg.ShutdownGrace > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownGrace)
			defer cancel()
		}

		m.shutdownErr = m.pool.Shutdown(ctx)
		if m.shutdownErr != nil {
			observability.GetLogger().Warn().Err(m.shutdownErr).Msg("Worker pool did not drain before grace period")
			return
		}
		observability.GetLogger().Info().Msg("Worker pool drained")
	})
	return m.shutdownErr
}
