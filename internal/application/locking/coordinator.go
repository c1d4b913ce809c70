package locking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
	"github.com/zatekoja/plantid/backend/pkg/retry"
)

const defaultReleaseTimeout = 2 * time.Second

var errLeaseHeld = errors.New("lease held by another holder")

// Coordinator grants time-bounded exclusive leases over keys in a shared store.
// A lease that is never released expires on its own.
type Coordinator struct {
	store          providers.KeyValueStore
	cfg            config.LockConfig
	holder         string
	metrics        *observability.Metrics
	releaseTimeout time.Duration
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithHolder sets the identity recorded on leases
func WithHolder(holder string) Option {
	return func(c *Coordinator) { c.holder = holder }
}

// WithMetrics records acquisition outcomes on m
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithReleaseTimeout bounds the store call made by Release
func WithReleaseTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.releaseTimeout = d }
}

// NewCoordinator creates a lease coordinator over store
func NewCoordinator(store providers.KeyValueStore, cfg config.LockConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		cfg:            cfg,
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.holder == "" {
		host, _ := os.Hostname()
		c.holder = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return c
}

// WaitTimeout is the default bound on how long Acquire polls
func (c *Coordinator) WaitTimeout() time.Duration {
	return c.cfg.WaitTimeout
}

// Acquire polls for the lease on key until waitTimeout. Zero durations fall back
// to the configured defaults. The expiry is set by the same write that claims the key.
func (c *Coordinator) Acquire(ctx context.Context, key string, leaseDuration, waitTimeout time.Duration) (*Lease, error) {
	if leaseDuration <= 0 {
		leaseDuration = c.cfg.LeaseDuration
	}
	if waitTimeout <= 0 {
		waitTimeout = c.cfg.WaitTimeout
	}

	lockKey := c.cfg.KeyPrefix + key
	token := uuid.NewString()
	var acquiredAt time.Time

	err := retry.Do(ctx, retry.PollConfig(waitTimeout), func(ctx context.Context) error {
		ok, err := c.store.SetNX(ctx, lockKey, []byte(token), leaseDuration)
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			return errLeaseHeld
		}
		acquiredAt = time.Now()
		return nil
	})
	if err != nil {
		outcome := "timeout"
		if !errors.Is(err, retry.ErrExhausted) {
			outcome = "error"
		}
		c.metrics.RecordLockAcquire(ctx, outcome)
		return nil, apperrors.NewLockNotAcquiredError(key, err)
	}

	c.metrics.RecordLockAcquire(ctx, "acquired")
	lease := &Lease{
		coord:      c,
		key:        key,
		lockKey:    lockKey,
		token:      token,
		acquiredAt: acquiredAt,
		duration:   leaseDuration,
		expiresAt:  acquiredAt.Add(leaseDuration),
		renewing:   true,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go lease.renew()
	return lease, nil
}

// Release gives up the lease. Failures are logged and swallowed; the lease then
// expires on its own.
func (c *Coordinator) Release(lease *Lease) {
	if lease == nil {
		return
	}
	lease.stopRenewal()
	if !lease.released.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()

	snapshot := lease.Snapshot()
	logger := observability.GetLogger()
	ok, err := c.store.CompareAndDelete(ctx, lease.lockKey, []byte(lease.token))
	if err != nil {
		logger.Warn().Err(err).
			Str("lock_key", lease.key).
			Dur("expires_in", snapshot.Remaining(time.Now())).
			Msg("Failed to release lease, leaving it to expire")
		return
	}
	if !ok {
		logger.Warn().
			Str("lock_key", lease.key).
			Dur("held_for", time.Since(snapshot.AcquiredAt)).
			Msg("Lease already expired or reclaimed before release")
	}
}

// Lease is a held grant on one key
type Lease struct {
	coord      *Coordinator
	key        string
	lockKey    string
	token      string
	acquiredAt time.Time
	duration   time.Duration

	mu        sync.Mutex
	expiresAt time.Time
	renewing  bool

	lost     atomic.Bool
	released atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Lost reports whether renewal found the lease held by someone else or gone
func (l *Lease) Lost() bool {
	return l.lost.Load()
}

// Snapshot returns the lease as a value
func (l *Lease) Snapshot() entities.LockLease {
	l.mu.Lock()
	defer l.mu.Unlock()
	return entities.LockLease{
		Key:        l.key,
		Holder:     l.coord.holder,
		Token:      l.token,
		AcquiredAt: l.acquiredAt,
		ExpiresAt:  l.expiresAt,
		Renewing:   l.renewing,
	}
}

func (l *Lease) stopRenewal() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Lease) setRenewing(v bool) {
	l.mu.Lock()
	l.renewing = v
	l.mu.Unlock()
}

// renew extends the lease every third of its duration until Release, loss, or
// the maximum lifetime
func (l *Lease) renew() {
	defer close(l.done)
	defer l.setRenewing(false)

	interval := l.duration / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var maxLife <-chan time.Time
	if l.coord.cfg.MaxLeaseLifetime > 0 {
		timer := time.NewTimer(l.coord.cfg.MaxLeaseLifetime)
		defer timer.Stop()
		maxLife = timer.C
	}

	logger := observability.GetLogger()
	for {
		select {
		case <-l.stop:
			return
		case <-maxLife:
			logger.Warn().Str("lock_key", l.key).Msg("Lease reached maximum lifetime, renewal stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.coord.store.CompareAndSwap(ctx, l.lockKey, []byte(l.token), []byte(l.token), l.duration)
			cancel()
			if err != nil {
				// The lease may still be alive; try again on the next tick
				logger.Warn().Err(err).Str("lock_key", l.key).Msg("Failed to renew lease")
				continue
			}
			if !ok {
				l.lost.Store(true)
				logger.Warn().Str("lock_key", l.key).Msg("Lease lost before release")
				return
			}
			l.mu.Lock()
			l.expiresAt = time.Now().Add(l.duration)
			l.mu.Unlock()
		}
	}
}
