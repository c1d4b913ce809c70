package circuit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

const (
	maxSwapAttempts = 16
	publishTimeout  = 2 * time.Second
)

// Settings are the per-provider breaker thresholds
type Settings struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	MaxResetTimeout   time.Duration
	HalfOpenMaxProbes int
	BackoffMultiplier float64
}

// SettingsFromConfig extracts breaker settings from a provider configuration
func SettingsFromConfig(p config.ProviderConfig) Settings {
	return Settings{
		FailureThreshold:  p.FailureThreshold,
		ResetTimeout:      p.ResetTimeout,
		MaxResetTimeout:   p.MaxResetTimeout,
		HalfOpenMaxProbes: p.HalfOpenMaxProbes,
		BackoffMultiplier: p.BackoffMultiplier,
	}
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.MaxResetTimeout < s.ResetTimeout {
		s.MaxResetTimeout = s.ResetTimeout
	}
	if s.HalfOpenMaxProbes <= 0 {
		s.HalfOpenMaxProbes = 1
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = 1
	}
	return s
}

// OpenDuration is how long the circuit stays OPEN after its n-th consecutive opening
func (s Settings) OpenDuration(openCount int) time.Duration {
	if openCount <= 1 {
		return s.ResetTimeout
	}
	d := float64(s.ResetTimeout) * math.Pow(s.BackoffMultiplier, float64(openCount-1))
	if d >= float64(s.MaxResetTimeout) {
		return s.MaxResetTimeout
	}
	return time.Duration(d)
}

// Status is a read-only view of one circuit
type Status struct {
	State entities.CircuitState
	// ProbeEligible is set when an OPEN circuit has passed RetryAt; the next call
	// moves it to HALF_OPEN.
	ProbeEligible bool
}

// Option configures a Breaker or Registry
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *observability.Metrics
	events  providers.CircuitEventBus
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records transitions on m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEventBus publishes transitions on bus
func WithEventBus(bus providers.CircuitEventBus) Option {
	return func(o *options) { o.events = bus }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Breaker guards calls to one provider. State lives in the shared store and every
// mutation is a compare-and-swap, so concurrent requests and processes agree.
type Breaker struct {
	provider string
	settings Settings
	store    providers.CircuitStateStore
	opts     options
}

// NewBreaker creates a breaker for provider
func NewBreaker(provider string, settings Settings, store providers.CircuitStateStore, opts ...Option) *Breaker {
	return newBreaker(provider, settings, store, buildOptions(opts))
}

func newBreaker(provider string, settings Settings, store providers.CircuitStateStore, o options) *Breaker {
	return &Breaker{
		provider: provider,
		settings: settings.normalized(),
		store:    store,
		opts:     o,
	}
}

// Provider returns the guarded provider name
func (b *Breaker) Provider() string {
	return b.provider
}

// Settings returns the effective settings
func (b *Breaker) Settings() Settings {
	return b.settings
}

type admission struct {
	probe bool
}

// Execute runs fn if the circuit admits the call and records its outcome.
// A rejected call returns a CIRCUIT_OPEN AppError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	adm, err := b.admit(ctx)
	if err != nil {
		return nil, err
	}

	value, callErr := fn(ctx)
	b.record(ctx, adm, classify(callErr))
	return value, callErr
}

func (b *Breaker) admit(ctx context.Context) (admission, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		state, err := b.store.Load(ctx, b.provider)
		if err != nil {
			// Without shared state the breaker cannot decide; let the call through
			observability.LoggerFromContext(ctx).Warn().Err(err).
				Str("provider", b.provider).
				Msg("Circuit state unavailable, admitting call")
			return admission{}, nil
		}

		now := b.opts.now()
		switch state.Phase {
		case entities.CircuitOpen:
			if now.Before(state.RetryAt) {
				return admission{}, apperrors.NewCircuitOpenError(b.provider)
			}
			next := state
			next.Phase = entities.CircuitHalfOpen
			next.ProbesInFlight = 1
			next.ProbeStartedAt = now
			next.UpdatedAt = now
			ok, err := b.swap(ctx, state, next)
			if err != nil {
				return admission{}, nil
			}
			if ok {
				return admission{probe: true}, nil
			}

		case entities.CircuitHalfOpen:
			stale := now.Sub(state.ProbeStartedAt) >= b.settings.ResetTimeout
			if state.ProbesInFlight >= b.settings.HalfOpenMaxProbes && !stale {
				return admission{}, apperrors.NewCircuitOpenError(b.provider)
			}
			next := state
			if stale {
				// The earlier probe never reported back
				next.ProbesInFlight = 0
			}
			next.ProbesInFlight++
			next.ProbeStartedAt = now
			next.UpdatedAt = now
			ok, err := b.swap(ctx, state, next)
			if err != nil {
				return admission{}, nil
			}
			if ok {
				return admission{probe: true}, nil
			}

		default:
			return admission{}, nil
		}
	}
	return admission{}, apperrors.NewCircuitOpenError(b.provider)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

// classify decides how a call result affects provider health. A provider that
// answered "no match" or rejected the input is healthy; a caller giving up says
// nothing about the provider.
func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return outcomeNeutral
	}
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound:
		return outcomeSuccess
	case apperrors.ErrorTypeCircuitOpen:
		return outcomeNeutral
	}
	return outcomeFailure
}

func (b *Breaker) record(ctx context.Context, adm admission, result outcome) {
	// Recording must not be cut short by a caller that has already given up
	ctx = context.WithoutCancel(ctx)

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		state, err := b.store.Load(ctx, b.provider)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn().Err(err).
				Str("provider", b.provider).
				Msg("Circuit state unavailable, outcome not recorded")
			return
		}

		next, changed := b.apply(state, adm, result, b.opts.now())
		if !changed {
			return
		}
		ok, err := b.swap(ctx, state, next)
		if err != nil || ok {
			return
		}
	}
	observability.LoggerFromContext(ctx).Warn().
		Str("provider", b.provider).
		Msg("Circuit state contention, outcome not recorded")
}

// apply is the transition table. It returns the next state and whether anything changed.
func (b *Breaker) apply(state entities.CircuitState, adm admission, result outcome, now time.Time) (entities.CircuitState, bool) {
	next := state
	next.UpdatedAt = now

	switch state.Phase {
	case entities.CircuitClosed:
		switch result {
		case outcomeSuccess:
			if state.ConsecutiveFailures == 0 {
				return state, false
			}
			next.ConsecutiveFailures = 0
		case outcomeFailure:
			next.ConsecutiveFailures++
			next.LastFailureAt = now
			if next.ConsecutiveFailures >= b.settings.FailureThreshold {
				next.Phase = entities.CircuitOpen
				next.OpenCount = 1
				next.RetryAt = now.Add(b.settings.OpenDuration(next.OpenCount))
			}
		default:
			return state, false
		}

	case entities.CircuitHalfOpen:
		if !adm.probe {
			return state, false
		}
		switch result {
		case outcomeSuccess:
			next.Phase = entities.CircuitClosed
			next.ConsecutiveFailures = 0
			next.ProbesInFlight = 0
			next.ProbeStartedAt = time.Time{}
			next.OpenCount = 0
			next.RetryAt = time.Time{}
		case outcomeFailure:
			next.Phase = entities.CircuitOpen
			next.ConsecutiveFailures++
			next.LastFailureAt = now
			next.ProbesInFlight = 0
			next.ProbeStartedAt = time.Time{}
			next.OpenCount++
			next.RetryAt = now.Add(b.settings.OpenDuration(next.OpenCount))
		default:
			if state.ProbesInFlight == 0 {
				return state, false
			}
			next.ProbesInFlight--
		}

	default:
		// Late results from calls admitted before the circuit opened
		return state, false
	}
	return next, true
}

func (b *Breaker) swap(ctx context.Context, prev, next entities.CircuitState) (bool, error) {
	ok, err := b.store.CompareAndSwap(ctx, prev, next)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).
			Str("provider", b.provider).
			Msg("Failed to write circuit state")
		return false, err
	}
	if ok && prev.Phase != next.Phase {
		b.transitioned(ctx, prev.Phase, next)
	}
	return ok, nil
}

func (b *Breaker) transitioned(ctx context.Context, from entities.CircuitPhase, next entities.CircuitState) {
	logger := observability.LoggerFromContext(ctx)
	event := logger.Info()
	if next.Phase == entities.CircuitOpen {
		event = logger.Warn()
	}
	event.
		Str("provider", b.provider).
		Str("from", string(from)).
		Str("to", string(next.Phase)).
		Int("consecutive_failures", next.ConsecutiveFailures).
		Int("open_count", next.OpenCount).
		Time("retry_at", next.RetryAt).
		Msg("Circuit transition")

	b.opts.metrics.RecordCircuitTransition(ctx, b.provider, string(from), string(next.Phase))

	if b.opts.events == nil {
		return
	}
	evt := &entities.CircuitEvent{
		ID:         uuid.NewString(),
		Provider:   b.provider,
		From:       from,
		To:         next.Phase,
		RetryAt:    next.RetryAt,
		OccurredAt: next.UpdatedAt,
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := b.opts.events.Publish(pubCtx, evt); err != nil {
			observability.GetLogger().Warn().Err(err).Str("provider", b.provider).Msg("Failed to publish circuit event")
		}
	}()
}

// State returns the stored state without changing it
func (b *Breaker) State(ctx context.Context) (Status, error) {
	state, err := b.store.Load(ctx, b.provider)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:         state,
		ProbeEligible: state.Phase == entities.CircuitOpen && !b.opts.now().Before(state.RetryAt),
	}, nil
}

// Reset forces the circuit CLOSED with cleared counters
func (b *Breaker) Reset(ctx context.Context) error {
	return b.override(ctx, func(state entities.CircuitState, now time.Time) entities.CircuitState {
		next := entities.NewCircuitState(b.provider)
		next.Version = state.Version
		next.UpdatedAt = now
		return next
	})
}

// ForceOpen opens the circuit for d regardless of recent outcomes
func (b *Breaker) ForceOpen(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = b.settings.ResetTimeout
	}
	return b.override(ctx, func(state entities.CircuitState, now time.Time) entities.CircuitState {
		next := state
		next.Phase = entities.CircuitOpen
		next.RetryAt = now.Add(d)
		next.ProbesInFlight = 0
		next.ProbeStartedAt = time.Time{}
		if next.OpenCount == 0 {
			next.OpenCount = 1
		}
		next.UpdatedAt = now
		return next
	})
}

func (b *Breaker) override(ctx context.Context, mutate func(entities.CircuitState, time.Time) entities.CircuitState) error {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		state, err := b.store.Load(ctx, b.provider)
		if err != nil {
			return apperrors.NewInternalError("failed to load circuit state", err)
		}
		ok, err := b.swap(ctx, state, mutate(state, b.opts.now()))
		if err != nil {
			return apperrors.NewInternalError("failed to write circuit state", err)
		}
		if ok {
			return nil
		}
	}
	return apperrors.NewConflictError("circuit state changed concurrently, try again")
}
