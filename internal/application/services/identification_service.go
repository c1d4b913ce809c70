package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/zatekoja/plantid/backend/internal/application/circuit"
	"github.com/zatekoja/plantid/backend/internal/application/locking"
	"github.com/zatekoja/plantid/backend/internal/application/resultcache"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/workerpool"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

const (
	defaultProviderTimeout = 8 * time.Second
	resolveTimeout         = 500 * time.Millisecond
)

// ProviderBinding is one provider the service dispatches to
type ProviderBinding struct {
	Provider providers.IdentificationProvider
	Role     entities.ProviderRole
	Timeout  time.Duration
}

// IdentificationDeps are the collaborators of IdentificationService.
// Locks, Resolver and Metrics are optional.
type IdentificationDeps struct {
	Providers []ProviderBinding
	Breakers  *circuit.Registry
	Locks     *locking.Coordinator
	Cache     *resultcache.Cache
	Pools     *workerpool.Manager
	Resolver  providers.SpeciesResolver
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// IdentificationService answers identification requests from the cache or by
// fanning out to every selected provider and merging what comes back
type IdentificationService struct {
	deps     IdentificationDeps
	cfg      config.IdentificationConfig
	breakers map[string]*circuit.Breaker
	byName   map[string]ProviderBinding
	group    singleflight.Group
	now      func() time.Time
}

// NewIdentificationService validates the wiring and creates the service
func NewIdentificationService(deps IdentificationDeps, cfg config.IdentificationConfig) (*IdentificationService, error) {
	if len(deps.Providers) == 0 {
		return nil, fmt.Errorf("at least one identification provider is required")
	}
	if deps.Breakers == nil || deps.Cache == nil || deps.Pools == nil {
		return nil, fmt.Errorf("breakers, cache and worker pool are required")
	}

	s := &IdentificationService{
		deps:     deps,
		cfg:      cfg,
		breakers: make(map[string]*circuit.Breaker, len(deps.Providers)),
		byName:   make(map[string]ProviderBinding, len(deps.Providers)),
		now:      deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	for _, b := range deps.Providers {
		name := strings.ToLower(b.Provider.Name())
		if _, dup := s.byName[name]; dup {
			return nil, fmt.Errorf("provider %q is configured twice", name)
		}
		breaker, err := deps.Breakers.Get(b.Provider.Name())
		if err != nil {
			return nil, fmt.Errorf("provider %q has no circuit breaker: %w", b.Provider.Name(), err)
		}
		s.breakers[name] = breaker
		s.byName[name] = b
	}
	return s, nil
}

// Identify returns the merged identification for image. A zero deadline uses the
// configured request timeout.
func (s *IdentificationService) Identify(ctx context.Context, image []byte, opts entities.IdentificationOptions, deadline time.Time) (*entities.IdentificationResult, error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "identification.Identify")
	defer span.End()

	req, bindings, err := s.newRequest(image, opts, deadline, start)
	if err != nil {
		observability.RecordError(span, err)
		s.deps.Metrics.RecordRequest(ctx, string(apperrors.ErrorTypeInvalidInput), false, s.now().Sub(start))
		return nil, err
	}
	key := s.deps.Cache.Key(req)
	observability.SetSpanAttributes(span,
		attribute.String("fingerprint", entities.ShortFingerprint(req.Fingerprint)),
		attribute.Int("providers", len(bindings)),
	)

	// The shared call is bounded by the request deadline, not by whichever
	// caller happened to start it.
	flightCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), req.Deadline)
	defer cancel()
	ch := s.group.DoChan(key, func() (any, error) {
		return s.orchestrate(flightCtx, req, key, bindings)
	})

	var result *entities.IdentificationResult
	select {
	case res := <-ch:
		err = res.Err
		if err == nil {
			result = res.Val.(*entities.IdentificationResult).Clone()
		}
	case <-ctx.Done():
		err = apperrors.NewTimeoutError("stopped waiting for identification", ctx.Err())
	}

	outcome := "success"
	if err != nil {
		outcome = string(apperrors.TypeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		observability.RecordError(span, err)
	}
	s.deps.Metrics.RecordRequest(ctx, outcome, result != nil && result.ServedFromCache, s.now().Sub(start))
	return result, err
}

// newRequest validates the input before anything is dispatched
func (s *IdentificationService) newRequest(image []byte, opts entities.IdentificationOptions, deadline, now time.Time) (*entities.IdentificationRequest, []ProviderBinding, error) {
	if len(image) == 0 {
		return nil, nil, apperrors.NewInvalidInputError("image is empty")
	}
	if s.cfg.MaxImageBytes > 0 && len(image) > s.cfg.MaxImageBytes {
		return nil, nil, apperrors.NewInvalidInputError(fmt.Sprintf("image exceeds %d bytes", s.cfg.MaxImageBytes))
	}
	contentType := http.DetectContentType(image)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, nil, apperrors.NewInvalidInputError("image is not a recognised image format")
	}

	opts = opts.Normalized()
	bindings, err := s.selectProviders(opts)
	if err != nil {
		return nil, nil, err
	}

	if deadline.IsZero() {
		timeout := s.cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		deadline = now.Add(timeout)
	}
	if !deadline.After(now) {
		return nil, nil, apperrors.NewInvalidInputError("deadline has already passed")
	}

	return entities.NewIdentificationRequest(uuid.NewString(), image, contentType, opts, deadline, now), bindings, nil
}

// selectProviders keeps configuration order; an empty request means all providers
func (s *IdentificationService) selectProviders(opts entities.IdentificationOptions) ([]ProviderBinding, error) {
	if len(opts.RequestedProviders) == 0 {
		return s.deps.Providers, nil
	}
	wanted := make(map[string]struct{}, len(opts.RequestedProviders))
	for _, name := range opts.RequestedProviders {
		if _, ok := s.byName[name]; !ok {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown provider %q", name))
		}
		wanted[name] = struct{}{}
	}
	out := make([]ProviderBinding, 0, len(wanted))
	for _, b := range s.deps.Providers {
		if _, ok := wanted[strings.ToLower(b.Provider.Name())]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *IdentificationService) orchestrate(ctx context.Context, req *entities.IdentificationRequest, key string, bindings []ProviderBinding) (*entities.IdentificationResult, error) {
	logger := observability.LoggerFromContext(ctx).With().
		Str("fingerprint", entities.ShortFingerprint(req.Fingerprint)).
		Str("request_id", req.ID).
		Logger()

	if result, ok := s.readCache(ctx, key, "first"); ok {
		return result, nil
	}

	if s.deps.Locks != nil {
		// Leave at least half of the remaining budget for the providers
		wait := s.deps.Locks.WaitTimeout()
		if half := time.Until(req.Deadline) / 2; wait <= 0 || half < wait {
			wait = half
		}
		lease, err := s.deps.Locks.Acquire(ctx, key, 0, wait)
		if err != nil {
			if s.cfg.FailOnLockUnavailable {
				logger.Warn().Str("category", string(apperrors.TypeOf(err))).Msg("Lease unavailable, rejecting request")
				return nil, apperrors.NewRetryLaterError("identification is busy, try again later", err)
			}
			logger.Warn().Str("category", string(apperrors.TypeOf(err))).Msg("Lease unavailable, dispatching without coordination")
		} else {
			defer s.deps.Locks.Release(lease)
			if result, ok := s.readCache(ctx, key, "second"); ok {
				return result, nil
			}
		}
	}

	outcomes, err := s.dispatch(ctx, req, bindings)
	if err != nil {
		return nil, err
	}

	result, err := Merge(outcomes, MergeOptions{
		Fingerprint:     req.Fingerprint,
		ContractVersion: s.deps.Cache.ContractVersion(),
		MinConfidence:   s.cfg.MinConfidence,
		MaxSuggestions:  s.cfg.MaxSuggestions,
	})
	if err != nil {
		logger.Warn().Str("category", string(apperrors.TypeOf(err))).Msg("No provider produced a result")
		return nil, err
	}

	s.resolveSpecies(ctx, result)

	ttl := s.deps.Cache.TTLFor(outcomes, req.Options)
	if err := s.deps.Cache.Set(ctx, key, result, ttl); err != nil {
		logger.Warn().Err(err).Msg("Failed to cache identification result")
	}

	logger.Info().
		Str("source", result.PrimarySource).
		Bool("degraded", result.Degraded).
		Bool("no_match", result.NoMatch).
		Int64("elapsed_ms", s.now().Sub(req.ReceivedAt).Milliseconds()).
		Msg("Identification completed")
	return result, nil
}

func (s *IdentificationService) readCache(ctx context.Context, key, stage string) (*entities.IdentificationResult, bool) {
	entry, hit, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("cache_stage", stage).Msg("Cache read failed, treating as miss")
	}
	if !hit {
		s.deps.Metrics.RecordCacheMiss(ctx, stage)
		return nil, false
	}
	s.deps.Metrics.RecordCacheHit(ctx, stage)
	result := entry.Result.Clone()
	result.ServedFromCache = true
	return result, true
}

type dispatched struct {
	binding ProviderBinding
	future  *workerpool.Future
	started time.Time
	early   *entities.ProviderCallOutcome
}

// dispatch submits one breaker-guarded call per provider and collects exactly
// one outcome for each, in binding order
func (s *IdentificationService) dispatch(ctx context.Context, req *entities.IdentificationRequest, bindings []ProviderBinding) ([]entities.ProviderCallOutcome, error) {
	pool, err := s.deps.Pools.Acquire()
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "identification.dispatch")
	defer span.End()

	calls := make([]dispatched, len(bindings))
	for i, b := range bindings {
		calls[i] = dispatched{binding: b, started: s.now()}
		timeout := b.Timeout
		if timeout <= 0 {
			timeout = defaultProviderTimeout
		}
		if remaining := time.Until(req.Deadline); remaining < timeout {
			timeout = remaining
		}
		if timeout <= 0 {
			o := s.outcome(b, apperrors.NewTimeoutError("request deadline reached before dispatch", context.DeadlineExceeded), nil, 0)
			calls[i].early = &o
			continue
		}

		future, err := pool.Submit(ctx, s.callTask(b, req), timeout)
		if err != nil {
			o := s.outcome(b, err, nil, s.now().Sub(calls[i].started))
			calls[i].early = &o
			continue
		}
		calls[i].future = future
	}

	outcomes := make([]entities.ProviderCallOutcome, len(calls))
	for i, c := range calls {
		if c.early != nil {
			outcomes[i] = *c.early
		} else {
			value, err := c.future.Await(ctx)
			payload, _ := value.(*entities.ProviderPayload)
			outcomes[i] = s.outcome(c.binding, err, payload, s.now().Sub(c.started))
		}
		s.logOutcome(ctx, req, outcomes[i])
	}
	return outcomes, nil
}

func (s *IdentificationService) callTask(b ProviderBinding, req *entities.IdentificationRequest) workerpool.Task {
	breaker := s.breakers[strings.ToLower(b.Provider.Name())]
	return func(ctx context.Context) (any, error) {
		ctx, span := observability.StartSpan(ctx, "identification.provider")
		defer span.End()
		observability.SetSpanAttributes(span, attribute.String("provider", b.Provider.Name()))

		value, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return b.Provider.Identify(ctx, req)
		})
		if err != nil {
			observability.RecordError(span, err)
		}
		return value, err
	}
}

// outcome converts one call result into its typed outcome
func (s *IdentificationService) outcome(b ProviderBinding, err error, payload *entities.ProviderPayload, elapsed time.Duration) entities.ProviderCallOutcome {
	o := entities.ProviderCallOutcome{
		Provider: b.Provider.Name(),
		Role:     b.Role,
		Err:      err,
		Elapsed:  elapsed,
	}

	switch {
	case err == nil && payload != nil:
		o.Kind = entities.OutcomeSuccess
		o.Payload = payload
	case err == nil:
		o.Kind = entities.OutcomeFailed
		o.Reason = "empty response"
	case apperrors.IsType(err, apperrors.ErrorTypeNotFound):
		// The provider answered and found nothing
		o.Kind = entities.OutcomeSuccess
		o.Payload = &entities.ProviderPayload{Suggestions: []entities.Suggestion{}}
		o.Err = nil
	case apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen):
		o.Kind = entities.OutcomeCircuitOpen
		o.Reason = string(apperrors.ErrorTypeCircuitOpen)
	case apperrors.IsType(err, apperrors.ErrorTypeTimeout), errors.Is(err, context.DeadlineExceeded):
		o.Kind = entities.OutcomeTimeout
		o.Reason = string(apperrors.ErrorTypeTimeout)
	default:
		o.Kind = entities.OutcomeFailed
		o.Reason = string(apperrors.TypeOf(err))
		if o.Reason == "" {
			o.Reason = "UNKNOWN"
		}
	}
	return o
}

// logOutcome records the category, never the upstream message
func (s *IdentificationService) logOutcome(ctx context.Context, req *entities.IdentificationRequest, o entities.ProviderCallOutcome) {
	s.deps.Metrics.RecordProviderCall(ctx, o.Provider, string(o.Kind), o.Elapsed)

	level := zerolog.DebugLevel
	switch o.Kind {
	case entities.OutcomeCircuitOpen:
		level = zerolog.InfoLevel
	case entities.OutcomeFailed, entities.OutcomeTimeout:
		level = zerolog.WarnLevel
	}
	observability.LoggerFromContext(ctx).WithLevel(level).
		Str("provider", o.Provider).
		Str("fingerprint", entities.ShortFingerprint(req.Fingerprint)).
		Str("outcome", string(o.Kind)).
		Str("category", o.Reason).
		Int64("elapsed_ms", o.Elapsed.Milliseconds()).
		Msg("Provider call finished")
}

// resolveSpecies fills canonical species ids; resolver failures keep the provider id
func (s *IdentificationService) resolveSpecies(ctx context.Context, result *entities.IdentificationResult) {
	if s.deps.Resolver == nil {
		return
	}
	for i := range result.PrimarySuggestions {
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		id, err := s.deps.Resolver.Resolve(rctx, result.PrimarySuggestions[i])
		cancel()
		if err != nil {
			observability.LoggerFromContext(ctx).Debug().Err(err).
				Str("suggestion", result.PrimarySuggestions[i].Name).
				Msg("Species resolution failed")
			continue
		}
		if id != "" {
			result.PrimarySuggestions[i].SpeciesID = id
		}
	}
}

// InvalidateFingerprint drops every cached result for fingerprint
func (s *IdentificationService) InvalidateFingerprint(ctx context.Context, fingerprint string) (int, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return 0, apperrors.NewInvalidInputError("fingerprint is required")
	}
	n, err := s.deps.Cache.InvalidateByPrefix(ctx, resultcache.FingerprintPrefix(fingerprint))
	if err != nil {
		return n, err
	}
	observability.LoggerFromContext(ctx).Info().
		Str("fingerprint", entities.ShortFingerprint(fingerprint)).
		Int("deleted", n).
		Msg("Invalidated cached identifications")
	return n, nil
}

// CircuitStates returns every provider circuit
func (s *IdentificationService) CircuitStates(ctx context.Context) ([]circuit.Status, error) {
	return s.deps.Breakers.States(ctx)
}

// ResetCircuit closes provider's circuit
func (s *IdentificationService) ResetCircuit(ctx context.Context, provider string) error {
	b, err := s.deps.Breakers.Get(provider)
	if err != nil {
		return err
	}
	return b.Reset(ctx)
}

// ForceOpenCircuit opens provider's circuit for d
func (s *IdentificationService) ForceOpenCircuit(ctx context.Context, provider string, d time.Duration) error {
	b, err := s.deps.Breakers.Get(provider)
	if err != nil {
		return err
	}
	return b.ForceOpen(ctx, d)
}
