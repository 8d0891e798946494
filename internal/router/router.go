// Package router selects models by capability and shields callers from
// backend failure. Every call runs through an advisory rate limiter, a
// per-backend circuit breaker, a retry loop with exponential backoff,
// and a deterministic fallback cascade.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/diorama-ai/diorama/internal/backend"
	"github.com/diorama-ai/diorama/internal/telemetry"
	"github.com/diorama-ai/diorama/pkg/ratelimit"
)

type Router struct {
	cfg      Config
	adapters map[string]backend.Adapter
	limiter  *ratelimit.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	events   telemetry.Emitter
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Router)

func WithEmitter(e telemetry.Emitter) Option {
	return func(r *Router) {
		if e != nil {
			r.events = e
		}
	}
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Router) {
		if l != nil {
			r.limiter = l
		}
	}
}

func New(cfg Config, adapters []backend.Adapter, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	byName := make(map[string]backend.Adapter, len(adapters))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(adapters))
	for _, a := range adapters {
		if _, dup := byName[a.Name()]; dup {
			return nil, fmt.Errorf("router: duplicate backend %q", a.Name())
		}
		byName[a.Name()] = a
		settings := gobreaker.Settings{
			Name:        a.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[a.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	if _, ok := byName[cfg.Primary]; !ok {
		return nil, fmt.Errorf("router: primary backend %q is not registered", cfg.Primary)
	}
	if cfg.Fallback != "" {
		if _, ok := byName[cfg.Fallback]; !ok {
			return nil, fmt.Errorf("router: fallback backend %q is not registered", cfg.Fallback)
		}
	}

	r := &Router{
		cfg:      cfg,
		adapters: byName,
		limiter:  ratelimit.New(cfg.Registry.Tier, nil),
		breakers: breakers,
		events:   telemetry.NopEmitter{},
		tracer:   otel.Tracer("github.com/diorama-ai/diorama/internal/router"),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Concurrency reports how many parallel calls a fan-out may issue for a
// capability: the model tier's ceiling, capped by the owning backend's
// hard limit minus the mode's headroom. Never below 1.
func (r *Router) Concurrency(cap backend.Capability) int {
	model, err := r.modelFor(cap)
	if err != nil {
		return 1
	}
	var tierLimit int
	switch r.cfg.Registry.Tier(model) {
	case backend.TierNative:
		tierLimit = nativeConcurrency
	case backend.TierPaid:
		tierLimit = paidConcurrency
	default:
		tierLimit = freeConcurrency
	}
	headroom := balancedHeadroom
	if r.cfg.Parallelism == ModeMaxThroughput {
		headroom = throughputHeadroom
	}
	limit := r.cfg.Registry.HardLimit(r.ownerOf(model)) - headroom
	if tierLimit < limit {
		limit = tierLimit
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Health probes every registered backend.
func (r *Router) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(r.adapters))
	for name, ad := range r.adapters {
		out[name] = ad.HealthCheck(ctx)
	}
	return out
}

func (r *Router) modelFor(cap backend.Capability) (string, error) {
	if m, ok := r.cfg.CapabilityModels[cap]; ok && m != "" {
		return m, nil
	}
	return "", &CapabilityNotConfiguredError{Capability: cap}
}

// ownerOf resolves which backend serves a model: the registry's claim
// when that backend is registered, the primary otherwise.
func (r *Router) ownerOf(model string) string {
	if owner := r.cfg.Registry.BackendFor(model); owner != "" {
		if _, ok := r.adapters[owner]; ok {
			return owner
		}
	}
	return r.cfg.Primary
}

func (r *Router) emit(ctx context.Context, ev telemetry.Event) {
	ev.RunID = telemetry.RunID(ctx)
	ev.StageID = telemetry.StageID(ctx)
	r.events.Emit(ev)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
