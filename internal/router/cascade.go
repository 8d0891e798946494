package router

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/diorama-ai/diorama/internal/backend"
	"github.com/diorama-ai/diorama/internal/telemetry"
)

// hop is one cascade step: a backend, a model, and how many attempts it
// gets before the cascade moves on.
type hop struct {
	backendName string
	model       string
	budget      int
}

// GenerateText routes a text or code call through the cascade:
// the configured model, then a paid same-backend rescue when the
// configured model is free tier, then the fallback backend's verified
// model. Hops are capped by MaxRetries.
func (r *Router) GenerateText(ctx context.Context, cap backend.Capability, req *backend.TextRequest) (*backend.TextResponse, error) {
	model, err := r.modelFor(cap)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "router.text", trace.WithAttributes(
		attribute.String("capability", string(cap)),
		attribute.String("model", model),
	))
	defer span.End()

	run := func(h hop) (*backend.TextResponse, error) {
		ad := r.adapters[h.backendName]
		hreq := *req
		hreq.Model = h.model
		return attemptHop(ctx, r, h, func(callCtx context.Context) (*backend.TextResponse, error) {
			return ad.GenerateText(callCtx, &hreq)
		})
	}

	var hops []HopError
	remaining := r.cfg.MaxRetries

	first := hop{backendName: r.ownerOf(model), model: model, budget: r.cfg.TextRetries}
	resp, firstErr := run(first)
	remaining--
	if firstErr == nil {
		return resp, nil
	}
	hops = append(hops, HopError{first.backendName, first.model, firstErr})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A rate-limited or quota-spent free model can often be rescued by
	// a paid sibling on the same backend. Fatal failures (auth,
	// permanent, open breaker) poison the whole backend instead.
	if remaining > 0 && r.cfg.Registry.Tier(model) == backend.TierFree && rescueEligible(firstErr) {
		if rescue := r.cfg.RescueModels[first.backendName]; rescue != "" && rescue != model {
			r.emitFallback(ctx, first.backendName, rescue, firstErr)
			h := hop{backendName: first.backendName, model: rescue, budget: r.cfg.TextRetries}
			resp, err := run(h)
			remaining--
			if err == nil {
				return resp, nil
			}
			hops = append(hops, HopError{h.backendName, h.model, err})
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	if remaining > 0 && r.cfg.Fallback != "" && r.cfg.Fallback != first.backendName {
		if safe := r.cfg.SafeModels[r.cfg.Fallback]; safe != "" {
			prev := hops[len(hops)-1].Err
			r.emitFallback(ctx, r.cfg.Fallback, safe, prev)
			h := hop{backendName: r.cfg.Fallback, model: safe, budget: r.cfg.TextRetries}
			resp, err := run(h)
			if err == nil {
				return resp, nil
			}
			hops = append(hops, HopError{h.backendName, h.model, err})
		}
	}

	return nil, &CascadeError{Capability: cap, Hops: hops}
}

// GenerateImage routes an image call through its own cascade: the
// configured model, an alternate backend's known-fast model, then the
// keyless public service.
func (r *Router) GenerateImage(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error) {
	model, err := r.modelFor(backend.CapabilityImage)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "router.image", trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	run := func(h hop) (*backend.ImageResponse, error) {
		ad := r.adapters[h.backendName]
		hreq := *req
		hreq.Model = h.model
		return attemptHop(ctx, r, h, func(callCtx context.Context) (*backend.ImageResponse, error) {
			return ad.GenerateImage(callCtx, &hreq)
		})
	}

	var hops []HopError
	remaining := r.cfg.MaxRetries

	first := hop{backendName: r.ownerOf(model), model: model, budget: r.cfg.ImageRetries}
	resp, firstErr := run(first)
	remaining--
	if firstErr == nil {
		return resp, nil
	}
	hops = append(hops, HopError{first.backendName, first.model, firstErr})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if remaining > 0 && r.cfg.AltImageBackend != "" && r.cfg.AltImageModel != "" {
		if _, ok := r.adapters[r.cfg.AltImageBackend]; ok &&
			(r.cfg.AltImageBackend != first.backendName || r.cfg.AltImageModel != first.model) {
			r.emitFallback(ctx, r.cfg.AltImageBackend, r.cfg.AltImageModel, firstErr)
			h := hop{backendName: r.cfg.AltImageBackend, model: r.cfg.AltImageModel, budget: r.cfg.ImageRetries}
			resp, err := run(h)
			remaining--
			if err == nil {
				return resp, nil
			}
			hops = append(hops, HopError{h.backendName, h.model, err})
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	if remaining > 0 && r.cfg.PublicImageBackend != "" && r.cfg.PublicImageBackend != first.backendName {
		if _, ok := r.adapters[r.cfg.PublicImageBackend]; ok {
			prev := hops[len(hops)-1].Err
			r.emitFallback(ctx, r.cfg.PublicImageBackend, "", prev)
			h := hop{backendName: r.cfg.PublicImageBackend, budget: r.cfg.ImageRetries}
			resp, err := run(h)
			if err == nil {
				return resp, nil
			}
			hops = append(hops, HopError{h.backendName, h.model, err})
		}
	}

	return nil, &CascadeError{Capability: backend.CapabilityImage, Hops: hops}
}

// AnalyzeImage routes a vision call: the configured model, then the
// fallback backend's verified model. Vision has no free-tier rescue.
func (r *Router) AnalyzeImage(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error) {
	model, err := r.modelFor(backend.CapabilityVision)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "router.vision", trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	run := func(h hop) (*backend.VisionResponse, error) {
		ad := r.adapters[h.backendName]
		hreq := *req
		hreq.Model = h.model
		return attemptHop(ctx, r, h, func(callCtx context.Context) (*backend.VisionResponse, error) {
			return ad.AnalyzeImage(callCtx, &hreq)
		})
	}

	var hops []HopError
	remaining := r.cfg.MaxRetries

	first := hop{backendName: r.ownerOf(model), model: model, budget: r.cfg.TextRetries}
	resp, firstErr := run(first)
	remaining--
	if firstErr == nil {
		return resp, nil
	}
	hops = append(hops, HopError{first.backendName, first.model, firstErr})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if remaining > 0 && r.cfg.Fallback != "" && r.cfg.Fallback != first.backendName {
		if safe := r.cfg.SafeModels[r.cfg.Fallback]; safe != "" {
			r.emitFallback(ctx, r.cfg.Fallback, safe, firstErr)
			h := hop{backendName: r.cfg.Fallback, model: safe, budget: r.cfg.TextRetries}
			resp, err := run(h)
			if err == nil {
				return resp, nil
			}
			hops = append(hops, HopError{h.backendName, h.model, err})
		}
	}

	return nil, &CascadeError{Capability: backend.CapabilityVision, Hops: hops}
}

// attemptHop runs one hop's retry loop: advisory limiter, circuit
// breaker, per-attempt timeout, exponential backoff. Server retry hints
// win over the schedule when they are longer. Non-retryable failures
// abort the hop on the spot.
func attemptHop[T any](ctx context.Context, r *Router, h hop, call func(context.Context) (T, error)) (T, error) {
	var zero T
	cb := r.breakers[h.backendName]
	if cb.State() == gobreaker.StateOpen {
		return zero, &BackendOpenError{Backend: h.backendName}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = r.cfg.MaxBackoff

	var lastErr error
	for attempt := 1; attempt <= h.budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		// Advisory: a false here spaces traffic but never blocks the
		// attempt; the backend stays the authority on limits.
		r.limiter.Acquire(ctx, h.model, r.cfg.AcquireTimeout)

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		start := time.Now()
		res, err := cb.Execute(func() (interface{}, error) {
			out, callErr := call(callCtx)
			if callErr != nil {
				return nil, callErr
			}
			return out, nil
		})
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		latency := time.Since(start).Milliseconds()

		if err == nil {
			r.emit(ctx, telemetry.Event{
				Backend: h.backendName, Model: h.model,
				Outcome: telemetry.OutcomeSuccess, Attempt: attempt, LatencyMs: latency,
			})
			return res.(T), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &BackendOpenError{Backend: h.backendName}
		}
		if timedOut {
			err = &backend.TransientServerError{Backend: h.backendName, Message: "attempt timed out"}
		}
		lastErr = err

		kind := backend.KindOf(err)
		r.emit(ctx, telemetry.Event{
			Backend: h.backendName, Model: h.model,
			Outcome: telemetry.OutcomeFailure, Attempt: attempt,
			LatencyMs: latency, ErrorKind: string(kind),
		})

		if !backend.Retryable(err) {
			return zero, err
		}
		if attempt == h.budget {
			break
		}

		wait := bo.NextBackOff()
		if hint := backend.RetryAfterHint(err); hint > wait {
			wait = hint
		}
		r.emit(ctx, telemetry.Event{
			Backend: h.backendName, Model: h.model,
			Outcome: telemetry.OutcomeRetry, Attempt: attempt + 1, WaitMs: wait.Milliseconds(),
			ErrorKind: string(kind),
		})
		if err := r.sleep(ctx, wait); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// rescueEligible reports whether a failure leaves the backend itself
// healthy enough for a different model to try.
func rescueEligible(err error) bool {
	switch backend.KindOf(err) {
	case backend.KindRateLimit, backend.KindQuotaExhausted, backend.KindTransient:
		return true
	}
	return false
}

func (r *Router) emitFallback(ctx context.Context, toBackend, toModel string, cause error) {
	r.emit(ctx, telemetry.Event{
		Backend:   toBackend,
		Model:     toModel,
		Outcome:   telemetry.OutcomeFallback,
		ErrorKind: string(backend.KindOf(cause)),
		Detail:    cause.Error(),
	})
}
