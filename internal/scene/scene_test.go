package scene

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diorama-ai/diorama/internal/backend"
	"github.com/diorama-ai/diorama/internal/pipeline"
	"github.com/diorama-ai/diorama/internal/router"
	"github.com/diorama-ai/diorama/pkg/ratelimit"
)

var _ Generator = (*router.Router)(nil)

// stubGen scripts Generator responses without a router.
type stubGen struct {
	textFn   func(ctx context.Context, cap backend.Capability, req *backend.TextRequest) (*backend.TextResponse, error)
	imageFn  func(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error)
	visionFn func(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error)
	conc     int
}

func (s *stubGen) GenerateText(ctx context.Context, cap backend.Capability, req *backend.TextRequest) (*backend.TextResponse, error) {
	if s.textFn != nil {
		return s.textFn(ctx, cap, req)
	}
	return scriptText(req)
}

func (s *stubGen) GenerateImage(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error) {
	if s.imageFn != nil {
		return s.imageFn(ctx, req)
	}
	return &backend.ImageResponse{Data: []byte{0x89, 0x50}, MIMEType: "image/png", Model: "img", Backend: "stub"}, nil
}

func (s *stubGen) AnalyzeImage(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error) {
	if s.visionFn != nil {
		return s.visionFn(ctx, req)
	}
	return scriptVision(req)
}

func (s *stubGen) Concurrency(backend.Capability) int {
	if s.conc > 0 {
		return s.conc
	}
	return 4
}

func schemaHas(schema map[string]any, prop string) bool {
	props, _ := schema["properties"].(map[string]any)
	_, ok := props[prop]
	return ok
}

// scriptText fabricates a plausible structured answer for whichever
// schema the stage asked for.
func scriptText(req *backend.TextRequest) (*backend.TextResponse, error) {
	resp := &backend.TextResponse{Model: "t-model", Backend: "stub"}
	switch {
	case req.Schema == nil:
		resp.Text = req.Prompt
	case schemaHas(req.Schema, "logline"):
		resp.Structured = map[string]any{
			"title":   "The Last Ferry",
			"logline": "Two strangers share the final crossing of the season.",
			"setting": "a fog-bound river dock",
			"mood":    "wistful",
		}
	case schemaHas(req.Schema, "characters"):
		resp.Structured = map[string]any{
			"characters": []any{
				map[string]any{"name": "Mara", "role": "ferry keeper", "description": "keeps the schedule"},
				map[string]any{"name": "Oleg", "role": "late traveler", "description": "misses everything"},
				map[string]any{"name": "Pip", "role": "stowaway", "description": "small and quick"},
			},
		}
	case schemaHas(req.Schema, "lines"):
		resp.Structured = map[string]any{
			"lines": []any{
				map[string]any{"speaker": "Mara", "line": "Last crossing. Board or wait for spring.", "panel": 1},
				map[string]any{"speaker": "Oleg", "line": "Spring is a long way to swim.", "panel": 2},
			},
		}
	case schemaHas(req.Schema, "panels"):
		resp.Structured = map[string]any{
			"panels": []any{
				map[string]any{"index": 1, "description": "wide shot of the fog-bound dock", "characters": []any{"Mara"}},
				map[string]any{"index": 2, "description": "Oleg running with a suitcase"},
			},
		}
	default:
		return nil, fmt.Errorf("unscripted schema %v", req.Schema)
	}
	return resp, nil
}

func scriptVision(*backend.VisionRequest) (*backend.VisionResponse, error) {
	return &backend.VisionResponse{
		Structured: map[string]any{
			"score":   7.5,
			"verdict": "serviceable",
			"notes":   []any{"fog reads well"},
		},
		Model: "v-model", Backend: "stub",
	}, nil
}

func validRequest() *Request {
	return &Request{Premise: "two strangers share the final ferry crossing of the season"}
}

func TestGateStage(t *testing.T) {
	gate := &gateStage{}

	t.Run("normalizes defaults", func(t *testing.T) {
		out, err := gate.Run(context.Background(), pipeline.StageInput{Request: &Request{
			Premise: "  two strangers share the final ferry crossing  ",
		}})
		require.NoError(t, err)
		req, ok := out.Value.(Request)
		require.True(t, ok)
		assert.Equal(t, "two strangers share the final ferry crossing", req.Premise)
		assert.Equal(t, "16:9", req.AspectRatio)
		assert.Equal(t, 8, req.DialogLines)
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name string
			req  *Request
			want string
		}{
			{"empty premise", &Request{}, "premise is empty"},
			{"short premise", &Request{Premise: "a dock"}, "too short"},
			{"too many panels", &Request{Premise: validRequest().Premise, Panels: 50}, "panels"},
			{"negative dialog", &Request{Premise: validRequest().Premise, DialogLines: -1}, "dialog_lines"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := gate.Run(context.Background(), pipeline.StageInput{Request: tt.req})
				var rej *pipeline.Rejection
				require.ErrorAs(t, err, &rej)
				assert.Contains(t, rej.Reason, tt.want)
			})
		}
	})

	t.Run("wrong request type fails rather than rejects", func(t *testing.T) {
		_, err := gate.Run(context.Background(), pipeline.StageInput{Request: "bare string"})
		require.Error(t, err)
		var rej *pipeline.Rejection
		assert.False(t, errors.As(err, &rej))
	})
}

func TestStagesWireIntoPipeline(t *testing.T) {
	_, err := pipeline.New(Stages(&stubGen{}))
	require.NoError(t, err)
}

func TestFullRunProducesScene(t *testing.T) {
	gen := &stubGen{}
	o, err := pipeline.New(Stages(gen))
	require.NoError(t, err)

	state, err := o.Run(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, state.Status)
	require.Len(t, state.History, 7)
	assert.True(t, state.IsValid())

	sc, err := Assemble(state)
	require.NoError(t, err)
	assert.Equal(t, "The Last Ferry", sc.Premise.Title)
	require.Len(t, sc.Cast, 3)
	for _, c := range sc.Cast {
		assert.NotEmpty(t, c.VisualDescription, "cast fan-out must fill %s", c.Name)
	}
	require.Len(t, sc.Dialog, 2)
	require.Len(t, sc.Layout.Panels, 2)
	assert.Equal(t, 1, sc.Layout.Panels[0].Index)
	require.NotNil(t, sc.Artwork)
	assert.NotEmpty(t, sc.Artwork.Data)
	require.NotNil(t, sc.Critique)
	assert.InDelta(t, 7.5, sc.Critique.Score, 0.001)
}

func TestCastFanOutBoundedAndReassociated(t *testing.T) {
	var inFlight, peak atomic.Int64
	gen := &stubGen{conc: 2}
	gen.textFn = func(_ context.Context, _ backend.Capability, req *backend.TextRequest) (*backend.TextResponse, error) {
		if req.Schema != nil {
			return scriptText(req)
		}
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		// Echo the prompt so the test can check re-association.
		return &backend.TextResponse{Text: req.Prompt, Model: "t-model", Backend: "stub"}, nil
	}

	stage := &castStage{gen: gen}
	in := pipeline.StageInput{
		RunID:   "r1",
		Request: validRequest(),
		Outputs: map[string]any{
			StageGate:    *validRequest(),
			StageConcept: Premise{Title: "The Last Ferry", Logline: "x", Setting: "a dock"},
		},
	}
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	cast, ok := out.Value.([]Character)
	require.True(t, ok)
	require.Len(t, cast, 3)
	for _, c := range cast {
		// Each character's description came from its own fan-out call.
		assert.Contains(t, c.VisualDescription, c.Name)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2), "fan-out exceeded the concurrency bound")
}

func TestArtworkFailureDegradesRun(t *testing.T) {
	gen := &stubGen{}
	gen.imageFn = func(context.Context, *backend.ImageRequest) (*backend.ImageResponse, error) {
		return nil, &backend.TransientServerError{Backend: "stub", StatusCode: 503}
	}
	o, err := pipeline.New(Stages(gen))
	require.NoError(t, err)

	state, err := o.Run(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, state.Status)
	require.Len(t, state.History, 7)
	artRes := state.History[5]
	assert.Equal(t, StageArtwork, artRes.StageID)
	assert.False(t, artRes.Success)
	critRes := state.History[6]
	assert.Equal(t, StageCritique, critRes.StageID)
	assert.True(t, critRes.Skipped)

	sc, err := Assemble(state)
	require.NoError(t, err)
	assert.Nil(t, sc.Artwork)
	assert.Nil(t, sc.Critique)
}

func TestRejectionEndsRunBeforeAnyBackendCall(t *testing.T) {
	called := false
	gen := &stubGen{textFn: func(_ context.Context, _ backend.Capability, req *backend.TextRequest) (*backend.TextResponse, error) {
		called = true
		return scriptText(req)
	}}
	o, err := pipeline.New(Stages(gen))
	require.NoError(t, err)

	state, err := o.Run(context.Background(), &Request{Premise: "nope"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRejected, state.Status)
	require.Len(t, state.History, 1)
	assert.False(t, called)
}

// fakeAdapter drives the real router in the cascade scenario below.
type fakeAdapter struct {
	name       string
	imageFn    func(req *backend.ImageRequest) (*backend.ImageResponse, error)
	imageCalls atomic.Int64
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) GenerateText(_ context.Context, req *backend.TextRequest) (*backend.TextResponse, error) {
	resp, err := scriptText(req)
	if err != nil {
		return nil, err
	}
	resp.Model, resp.Backend = req.Model, f.name
	return resp, nil
}

func (f *fakeAdapter) GenerateImage(_ context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error) {
	f.imageCalls.Add(1)
	if f.imageFn != nil {
		return f.imageFn(req)
	}
	return &backend.ImageResponse{Data: []byte{0xFF, 0xD8}, MIMEType: "image/jpeg", Model: req.Model, Backend: f.name}, nil
}

func (f *fakeAdapter) AnalyzeImage(_ context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error) {
	resp, err := scriptVision(req)
	if err != nil {
		return nil, err
	}
	resp.Model, resp.Backend = req.Model, f.name
	return resp, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) bool { return true }

// The full degradation path: primary image quota-capped, alternate
// down, keyless public service saves the stage. The primary must be
// tried exactly once.
func TestImageCascadeAcrossWholePipeline(t *testing.T) {
	gem := &fakeAdapter{name: "gemini", imageFn: func(*backend.ImageRequest) (*backend.ImageResponse, error) {
		return nil, &backend.QuotaExhaustedError{Backend: "gemini", Message: "PerDay quota"}
	}}
	or := &fakeAdapter{name: "openrouter", imageFn: func(*backend.ImageRequest) (*backend.ImageResponse, error) {
		return nil, &backend.AuthenticationError{Backend: "openrouter", Message: "key revoked"}
	}}
	pub := &fakeAdapter{name: "pollinations"}

	reg := backend.NewRegistry([]backend.ModelInfo{
		{ID: "t-model", Backend: "gemini", Tier: backend.TierNative},
		{ID: "v-model", Backend: "gemini", Tier: backend.TierNative},
		{ID: "img-native", Backend: "gemini", Tier: backend.TierNative},
		{ID: "sd-image", Backend: "openrouter", Tier: backend.TierPaid},
	}, map[string]int{"gemini": 16, "openrouter": 8})

	rates := map[backend.ModelTier]ratelimit.Rate{
		backend.TierFree:   {Capacity: 1 << 20, RefillPerSec: 1 << 20},
		backend.TierPaid:   {Capacity: 1 << 20, RefillPerSec: 1 << 20},
		backend.TierNative: {Capacity: 1 << 20, RefillPerSec: 1 << 20},
	}

	r, err := router.New(router.Config{
		Primary: "gemini",
		CapabilityModels: map[backend.Capability]string{
			backend.CapabilityText:   "t-model",
			backend.CapabilityCode:   "t-model",
			backend.CapabilityVision: "v-model",
			backend.CapabilityImage:  "img-native",
		},
		AltImageBackend:    "openrouter",
		AltImageModel:      "sd-image",
		PublicImageBackend: "pollinations",
		ImageRetries:       2,
		Registry:           reg,
	}, []backend.Adapter{gem, or, pub}, router.WithLimiter(ratelimit.New(reg.Tier, rates)))
	require.NoError(t, err)

	o, err := pipeline.New(Stages(r))
	require.NoError(t, err)

	state, err := o.Run(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, state.Status)

	artRes := state.History[5]
	require.Equal(t, StageArtwork, artRes.StageID)
	require.True(t, artRes.Success)
	assert.Equal(t, "pollinations", artRes.Backend)
	assert.Equal(t, int64(1), gem.imageCalls.Load(), "quota exhaustion must not be retried in place")
	assert.Equal(t, int64(1), or.imageCalls.Load())

	sc, err := Assemble(state)
	require.NoError(t, err)
	require.NotNil(t, sc.Artwork)
	assert.Equal(t, "pollinations", sc.Artwork.Backend)
}

func TestAssembleRequiresCompleteOutputs(t *testing.T) {
	state := &pipeline.RunState{
		RunID:   "r1",
		Status:  pipeline.StatusFailed,
		Outputs: map[string]any{StageConcept: Premise{Title: "x"}},
	}
	_, err := Assemble(state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), StageCast)
}
