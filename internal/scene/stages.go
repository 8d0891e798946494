package scene

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/diorama-ai/diorama/internal/backend"
	"github.com/diorama-ai/diorama/internal/pipeline"
)

// Stage IDs, which also key stage outputs in run state.
const (
	StageGate     = "gate"
	StageConcept  = "concept"
	StageCast     = "cast"
	StageDialog   = "dialog"
	StageLayout   = "layout"
	StageArtwork  = "artwork"
	StageCritique = "critique"
)

// Generator is the slice of the router the stages need. Tests stub it;
// production wires *router.Router.
type Generator interface {
	GenerateText(ctx context.Context, cap backend.Capability, req *backend.TextRequest) (*backend.TextResponse, error)
	GenerateImage(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error)
	AnalyzeImage(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error)
	Concurrency(cap backend.Capability) int
}

// Stages returns the fixed scene pipeline in execution order.
func Stages(gen Generator) []pipeline.Stage {
	return []pipeline.Stage{
		&gateStage{},
		&conceptStage{gen: gen},
		&castStage{gen: gen},
		&dialogStage{gen: gen},
		&layoutStage{gen: gen},
		&artworkStage{gen: gen},
		&critiqueStage{gen: gen},
	}
}

func needOutput[T any](in pipeline.StageInput, stageID string) (T, error) {
	var zero T
	v, ok := in.Output(stageID)
	if !ok {
		return zero, fmt.Errorf("scene: stage input missing %q", stageID)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scene: %q input is %T, want %T", stageID, v, zero)
	}
	return typed, nil
}

// decodeInto round-trips a structured response into a typed value.
func decodeInto(structured map[string]any, out any) error {
	b, err := json.Marshal(structured)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func f64(v float64) *float64 { return &v }

// gateStage validates the request before any backend is called. A bad
// request is rejected, a third outcome distinct from failure.
type gateStage struct{}

func (s *gateStage) ID() string      { return StageGate }
func (s *gateStage) Optional() bool  { return false }
func (s *gateStage) Needs() []string { return nil }

func (s *gateStage) Run(_ context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	req, ok := in.Request.(*Request)
	if !ok || req == nil {
		return nil, fmt.Errorf("scene: request is %T, want *scene.Request", in.Request)
	}
	if reason := req.validate(); reason != "" {
		return nil, &pipeline.Rejection{Reason: reason}
	}
	normalized := *req
	normalized.Premise = strings.TrimSpace(req.Premise)
	if normalized.AspectRatio == "" {
		normalized.AspectRatio = "16:9"
	}
	if normalized.DialogLines == 0 {
		normalized.DialogLines = 8
	}
	return &pipeline.StageOutput{Value: normalized}, nil
}

// conceptStage turns the premise into a titled, grounded concept.
type conceptStage struct{ gen Generator }

func (s *conceptStage) ID() string      { return StageConcept }
func (s *conceptStage) Optional() bool  { return false }
func (s *conceptStage) Needs() []string { return []string{StageGate} }

func (s *conceptStage) Run(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	req, err := needOutput[Request](in, StageGate)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Develop a scene concept for this premise:\n%s\n", req.Premise)
	if req.Audience != "" {
		fmt.Fprintf(&b, "Audience: %s\n", req.Audience)
	}
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", req.Style)
	}

	resp, err := s.gen.GenerateText(ctx, backend.CapabilityText, &backend.TextRequest{
		Prompt:       b.String(),
		SystemPrompt: "You are a scene director. Answer with the requested JSON only.",
		Schema:       premiseSchema,
		Temperature:  f64(0.9),
		MaxTokens:    512,
	})
	if err != nil {
		return nil, err
	}

	var p Premise
	if err := decodeInto(resp.Structured, &p); err != nil {
		return nil, fmt.Errorf("scene: decode premise: %w", err)
	}
	if p.Title == "" || p.Logline == "" {
		return nil, fmt.Errorf("scene: concept came back without a title or logline")
	}
	return &pipeline.StageOutput{Value: p, Backend: resp.Backend, Model: resp.Model}, nil
}

// castStage produces the cast, then fans out one call per character for
// a visual description, bounded by the router's effective concurrency.
// Results are written back by index, never by completion order.
type castStage struct{ gen Generator }

func (s *castStage) ID() string      { return StageCast }
func (s *castStage) Optional() bool  { return false }
func (s *castStage) Needs() []string { return []string{StageGate, StageConcept} }

func (s *castStage) Run(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	premise, err := needOutput[Premise](in, StageConcept)
	if err != nil {
		return nil, err
	}

	resp, err := s.gen.GenerateText(ctx, backend.CapabilityText, &backend.TextRequest{
		Prompt: fmt.Sprintf("Cast the scene %q (%s). Invent the few characters the scene needs.",
			premise.Title, premise.Logline),
		SystemPrompt: "You are a casting director. Answer with the requested JSON only.",
		Schema:       castSchema,
		Temperature:  f64(0.8),
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Characters []Character `json:"characters"`
	}
	if err := decodeInto(resp.Structured, &out); err != nil {
		return nil, fmt.Errorf("scene: decode cast: %w", err)
	}
	cast := out.Characters
	if len(cast) == 0 {
		return nil, fmt.Errorf("scene: cast came back empty")
	}
	if len(cast) > maxCast {
		cast = cast[:maxCast]
	}

	limit := s.gen.Concurrency(backend.CapabilityText)
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)
	for i := range cast {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			resp, err := s.gen.GenerateText(gctx, backend.CapabilityText, &backend.TextRequest{
				Prompt: fmt.Sprintf("One sentence describing how %s (%s) looks in %s.",
					cast[i].Name, cast[i].Role, premise.Setting),
				Temperature: f64(0.8),
				MaxTokens:   200,
			})
			if err != nil {
				return fmt.Errorf("visual description for %q: %w", cast[i].Name, err)
			}
			cast[i].VisualDescription = strings.TrimSpace(resp.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &pipeline.StageOutput{Value: cast, Backend: resp.Backend, Model: resp.Model}, nil
}

// dialogStage writes the scene's spoken lines.
type dialogStage struct{ gen Generator }

func (s *dialogStage) ID() string      { return StageDialog }
func (s *dialogStage) Optional() bool  { return false }
func (s *dialogStage) Needs() []string { return []string{StageGate, StageConcept, StageCast} }

func (s *dialogStage) Run(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	req, err := needOutput[Request](in, StageGate)
	if err != nil {
		return nil, err
	}
	premise, err := needOutput[Premise](in, StageConcept)
	if err != nil {
		return nil, err
	}
	cast, err := needOutput[[]Character](in, StageCast)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cast))
	for i, c := range cast {
		names[i] = c.Name
	}

	resp, err := s.gen.GenerateText(ctx, backend.CapabilityText, &backend.TextRequest{
		Prompt: fmt.Sprintf("Write at most %d dialog lines for %q set in %s. Speakers: %s.",
			req.DialogLines, premise.Title, premise.Setting, strings.Join(names, ", ")),
		SystemPrompt: "You are a dialog writer. Answer with the requested JSON only.",
		Schema:       dialogSchema,
		Temperature:  f64(0.9),
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Lines []DialogLine `json:"lines"`
	}
	if err := decodeInto(resp.Structured, &out); err != nil {
		return nil, fmt.Errorf("scene: decode dialog: %w", err)
	}
	if len(out.Lines) == 0 {
		return nil, fmt.Errorf("scene: dialog came back empty")
	}
	if len(out.Lines) > req.DialogLines {
		out.Lines = out.Lines[:req.DialogLines]
	}
	return &pipeline.StageOutput{Value: out.Lines, Backend: resp.Backend, Model: resp.Model}, nil
}

// layoutStage plans panels as strict JSON on the code-capable model.
type layoutStage struct{ gen Generator }

func (s *layoutStage) ID() string     { return StageLayout }
func (s *layoutStage) Optional() bool { return false }
func (s *layoutStage) Needs() []string {
	return []string{StageGate, StageConcept, StageCast, StageDialog}
}

func (s *layoutStage) Run(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	req, err := needOutput[Request](in, StageGate)
	if err != nil {
		return nil, err
	}
	premise, err := needOutput[Premise](in, StageConcept)
	if err != nil {
		return nil, err
	}
	dialog, err := needOutput[[]DialogLine](in, StageDialog)
	if err != nil {
		return nil, err
	}

	panels := req.Panels
	if panels == 0 {
		panels = 4
	}

	resp, err := s.gen.GenerateText(ctx, backend.CapabilityCode, &backend.TextRequest{
		Prompt: fmt.Sprintf("Plan %d panels for %q in %s, distributing %d dialog lines across them.",
			panels, premise.Title, premise.Setting, len(dialog)),
		SystemPrompt: "You emit machine-readable JSON layouts. No prose.",
		Schema:       layoutSchema,
		Temperature:  f64(0.2),
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, err
	}

	var layout Layout
	if err := decodeInto(resp.Structured, &layout); err != nil {
		return nil, fmt.Errorf("scene: decode layout: %w", err)
	}
	if len(layout.Panels) == 0 {
		return nil, fmt.Errorf("scene: layout came back without panels")
	}
	if len(layout.Panels) > panels {
		layout.Panels = layout.Panels[:panels]
	}
	for i := range layout.Panels {
		layout.Panels[i].Index = i + 1
	}
	return &pipeline.StageOutput{Value: layout, Backend: resp.Backend, Model: resp.Model}, nil
}

// artworkStage renders the scene image. It is optional: a scene without
// artwork is degraded, not dead.
type artworkStage struct{ gen Generator }

func (s *artworkStage) ID() string      { return StageArtwork }
func (s *artworkStage) Optional() bool  { return true }
func (s *artworkStage) Needs() []string { return []string{StageGate, StageConcept, StageLayout} }

func (s *artworkStage) Run(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	req, err := needOutput[Request](in, StageGate)
	if err != nil {
		return nil, err
	}
	premise, err := needOutput[Premise](in, StageConcept)
	if err != nil {
		return nil, err
	}
	layout, err := needOutput[Layout](in, StageLayout)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s. %s", premise.Logline, layout.Panels[0].Description)
	if premise.Mood != "" {
		fmt.Fprintf(&b, " Mood: %s.", premise.Mood)
	}
	if req.Style != "" {
		fmt.Fprintf(&b, " Style: %s.", req.Style)
	}

	resp, err := s.gen.GenerateImage(ctx, &backend.ImageRequest{
		Prompt:      b.String(),
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		return nil, err
	}

	art := Artwork{
		Data:     resp.Data,
		URL:      resp.URL,
		MIMEType: resp.MIMEType,
		Backend:  resp.Backend,
		Model:    resp.Model,
	}
	return &pipeline.StageOutput{Value: art, Backend: resp.Backend, Model: resp.Model}, nil
}

// critiqueStage scores the artwork against the concept. Optional, and
// skipped by the orchestrator when the artwork stage produced nothing.
type critiqueStage struct{ gen Generator }

func (s *critiqueStage) ID() string      { return StageCritique }
func (s *critiqueStage) Optional() bool  { return true }
func (s *critiqueStage) Needs() []string { return []string{StageConcept, StageArtwork} }

func (s *critiqueStage) Run(ctx context.Context, in pipeline.StageInput) (*pipeline.StageOutput, error) {
	premise, err := needOutput[Premise](in, StageConcept)
	if err != nil {
		return nil, err
	}
	art, err := needOutput[Artwork](in, StageArtwork)
	if err != nil {
		return nil, err
	}

	resp, err := s.gen.AnalyzeImage(ctx, &backend.VisionRequest{
		Prompt: fmt.Sprintf("Score 0-10 how well this image stages %q: %s.",
			premise.Title, premise.Logline),
		Image:    art.Data,
		ImageURL: art.URL,
		MIMEType: art.MIMEType,
		Schema:   critiqueSchema,
	})
	if err != nil {
		return nil, err
	}

	var crit Critique
	if err := decodeInto(resp.Structured, &crit); err != nil {
		return nil, fmt.Errorf("scene: decode critique: %w", err)
	}
	return &pipeline.StageOutput{Value: crit, Backend: resp.Backend, Model: resp.Model}, nil
}

var premiseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":   map[string]any{"type": "string"},
		"logline": map[string]any{"type": "string"},
		"setting": map[string]any{"type": "string"},
		"mood":    map[string]any{"type": "string"},
	},
	"required": []string{"title", "logline", "setting"},
}

var castSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"characters": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"role":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"name", "role", "description"},
			},
		},
	},
	"required": []string{"characters"},
}

var dialogSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"lines": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"speaker": map[string]any{"type": "string"},
					"line":    map[string]any{"type": "string"},
					"panel":   map[string]any{"type": "integer"},
				},
				"required": []string{"speaker", "line"},
			},
		},
	},
	"required": []string{"lines"},
}

var layoutSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"panels": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"index":       map[string]any{"type": "integer"},
					"description": map[string]any{"type": "string"},
					"characters": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"description"},
			},
		},
	},
	"required": []string{"panels"},
}

var critiqueSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"score":   map[string]any{"type": "number"},
		"verdict": map[string]any{"type": "string"},
		"notes": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"score", "verdict"},
}
