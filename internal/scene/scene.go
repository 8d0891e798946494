// Package scene defines the diorama domain: what a generated scene
// contains and the fixed pipeline of stages that produces one. Prompt
// wording is deliberately thin; the routing and orchestration behavior
// around the calls is the load-bearing part.
package scene

import (
	"fmt"
	"strings"

	"github.com/diorama-ai/diorama/internal/pipeline"
)

const (
	maxPremiseLen = 2000
	minPremiseLen = 10
	maxPanels     = 12
	maxDialog     = 40
	maxCast       = 6
)

// Request is the caller's input to one scene run.
type Request struct {
	Premise     string `json:"premise"`
	Audience    string `json:"audience,omitempty"`
	Style       string `json:"style,omitempty"`
	Panels      int    `json:"panels,omitempty"`
	DialogLines int    `json:"dialog_lines,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Premise is the concept stage's output.
type Premise struct {
	Title   string `json:"title"`
	Logline string `json:"logline"`
	Setting string `json:"setting"`
	Mood    string `json:"mood,omitempty"`
}

// Character belongs to the scene's cast. VisualDescription is filled by
// the cast stage's per-character fan-out.
type Character struct {
	Name              string `json:"name"`
	Role              string `json:"role"`
	Description       string `json:"description"`
	VisualDescription string `json:"visual_description,omitempty"`
}

// DialogLine is one spoken line, optionally pinned to a panel.
type DialogLine struct {
	Speaker string `json:"speaker"`
	Line    string `json:"line"`
	Panel   int    `json:"panel,omitempty"`
}

// Panel is one frame of the layout.
type Panel struct {
	Index       int      `json:"index"`
	Description string   `json:"description"`
	Characters  []string `json:"characters,omitempty"`
}

// Layout is the layout stage's output.
type Layout struct {
	Panels []Panel `json:"panels"`
}

// Artwork is the rendered image, carried as bytes and/or a URL
// depending on which backend served it.
type Artwork struct {
	Data     []byte `json:"-"`
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Critique is the vision stage's judgement of the artwork.
type Critique struct {
	Score   float64  `json:"score"`
	Verdict string   `json:"verdict"`
	Notes   []string `json:"notes,omitempty"`
}

// Scene is the assembled final product. Artwork and Critique come from
// optional stages and may be absent.
type Scene struct {
	Premise  Premise      `json:"premise"`
	Cast     []Character  `json:"cast"`
	Dialog   []DialogLine `json:"dialog"`
	Layout   Layout       `json:"layout"`
	Artwork  *Artwork     `json:"artwork,omitempty"`
	Critique *Critique    `json:"critique,omitempty"`
}

// Assemble builds a Scene from a finished run's outputs. It fails when
// a required stage's output is missing or has an unexpected type, which
// indicates the run did not complete.
func Assemble(state *pipeline.RunState) (*Scene, error) {
	var s Scene

	premise, err := outputAs[Premise](state, StageConcept)
	if err != nil {
		return nil, err
	}
	s.Premise = premise

	cast, err := outputAs[[]Character](state, StageCast)
	if err != nil {
		return nil, err
	}
	s.Cast = cast

	dialog, err := outputAs[[]DialogLine](state, StageDialog)
	if err != nil {
		return nil, err
	}
	s.Dialog = dialog

	layout, err := outputAs[Layout](state, StageLayout)
	if err != nil {
		return nil, err
	}
	s.Layout = layout

	if art, err := outputAs[Artwork](state, StageArtwork); err == nil {
		s.Artwork = &art
	}
	if crit, err := outputAs[Critique](state, StageCritique); err == nil {
		s.Critique = &crit
	}
	return &s, nil
}

func outputAs[T any](state *pipeline.RunState, stageID string) (T, error) {
	var zero T
	v, ok := state.Output(stageID)
	if !ok {
		return zero, fmt.Errorf("scene: no %q output in run %s", stageID, state.RunID)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scene: %q output is %T, want %T", stageID, v, zero)
	}
	return typed, nil
}

// validate is the gate stage's domain check. A non-empty reason means
// the request must be rejected, not failed.
func (r *Request) validate() string {
	premise := strings.TrimSpace(r.Premise)
	switch {
	case premise == "":
		return "premise is empty"
	case len(premise) < minPremiseLen:
		return "premise is too short to stage"
	case len(premise) > maxPremiseLen:
		return fmt.Sprintf("premise exceeds %d characters", maxPremiseLen)
	case r.Panels < 0 || r.Panels > maxPanels:
		return fmt.Sprintf("panels must be between 0 and %d", maxPanels)
	case r.DialogLines < 0 || r.DialogLines > maxDialog:
		return fmt.Sprintf("dialog_lines must be between 0 and %d", maxDialog)
	}
	return ""
}
