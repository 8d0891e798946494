// Package backend defines the adapter contract shared by every model
// backend, the request/response envelopes, and the failure taxonomy the
// router switches on. Adapters translate vendor payloads into these
// types; nothing above this package inspects vendor wire formats.
package backend

import (
	"context"
	"fmt"
)

// Capability names what a call needs from a model, not which backend
// serves it. Routing maps capabilities to concrete models.
type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityCode   Capability = "code"
	CapabilityVision Capability = "vision"
	CapabilityImage  Capability = "image"
)

func (c Capability) Valid() bool {
	switch c {
	case CapabilityText, CapabilityCode, CapabilityVision, CapabilityImage:
		return true
	}
	return false
}

func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// ModelTier drives concurrency and rate-limit policy. Tiers are registry
// data; nothing re-derives a tier from the model name at decision time.
type ModelTier string

const (
	TierFree   ModelTier = "free"
	TierPaid   ModelTier = "paid"
	TierNative ModelTier = "native"
)

func (t ModelTier) Valid() bool {
	switch t {
	case TierFree, TierPaid, TierNative:
		return true
	}
	return false
}

func ParseTier(s string) (ModelTier, error) {
	t := ModelTier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown model tier %q", s)
	}
	return t, nil
}

type TextRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	// Schema is a JSON schema for structured output, nil for plain text.
	Schema      map[string]any
	Temperature *float64
	MaxTokens   int
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type TextResponse struct {
	Text string
	// Structured holds the decoded JSON object when the request carried
	// a schema.
	Structured map[string]any
	Model      string
	Backend    string
	Usage      Usage
	LatencyMs  int64
}

type ImageRequest struct {
	Model       string
	Prompt      string
	AspectRatio string // "1:1", "16:9"
	Width       int    // pixel hints for backends that take them, 0 for default
	Height      int
}

type ImageResponse struct {
	Data      []byte // raw image bytes, nil when only a URL came back
	URL       string
	MIMEType  string
	Model     string
	Backend   string
	LatencyMs int64
}

type VisionRequest struct {
	Model  string
	Prompt string
	// One of Image or ImageURL is set.
	Image    []byte
	ImageURL string
	MIMEType string
	Schema   map[string]any
}

type VisionResponse struct {
	Text       string
	Structured map[string]any
	Model      string
	Backend    string
	Usage      Usage
	LatencyMs  int64
}

// Adapter is the uniform surface over one backend. Implementations hold
// their own lazily-built connection state and classify every failure
// into the taxonomy in errors.go.
type Adapter interface {
	Name() string
	GenerateText(ctx context.Context, req *TextRequest) (*TextResponse, error)
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
	AnalyzeImage(ctx context.Context, req *VisionRequest) (*VisionResponse, error)
	HealthCheck(ctx context.Context) bool
}
