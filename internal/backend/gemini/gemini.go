// Package gemini adapts Google's Gemini API through the official genai
// SDK. It is the native backend: first-party models, server-enforced
// structured output, vision input and image generation.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/diorama-ai/diorama/internal/backend"
)

const defaultHealthURL = "https://generativelanguage.googleapis.com/v1beta/models?pageSize=1"

type Adapter struct {
	apiKey     string
	healthURL  string
	httpClient *http.Client

	mu     sync.Mutex
	client *genai.Client

	newClient func(ctx context.Context) (*genai.Client, error)
}

var _ backend.Adapter = (*Adapter)(nil)

func New(apiKey string) *Adapter {
	a := &Adapter{
		apiKey:     apiKey,
		healthURL:  defaultHealthURL,
		httpClient: &http.Client{},
	}
	a.newClient = func(ctx context.Context) (*genai.Client, error) {
		return genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	}
	return a
}

func (a *Adapter) Name() string { return "gemini" }

// conn returns the shared SDK client, dialing it on first use so
// constructing the adapter never blocks. Failed dials are not cached.
func (a *Adapter) conn(ctx context.Context) (*genai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return nil, a.classify(err)
	}
	a.client = c
	return c, nil
}

func (a *Adapter) GenerateText(ctx context.Context, req *backend.TextRequest) (*backend.TextResponse, error) {
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = req.Schema
	}

	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, a.classify(err)
	}

	text := joinTextParts(resp)
	out := &backend.TextResponse{
		Text:      text,
		Model:     req.Model,
		Backend:   a.Name(),
		Usage:     usageOf(resp),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if req.Schema != nil {
		var structured map[string]any
		if err := json.Unmarshal([]byte(text), &structured); err != nil {
			return nil, &backend.TransientServerError{Backend: a.Name(), Message: fmt.Sprintf("structured output: %v", err)}
		}
		out.Structured = structured
	}
	return out, nil
}

func (a *Adapter) GenerateImage(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error) {
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	// Imagen models have a dedicated endpoint; Gemini image models
	// return inline blobs from the standard generate call.
	if strings.HasPrefix(req.Model, "imagen") {
		config := &genai.GenerateImagesConfig{NumberOfImages: 1}
		if req.AspectRatio != "" {
			config.AspectRatio = req.AspectRatio
		}
		resp, err := client.Models.GenerateImages(ctx, req.Model, req.Prompt, config)
		if err != nil {
			return nil, a.classify(err)
		}
		if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
			return nil, &backend.TransientServerError{Backend: a.Name(), Message: "response carried no image"}
		}
		img := resp.GeneratedImages[0].Image
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		return &backend.ImageResponse{
			Data:      img.ImageBytes,
			MIMEType:  mime,
			Model:     req.Model,
			Backend:   a.Name(),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, a.classify(err)
	}
	data, mime := inlineImage(resp)
	if data == nil {
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: "response carried no image"}
	}
	return &backend.ImageResponse{
		Data:      data,
		MIMEType:  mime,
		Model:     req.Model,
		Backend:   a.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) AnalyzeImage(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error) {
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}

	data, mime := req.Image, req.MIMEType
	if data == nil && req.ImageURL != "" {
		data, mime, err = a.fetchImage(ctx, req.ImageURL)
		if err != nil {
			return nil, err
		}
	}
	if mime == "" {
		mime = "image/png"
	}

	config := &genai.GenerateContentConfig{}
	if req.Schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = req.Schema
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mime, Data: data}},
			{Text: req.Prompt},
		},
	}}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, a.classify(err)
	}
	text := joinTextParts(resp)
	out := &backend.VisionResponse{
		Text:      text,
		Model:     req.Model,
		Backend:   a.Name(),
		Usage:     usageOf(resp),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if req.Schema != nil {
		var structured map[string]any
		if err := json.Unmarshal([]byte(text), &structured); err != nil {
			return nil, &backend.TransientServerError{Backend: a.Name(), Message: fmt.Sprintf("structured output: %v", err)}
		}
		out.Structured = structured
	}
	return out, nil
}

// HealthCheck hits the model listing endpoint directly; it is the
// cheapest authenticated call the API offers.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.healthURL, nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("x-goog-api-key", a.apiKey)
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// fetchImage pulls a remote artwork reference into memory so it can be
// inlined. Capped at 8 MiB.
func (a *Adapter) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &backend.PermanentError{Backend: a.Name(), Message: err.Error()}
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &backend.TransientServerError{Backend: a.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &backend.TransientServerError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: "fetching image reference"}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", &backend.TransientServerError{Backend: a.Name(), Message: err.Error()}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func joinTextParts(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func inlineImage(resp *genai.GenerateContentResponse) ([]byte, string) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ""
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			return part.InlineData.Data, mime
		}
	}
	return nil, ""
}

func usageOf(resp *genai.GenerateContentResponse) backend.Usage {
	if resp.UsageMetadata == nil {
		return backend.Usage{}
	}
	return backend.Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}

// classify maps SDK failures onto the shared taxonomy. The API reports
// both per-minute throttles and the spent daily allowance as 429
// RESOURCE_EXHAUSTED; the quota details tell them apart.
func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return &backend.TransientServerError{Backend: a.Name(), Message: err.Error()}
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &backend.AuthenticationError{Backend: a.Name(), Message: apiErr.Message}
	case http.StatusTooManyRequests:
		if quotaIsDaily(apiErr) {
			return &backend.QuotaExhaustedError{Backend: a.Name(), Message: apiErr.Message}
		}
		return &backend.RateLimitError{Backend: a.Name(), RetryAfter: retryDelay(apiErr), Message: apiErr.Message}
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &backend.TransientServerError{Backend: a.Name(), StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return &backend.PermanentError{Backend: a.Name(), StatusCode: apiErr.Code, Message: apiErr.Message}
}

// quotaIsDaily reports whether a RESOURCE_EXHAUSTED error names a
// per-day quota bucket rather than a short-window throttle.
func quotaIsDaily(e genai.APIError) bool {
	if strings.Contains(e.Message, "PerDay") {
		return true
	}
	for _, d := range e.Details {
		raw, err := json.Marshal(d)
		if err != nil {
			continue
		}
		if strings.Contains(string(raw), "PerDay") {
			return true
		}
	}
	return false
}

// retryDelay extracts the RetryInfo hint the API attaches to throttles.
func retryDelay(e genai.APIError) time.Duration {
	for _, d := range e.Details {
		t, _ := d["@type"].(string)
		if !strings.Contains(t, "RetryInfo") {
			continue
		}
		if s, ok := d["retryDelay"].(string); ok {
			if dur, err := time.ParseDuration(s); err == nil && dur > 0 {
				return dur
			}
		}
	}
	return 0
}
