// Package openrouter adapts the OpenRouter aggregator API. One key
// fronts many vendors' models, including the free-tier variants the
// default configuration leans on.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/diorama-ai/diorama/internal/backend"
)

type Adapter struct {
	apiKey  string
	baseURL string
	referer string
	title   string
	client  *http.Client
}

var _ backend.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithAttribution sets the optional HTTP-Referer and X-Title headers the
// aggregator uses to attribute traffic.
func WithAttribution(referer, title string) Option {
	return func(a *Adapter) {
		a.referer = referer
		a.title = title
	}
}

func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: "https://openrouter.ai/api/v1",
		referer: "https://github.com/diorama-ai/diorama",
		title:   "diorama",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "openrouter" }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Modalities     []string        `json:"modalities,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a string for plain prompts or []contentPart for
	// multimodal input.
	Content any `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message responseMessage `json:"message"`
}

type responseMessage struct {
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Images  []imageBlock `json:"images,omitempty"`
}

type imageBlock struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (a *Adapter) GenerateText(ctx context.Context, req *backend.TextRequest) (*backend.TextResponse, error) {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	wire := chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		wire.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: "response", Strict: true, Schema: req.Schema},
		}
	}

	start := time.Now()
	resp, err := a.chat(ctx, &wire)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: "response carried no choices"}
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	out := &backend.TextResponse{
		Text:    resp.Choices[0].Message.Content,
		Model:   model,
		Backend: a.Name(),
		Usage: backend.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if req.Schema != nil {
		structured, err := salvageJSON(out.Text)
		if err != nil {
			// Free-tier models sometimes wrap or garble the JSON. Treat
			// it like a flaky generation: another attempt may parse.
			return nil, &backend.TransientServerError{Backend: a.Name(), Message: fmt.Sprintf("structured output: %v", err)}
		}
		out.Structured = structured
	}
	return out, nil
}

func (a *Adapter) GenerateImage(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error) {
	wire := chatRequest{
		Model:      req.Model,
		Messages:   []chatMessage{{Role: "user", Content: req.Prompt}},
		Modalities: []string{"image", "text"},
	}

	start := time.Now()
	resp, err := a.chat(ctx, &wire)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.Images) == 0 {
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: "response carried no image"}
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	out := &backend.ImageResponse{
		Model:     model,
		Backend:   a.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	raw := resp.Choices[0].Message.Images[0].ImageURL.URL
	if data, mime, err := decodeDataURL(raw); err == nil {
		out.Data = data
		out.MIMEType = mime
	} else {
		out.URL = raw
	}
	return out, nil
}

func (a *Adapter) AnalyzeImage(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error) {
	ref := req.ImageURL
	if ref == "" {
		mime := req.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		ref = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	}
	parts := []contentPart{
		{Type: "text", Text: req.Prompt},
		{Type: "image_url", ImageURL: &imageURL{URL: ref}},
	}
	wire := chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
	}
	if req.Schema != nil {
		wire.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: "analysis", Strict: true, Schema: req.Schema},
		}
	}

	start := time.Now()
	resp, err := a.chat(ctx, &wire)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: "response carried no choices"}
	}

	out := &backend.VisionResponse{
		Text:    resp.Choices[0].Message.Content,
		Model:   req.Model,
		Backend: a.Name(),
		Usage: backend.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if req.Schema != nil {
		structured, err := salvageJSON(out.Text)
		if err != nil {
			return nil, &backend.TransientServerError{Backend: a.Name(), Message: fmt.Sprintf("structured output: %v", err)}
		}
		out.Structured = structured
	}
	return out, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (a *Adapter) chat(ctx context.Context, wire *chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.referer != "" {
		httpReq.Header.Set("HTTP-Referer", a.referer)
	}
	if a.title != "" {
		httpReq.Header.Set("X-Title", a.title)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &backend.TransientServerError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.classify(resp, respBody)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &backend.TransientServerError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: "malformed response body"}
	}
	return &out, nil
}

// classify maps aggregator failures onto the shared taxonomy. The
// subtlety is 429: the aggregator uses it both for short-window
// throttles and for the spent daily free-model allowance, and only the
// former is worth waiting out.
func (a *Adapter) classify(resp *http.Response, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &backend.AuthenticationError{Backend: a.Name(), Message: msg}
	case resp.StatusCode == http.StatusPaymentRequired:
		return &backend.QuotaExhaustedError{Backend: a.Name(), Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		if isDailyCap(msg) {
			return &backend.QuotaExhaustedError{Backend: a.Name(), Message: msg}
		}
		return &backend.RateLimitError{Backend: a.Name(), RetryAfter: retryAfter(resp.Header, body), Message: msg}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &backend.TransientServerError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: msg}
	}
	return &backend.PermanentError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: msg}
}

func isDailyCap(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "free-models-per-day") || strings.Contains(m, "daily limit")
}

// retryAfter prefers the Retry-After header, then the rate-limit reset
// the aggregator embeds in the error metadata.
func retryAfter(h http.Header, body []byte) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if ms := gjson.GetBytes(body, "error.metadata.headers.X-RateLimit-Reset").Int(); ms > 0 {
		if d := time.Until(time.UnixMilli(ms)); d > 0 {
			return d
		}
	}
	return 0
}

// salvageJSON extracts the first JSON object from text that may wrap it
// in prose or markdown fences.
func salvageJSON(text string) (map[string]any, error) {
	candidate := strings.TrimSpace(text)
	if i := strings.Index(candidate, "{"); i >= 0 {
		if j := strings.LastIndex(candidate, "}"); j > i {
			candidate = candidate[i : j+1]
		}
	}
	if !gjson.Valid(candidate) {
		return nil, fmt.Errorf("no JSON object found")
	}
	parsed := gjson.Parse(candidate)
	out, ok := parsed.Value().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top-level JSON is not an object")
	}
	return out, nil
}

func decodeDataURL(u string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URL")
	}
	mime, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, "", fmt.Errorf("unsupported data URL encoding")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}
