// Package pollinations adapts the keyless public image service. It is
// the terminal image fallback: no credentials, no quota bookkeeping,
// best-effort quality.
package pollinations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/diorama-ai/diorama/internal/backend"
)

const defaultModel = "flux"

type Adapter struct {
	baseURL string
	client  *http.Client
}

var _ backend.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: "https://image.pollinations.ai",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "pollinations" }

func (a *Adapter) GenerateImage(ctx context.Context, req *backend.ImageRequest) (*backend.ImageResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	width, height := req.Width, req.Height
	if width == 0 && height == 0 {
		width, height = dimensions(req.AspectRatio)
	}

	q := url.Values{}
	q.Set("model", model)
	q.Set("nologo", "true")
	if width > 0 {
		q.Set("width", strconv.Itoa(width))
	}
	if height > 0 {
		q.Set("height", strconv.Itoa(height))
	}
	imageURL := fmt.Sprintf("%s/prompt/%s?%s", a.baseURL, url.PathEscape(req.Prompt), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, &backend.PermanentError{Backend: a.Name(), Message: err.Error()}
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := string(body)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &backend.RateLimitError{Backend: a.Name(), Message: msg}
		case resp.StatusCode >= 500:
			return nil, &backend.TransientServerError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, &backend.PermanentError{Backend: a.Name(), StatusCode: resp.StatusCode, Message: msg}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &backend.TransientServerError{Backend: a.Name(), Message: err.Error()}
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return &backend.ImageResponse{
		Data:      data,
		URL:       imageURL,
		MIMEType:  mime,
		Model:     model,
		Backend:   a.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) GenerateText(ctx context.Context, req *backend.TextRequest) (*backend.TextResponse, error) {
	return nil, &backend.PermanentError{Backend: a.Name(), Message: "text generation not supported"}
}

func (a *Adapter) AnalyzeImage(ctx context.Context, req *backend.VisionRequest) (*backend.VisionResponse, error) {
	return nil, &backend.PermanentError{Backend: a.Name(), Message: "image analysis not supported"}
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, a.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}

// dimensions maps an aspect ratio onto the service's pixel parameters.
func dimensions(aspect string) (int, int) {
	switch aspect {
	case "16:9":
		return 1280, 720
	case "9:16":
		return 720, 1280
	case "4:3":
		return 1024, 768
	case "3:4":
		return 768, 1024
	case "1:1":
		return 1024, 1024
	}
	return 0, 0
}
