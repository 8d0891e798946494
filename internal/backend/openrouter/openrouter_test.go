package openrouter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diorama-ai/diorama/internal/backend"
)

func newTestAdapter(h http.HandlerFunc) (*Adapter, *httptest.Server) {
	server := httptest.NewServer(h)
	a := New("test-key", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	return a, server
}

func TestGenerateText(t *testing.T) {
	var gotAuth, gotReferer string
	a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		resp := chatResponse{
			Model: "deepseek/deepseek-chat-v3-0324:free",
			Choices: []chatChoice{
				{Message: responseMessage{Role: "assistant", Content: "a quiet tide pool at dusk"}},
			},
			Usage: chatUsage{PromptTokens: 12, CompletionTokens: 8},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	resp, err := a.GenerateText(context.Background(), &backend.TextRequest{
		Model:  "deepseek/deepseek-chat-v3-0324:free",
		Prompt: "describe a scene",
	})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}
	if resp.Text != "a quiet tide pool at dusk" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Backend != "openrouter" {
		t.Errorf("Backend = %q, want openrouter", resp.Backend)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 8 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReferer == "" {
		t.Error("attribution header should be set by default")
	}
}

func TestGenerateTextStructuredSalvage(t *testing.T) {
	// Free-tier models love wrapping JSON in fences and prose.
	noisy := "Sure! Here is the JSON you asked for:\n```json\n{\"title\": \"Tide Pool\", \"mood\": \"calm\"}\n```"
	a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		var wire chatRequest
		json.NewDecoder(r.Body).Decode(&wire)
		if wire.ResponseFormat == nil || wire.ResponseFormat.Type != "json_schema" {
			t.Error("schema requests should set response_format json_schema")
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: responseMessage{Content: noisy}}},
		})
	})
	defer server.Close()

	resp, err := a.GenerateText(context.Background(), &backend.TextRequest{
		Model:  "m",
		Prompt: "p",
		Schema: map[string]any{"type": "object"},
	})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}
	if resp.Structured["title"] != "Tide Pool" || resp.Structured["mood"] != "calm" {
		t.Errorf("Structured = %v", resp.Structured)
	}
}

func TestGenerateTextUnparseableStructured(t *testing.T) {
	a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: responseMessage{Content: "I cannot produce JSON today."}}},
		})
	})
	defer server.Close()

	_, err := a.GenerateText(context.Background(), &backend.TextRequest{
		Model:  "m",
		Prompt: "p",
		Schema: map[string]any{"type": "object"},
	})
	if backend.KindOf(err) != backend.KindTransient {
		t.Errorf("unparseable structured output should classify transient, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   backend.ErrorKind
	}{
		{"unauthorized", 401, `{"error":{"message":"No auth credentials found"}}`, backend.KindAuthentication},
		{"forbidden", 403, `{"error":{"message":"key disabled"}}`, backend.KindAuthentication},
		{"payment required", 402, `{"error":{"message":"Insufficient credits"}}`, backend.KindQuotaExhausted},
		{"throttle", 429, `{"error":{"message":"Rate limit exceeded"}}`, backend.KindRateLimit},
		{"daily free cap", 429, `{"error":{"message":"Rate limit exceeded: free-models-per-day"}}`, backend.KindQuotaExhausted},
		{"server error", 500, `{"error":{"message":"Internal Server Error"}}`, backend.KindTransient},
		{"overloaded", 502, `bad gateway`, backend.KindTransient},
		{"timeout", 408, `{"error":{"message":"Request timed out"}}`, backend.KindTransient},
		{"bad request", 400, `{"error":{"message":"model not found"}}`, backend.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			defer server.Close()

			_, err := a.GenerateText(context.Background(), &backend.TextRequest{Model: "m", Prompt: "p"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := backend.KindOf(err); got != tc.want {
				t.Errorf("KindOf = %s, want %s (err: %v)", got, tc.want, err)
			}
		})
	}
}

func TestClassifyRetryAfterHeader(t *testing.T) {
	a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "19")
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})
	defer server.Close()

	_, err := a.GenerateText(context.Background(), &backend.TextRequest{Model: "m", Prompt: "p"})
	var rl *backend.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter != 19*time.Second {
		t.Errorf("RetryAfter = %s, want 19s", rl.RetryAfter)
	}
}

func TestGenerateImageDataURL(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		var wire chatRequest
		json.NewDecoder(r.Body).Decode(&wire)
		if len(wire.Modalities) != 2 {
			t.Errorf("Modalities = %v, want image+text", wire.Modalities)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: responseMessage{
				Images: []imageBlock{{
					Type:     "image_url",
					ImageURL: imageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)},
				}},
			}}},
		})
	})
	defer server.Close()

	resp, err := a.GenerateImage(context.Background(), &backend.ImageRequest{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if string(resp.Data) != string(png) {
		t.Errorf("Data = %v", resp.Data)
	}
	if resp.MIMEType != "image/png" {
		t.Errorf("MIMEType = %q", resp.MIMEType)
	}
}

func TestAnalyzeImageWireShape(t *testing.T) {
	var wire chatRequest
	a, server := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&wire)
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: responseMessage{Content: `{"consistent": true}`}}},
		})
	})
	defer server.Close()

	resp, err := a.AnalyzeImage(context.Background(), &backend.VisionRequest{
		Model:    "m",
		Prompt:   "check the panel layout",
		Image:    []byte{1, 2, 3},
		MIMEType: "image/png",
		Schema:   map[string]any{"type": "object"},
	})
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if resp.Structured["consistent"] != true {
		t.Errorf("Structured = %v", resp.Structured)
	}

	parts, ok := wire.Messages[0].Content.([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("content parts = %#v, want text + image_url", wire.Messages[0].Content)
	}
}

func TestSalvageJSON(t *testing.T) {
	cases := []struct {
		in  string
		ok  bool
		key string
	}{
		{`{"a": 1}`, true, "a"},
		{"```json\n{\"a\": \"b\"}\n```", true, "a"},
		{`prefix text {"nested": {"x": 2}} suffix`, true, "nested"},
		{`no json here`, false, ""},
		{`[1, 2, 3]`, false, ""},
	}
	for _, tc := range cases {
		got, err := salvageJSON(tc.in)
		if tc.ok && err != nil {
			t.Errorf("salvageJSON(%q) failed: %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("salvageJSON(%q) should fail", tc.in)
			}
			continue
		}
		if got[tc.key] == nil {
			t.Errorf("salvageJSON(%q)[%s] missing", tc.in, tc.key)
		}
	}
}
