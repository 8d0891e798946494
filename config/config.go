// Package config loads service configuration from the environment,
// with an optional .env file for local development. Load returns an
// explicit value that cmd passes down; nothing reads env vars after
// startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/diorama-ai/diorama/internal/backend"
)

// Default model IDs. Tiers for these are declared in DefaultModels,
// explicitly; the ":free" suffix is load-time defaulting data only.
const (
	defaultTextModel  = "gemini-2.5-flash"
	defaultImageModel = "gemini-2.5-flash-image"
	defaultFreeText   = "meta-llama/llama-4-scout:free"
	defaultPaidText   = "meta-llama/llama-4-scout"
	defaultAltImage   = "google/gemini-2.5-flash-image-preview"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Backends
	GeminiAPIKey     string
	OpenRouterAPIKey string

	// Routing
	PrimaryBackend  string
	FallbackBackend string // empty disables cross-backend fallback
	TextModel       string
	CodeModel       string
	VisionModel     string
	ImageModel      string

	// Resilience
	MaxRetries     int
	CallTimeout    time.Duration
	TextRetries    int
	ImageRetries   int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Parallelism    string // "balanced" or "max_throughput"

	// Image cascade
	AltImageBackend    string
	AltImageModel      string
	PublicImageBackend string

	// Model registry seed: defaults plus MODEL_OVERRIDES entries.
	Models       []backend.ModelInfo
	HardLimits   map[string]int
	RescueModels map[string]string
	SafeModels   map[string]string

	// Storage. Both optional: empty DSN keeps runs in memory, empty
	// Redis address keeps the job queue in process.
	PostgresDSN string
	RedisAddr   string

	// Worker
	WorkerCount   int
	QueueCapacity int

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	EventLogPath         string // JSONL event log; empty logs to stderr
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),

		PrimaryBackend:  getEnv("PRIMARY_BACKEND", "gemini"),
		FallbackBackend: getEnv("FALLBACK_BACKEND", "openrouter"),
		TextModel:       getEnv("TEXT_MODEL", defaultTextModel),
		CodeModel:       getEnv("CODE_MODEL", defaultTextModel),
		VisionModel:     getEnv("VISION_MODEL", defaultTextModel),
		ImageModel:      getEnv("IMAGE_MODEL", defaultImageModel),

		Parallelism: getEnv("PARALLELISM", "balanced"),

		AltImageBackend:    getEnv("ALT_IMAGE_BACKEND", "openrouter"),
		AltImageModel:      getEnv("ALT_IMAGE_MODEL", defaultAltImage),
		PublicImageBackend: getEnv("PUBLIC_IMAGE_BACKEND", "pollinations"),

		HardLimits: DefaultHardLimits(),
		RescueModels: map[string]string{
			"openrouter": defaultPaidText,
		},
		SafeModels: map[string]string{
			"gemini":     defaultTextModel,
			"openrouter": defaultFreeText,
		},

		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		EventLogPath:         os.Getenv("EVENT_LOG_PATH"),
	}

	var err error
	if cfg.MaxRetries, err = getInt("MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.TextRetries, err = getInt("TEXT_RETRIES", 4); err != nil {
		return nil, err
	}
	if cfg.ImageRetries, err = getInt("IMAGE_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getInt("WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity, err = getInt("QUEUE_CAPACITY", 64); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = getDuration("CALL_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.InitialBackoff, err = getDuration("INITIAL_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = getDuration("MAX_BACKOFF", 8*time.Second); err != nil {
		return nil, err
	}

	cfg.Models = DefaultModels()
	overrides, err := parseModelOverrides(os.Getenv("MODEL_OVERRIDES"))
	if err != nil {
		return nil, err
	}
	cfg.Models = append(cfg.Models, overrides...)

	// Validation
	switch cfg.Parallelism {
	case "balanced", "max_throughput":
	default:
		return nil, fmt.Errorf("invalid PARALLELISM %q, want balanced or max_throughput", cfg.Parallelism)
	}
	if err := requireKey(cfg, cfg.PrimaryBackend, "primary"); err != nil {
		return nil, err
	}
	if cfg.FallbackBackend != "" {
		if err := requireKey(cfg, cfg.FallbackBackend, "fallback"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// DefaultModels seeds the registry. Tiers are explicit rows here;
// nothing downstream re-derives a tier from a model ID.
func DefaultModels() []backend.ModelInfo {
	return []backend.ModelInfo{
		{ID: defaultTextModel, Backend: "gemini", Tier: backend.TierNative},
		{ID: defaultImageModel, Backend: "gemini", Tier: backend.TierNative},
		{ID: defaultFreeText, Backend: "openrouter", Tier: backend.TierFree},
		{ID: defaultPaidText, Backend: "openrouter", Tier: backend.TierPaid},
		{ID: defaultAltImage, Backend: "openrouter", Tier: backend.TierPaid},
	}
}

// DefaultHardLimits caps concurrent calls per backend.
func DefaultHardLimits() map[string]int {
	return map[string]int{
		"gemini":       16,
		"openrouter":   8,
		"pollinations": 4,
	}
}

// parseModelOverrides reads comma-separated "model=backend:tier"
// entries. Tier may be omitted, in which case the ":free" ID suffix
// convention is applied here, at load time, and nowhere else.
func parseModelOverrides(s string) ([]backend.ModelInfo, error) {
	if s == "" {
		return nil, nil
	}
	var models []backend.ModelInfo
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok || id == "" || rest == "" {
			return nil, fmt.Errorf("invalid MODEL_OVERRIDES entry %q, want model=backend[:tier]", entry)
		}
		name, tierStr, hasTier := strings.Cut(rest, ":")
		tier := tierFor(id)
		if hasTier {
			t, err := backend.ParseTier(tierStr)
			if err != nil {
				return nil, fmt.Errorf("invalid MODEL_OVERRIDES entry %q: %w", entry, err)
			}
			tier = t
		}
		models = append(models, backend.ModelInfo{ID: id, Backend: name, Tier: tier})
	}
	return models, nil
}

func tierFor(id string) backend.ModelTier {
	if strings.HasSuffix(id, ":free") {
		return backend.TierFree
	}
	return backend.TierPaid
}

func requireKey(cfg *Config, name, role string) error {
	switch name {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when gemini is the %s backend", role)
		}
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required when openrouter is the %s backend", role)
		}
	case "pollinations":
		// keyless
	default:
		return fmt.Errorf("unknown %s backend %q", role, name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
