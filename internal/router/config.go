package router

import (
	"fmt"
	"time"

	"github.com/diorama-ai/diorama/internal/backend"
)

// ParallelismMode tunes how much of each backend's hard concurrency
// limit fan-out stages may use.
type ParallelismMode string

const (
	// ModeBalanced leaves generous headroom for interactive traffic.
	ModeBalanced ParallelismMode = "balanced"
	// ModeMaxThroughput leaves a single slot free, never zero.
	ModeMaxThroughput ParallelismMode = "max_throughput"
)

// Per-tier concurrency ceilings and per-mode headroom.
const (
	freeConcurrency   = 1
	paidConcurrency   = 3
	nativeConcurrency = 8

	balancedHeadroom   = 4
	throughputHeadroom = 1
)

// Config wires model selection and resilience policy. Zero values get
// defaults from withDefaults; Validate rejects contradictions.
type Config struct {
	// Primary names the backend serving configured models that the
	// registry does not claim for another backend.
	Primary string
	// Fallback names the backend for the final text cascade hop. Empty
	// disables cross-backend fallback.
	Fallback string

	// CapabilityModels maps each capability to the model serving it.
	// Capabilities without an entry fail fast at call time.
	CapabilityModels map[backend.Capability]string

	// MaxRetries bounds how many cascade hops one call may attempt,
	// 1 through 10. This is deliberately separate from the per-hop
	// retry budgets below.
	MaxRetries int

	// CallTimeout bounds each individual backend attempt.
	CallTimeout time.Duration
	// AcquireTimeout bounds the advisory limiter wait before an attempt.
	AcquireTimeout time.Duration

	// TextRetries and ImageRetries are per-hop attempt budgets. Image
	// generation is slow and expensive, so its budget stays smaller.
	TextRetries  int
	ImageRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Parallelism ParallelismMode

	// RescueModels names a paid same-backend model used to rescue a
	// rate-limited free-tier model.
	RescueModels map[string]string
	// SafeModels names the verified model used when a cascade lands on
	// a backend without a configured model.
	SafeModels map[string]string

	// AltImageBackend and AltImageModel form the second image cascade
	// hop; PublicImageBackend is the keyless terminal hop.
	AltImageBackend    string
	AltImageModel      string
	PublicImageBackend string

	Registry *backend.Registry
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.TextRetries == 0 {
		c.TextRetries = 4
	}
	if c.ImageRetries == 0 {
		c.ImageRetries = 2
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.Parallelism == "" {
		c.Parallelism = ModeBalanced
	}
	if c.Registry == nil {
		c.Registry = backend.NewRegistry(nil, nil)
	}
	return c
}

func (c Config) Validate() error {
	if c.Primary == "" {
		return fmt.Errorf("router: primary backend is required")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("router: max retries must be between 1 and 10, got %d", c.MaxRetries)
	}
	if c.TextRetries < 0 || c.ImageRetries < 0 {
		return fmt.Errorf("router: retry budgets cannot be negative")
	}
	switch c.Parallelism {
	case "", ModeBalanced, ModeMaxThroughput:
	default:
		return fmt.Errorf("router: unknown parallelism mode %q", c.Parallelism)
	}
	for cap := range c.CapabilityModels {
		if !cap.Valid() {
			return fmt.Errorf("router: unknown capability %q in model map", cap)
		}
	}
	return nil
}
