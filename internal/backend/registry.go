package backend

// DefaultHardLimit is the per-backend concurrency ceiling assumed when
// configuration does not name one.
const DefaultHardLimit = 16

// ModelInfo is one registry row. Tier is explicit configuration data,
// seeded once at load time.
type ModelInfo struct {
	ID      string
	Backend string
	Tier    ModelTier
}

// Registry maps model IDs to their owning backend and tier, and backends
// to their hard concurrency limits. It is built once at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	models     map[string]ModelInfo
	hardLimits map[string]int
}

func NewRegistry(models []ModelInfo, hardLimits map[string]int) *Registry {
	r := &Registry{
		models:     make(map[string]ModelInfo, len(models)),
		hardLimits: make(map[string]int, len(hardLimits)),
	}
	for _, m := range models {
		r.models[m.ID] = m
	}
	for name, n := range hardLimits {
		if n > 0 {
			r.hardLimits[name] = n
		}
	}
	return r
}

func (r *Registry) Lookup(id string) (ModelInfo, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Tier returns the registered tier. Unregistered models get TierFree,
// the most restrictive policy.
func (r *Registry) Tier(id string) ModelTier {
	if m, ok := r.models[id]; ok {
		return m.Tier
	}
	return TierFree
}

// BackendFor returns the backend that owns id, or "" when unregistered.
func (r *Registry) BackendFor(id string) string {
	if m, ok := r.models[id]; ok {
		return m.Backend
	}
	return ""
}

func (r *Registry) HardLimit(backendName string) int {
	if n, ok := r.hardLimits[backendName]; ok {
		return n
	}
	return DefaultHardLimit
}
