package executor

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps platform names to back-ends. Every back-end is reachable
// under its own Type(); AddPlatform adds further names for it.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends        map[string]Backend
	platforms       map[string]string
	defaultPlatform string
	logger          *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends:  make(map[string]Backend),
		platforms: make(map[string]string),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds a Backend to the registry, keyed by its Type().
func (r *Registry) Register(b Backend) {
	t := b.Type()
	r.backends[t] = b
	r.platforms[t] = t
	r.logger.Info("backend registered", "type", t)
}

// AddPlatform makes platform an alias for the back-end of type backendType.
func (r *Registry) AddPlatform(platform, backendType string) error {
	if _, ok := r.backends[backendType]; !ok {
		return fmt.Errorf("platform %q: no backend registered for type %q", platform, backendType)
	}
	r.platforms[platform] = backendType
	r.logger.Info("platform registered", "platform", platform, "type", backendType)
	return nil
}

// SetDefault sets the platform used when a task does not name one.
func (r *Registry) SetDefault(platform string) { r.defaultPlatform = platform }

// Default returns the default platform name.
func (r *Registry) Default() string { return r.defaultPlatform }

// Get returns the Backend for platform or an error if none is registered.
// An empty platform selects the default.
func (r *Registry) Get(platform string) (Backend, error) {
	if platform == "" {
		platform = r.defaultPlatform
	}
	t, ok := r.platforms[platform]
	if !ok {
		return nil, fmt.Errorf("no backend registered for platform %q", platform)
	}
	return r.backends[t], nil
}

// Platforms returns all known platform names, sorted.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.platforms))
	for p := range r.platforms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
