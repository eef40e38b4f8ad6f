package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/logger"
)

// Registry selects engines by id. Resolution falls back to the default
// engine when the requested one is unknown or probes unavailable.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	defaultID string
	logger    *logger.Logger
}

// NewRegistry creates a registry with the given default engine id.
func NewRegistry(defaultID string, log *logger.Logger) *Registry {
	return &Registry{
		engines:   make(map[string]Engine),
		defaultID: defaultID,
		logger:    log.WithFields(zap.String("component", "engine_registry")),
	}
}

// Register adds an engine implementation.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
}

// Resolve returns the engine for id, falling back to the default when id is
// unknown or unavailable. An unavailable default is an error.
func (r *Registry) Resolve(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.engines[id]; ok && e.IsAvailable() {
		return e, nil
	}
	if id != "" && id != r.defaultID {
		r.logger.Warn("Requested engine unavailable, falling back",
			zap.String("requested", id),
			zap.String("default", r.defaultID))
	}
	if e, ok := r.engines[r.defaultID]; ok && e.IsAvailable() {
		return e, nil
	}
	return nil, fmt.Errorf("%w: no engine for %q and default %q unavailable", ErrUnavailable, id, r.defaultID)
}

// Spawn resolves an engine and spawns a handle.
func (r *Registry) Spawn(ctx context.Context, id string, opts SpawnOptions) (Handle, error) {
	e, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return e.Spawn(ctx, opts)
}

// IDs returns the registered engine ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
