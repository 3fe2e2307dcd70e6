// Package registry tracks the tools worker services expose and dispatches
// invocations to them with bounded retry.
//
// The registry is the in-process read path for tool lookup; registrations
// are optionally written through a Persister so they survive restarts.
// Availability is advisory and refreshed by polling worker health
// endpoints. An unavailable tool is never deleted, a later successful
// health check restores it without re-registration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/dandori/internal/model"
)

var (
	// ErrUnknownTool is returned when no descriptor exists for a name.
	ErrUnknownTool = errors.New("registry: unknown tool")
	// ErrToolUnavailable is returned when a descriptor exists but its
	// worker is currently marked unreachable.
	ErrToolUnavailable = errors.New("registry: tool unavailable")
)

// HealthChecker probes a worker endpoint for liveness.
type HealthChecker interface {
	Health(ctx context.Context, endpoint string) error
}

// Persister writes registrations through to durable storage and loads
// them back at startup.
type Persister interface {
	SaveDescriptor(ctx context.Context, desc model.ToolDescriptor) error
	LoadDescriptors(ctx context.Context) ([]model.ToolDescriptor, error)
}

// Registry is a concurrency-safe tool descriptor table.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]model.ToolDescriptor
	health    HealthChecker
	persister Persister
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHealthChecker sets the prober used by the refresh loop.
func WithHealthChecker(hc HealthChecker) Option {
	return func(r *Registry) { r.health = hc }
}

// WithPersister enables write-through persistence of registrations.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]model.ToolDescriptor),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadPersisted repopulates the registry from the persister. Call once at
// startup, before serving.
func (r *Registry) LoadPersisted(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	descs, err := r.persister.LoadDescriptors(ctx)
	if err != nil {
		return fmt.Errorf("registry: load persisted: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		r.tools[d.Name] = d
	}
	r.logger.Info("registry: loaded persisted descriptors", "count", len(descs))
	return nil
}

// Register adds or replaces a tool descriptor. Registering the identical
// descriptor twice is a no-op. Registering the same name with a different
// endpoint is allowed, latest wins, but it is logged because it usually
// means two workers are fighting over a name.
func (r *Registry) Register(ctx context.Context, desc model.ToolDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("registry: descriptor name is required")
	}
	if desc.Endpoint == "" {
		return fmt.Errorf("registry: descriptor endpoint is required")
	}
	desc.Available = true
	desc.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	if existing, ok := r.tools[desc.Name]; ok && existing.Endpoint != desc.Endpoint {
		r.logger.Warn("registry: tool re-registered with different endpoint",
			"tool", desc.Name, "old_endpoint", existing.Endpoint, "new_endpoint", desc.Endpoint)
	}
	r.tools[desc.Name] = desc
	r.mu.Unlock()

	if r.persister != nil {
		if err := r.persister.SaveDescriptor(ctx, desc); err != nil {
			return fmt.Errorf("registry: persist %s: %w", desc.Name, err)
		}
	}
	r.logger.Info("registry: tool registered", "tool", desc.Name, "endpoint", desc.Endpoint)
	return nil
}

// Get returns the descriptor for a name. Unknown names and unavailable
// tools are distinct errors so the dispatcher can fail fast on both
// without a health probe.
func (r *Registry) Get(name string) (model.ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	if !ok {
		return model.ToolDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !desc.Available {
		return model.ToolDescriptor{}, fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	return desc, nil
}

// List returns all descriptors sorted by name, including unavailable ones.
func (r *Registry) List() []model.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkUnavailable flags a tool without removing it.
func (r *Registry) MarkUnavailable(name string) {
	r.setAvailable(name, false)
}

// MarkAvailable restores a previously flagged tool.
func (r *Registry) MarkAvailable(name string) {
	r.setAvailable(name, true)
}

func (r *Registry) setAvailable(name string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.tools[name]
	if !ok || desc.Available == available {
		return
	}
	desc.Available = available
	desc.UpdatedAt = time.Now().UTC()
	r.tools[name] = desc
	if available {
		r.logger.Info("registry: tool available again", "tool", name)
	} else {
		r.logger.Warn("registry: tool marked unavailable", "tool", name)
	}
}

// RefreshLoop polls each distinct worker endpoint and flips availability
// accordingly. Blocks until ctx is cancelled; run it in its own goroutine.
func (r *Registry) RefreshLoop(ctx context.Context, interval time.Duration) {
	if r.health == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Registry) refresh(ctx context.Context) {
	r.mu.RLock()
	byEndpoint := make(map[string][]string)
	for name, desc := range r.tools {
		byEndpoint[desc.Endpoint] = append(byEndpoint[desc.Endpoint], name)
	}
	r.mu.RUnlock()

	for endpoint, names := range byEndpoint {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.health.Health(probeCtx, endpoint)
		cancel()
		for _, name := range names {
			if err != nil {
				r.MarkUnavailable(name)
			} else {
				r.MarkAvailable(name)
			}
		}
	}
}
