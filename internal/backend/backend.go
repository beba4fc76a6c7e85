// Package backend turns task descriptions into change artifacts by driving
// generation CLIs (claude, codex, goose) as one-shot subprocesses.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/taskforge/internal/process"
)

// Generator defines the interface that all backend adapters must implement.
type Generator interface {
	// Generate produces a change artifact for the request.
	Generate(ctx context.Context, req Request) (Artifact, error)
}

// New creates a new generator based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate adapter.
func New(cfg Config, runner *process.Runner) (Generator, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, runner), nil
	case "codex":
		return NewCodexAdapter(cfg, runner), nil
	case "goose":
		return NewGooseAdapter(cfg, runner), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// Registry maps capacity classes to generators.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	normalize  func(string) string
}

// NewRegistry creates an empty registry. normalize maps raw class names to
// their canonical form and may be nil.
func NewRegistry(normalize func(string) string) *Registry {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	return &Registry{
		generators: make(map[string]Generator),
		normalize:  normalize,
	}
}

// Register binds class to g, replacing any previous binding.
func (r *Registry) Register(class string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[r.normalize(class)] = g
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.generators))
	for c := range r.generators {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// Generate dispatches the request to the generator registered for class.
func (r *Registry) Generate(ctx context.Context, class string, req Request) (Artifact, error) {
	r.mu.RLock()
	g, ok := r.generators[r.normalize(class)]
	r.mu.RUnlock()
	if !ok {
		return Artifact{}, fmt.Errorf("no generator configured for class %q", class)
	}
	return g.Generate(ctx, req)
}
