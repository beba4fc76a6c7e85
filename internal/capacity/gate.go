// Package capacity limits how many tasks may use each backend class at once.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
)

// Config configures a Gate. A limit of 0 means unrestricted; classes
// without an entry use DefaultLimit.
type Config struct {
	Limits       map[string]int
	DefaultLimit int
	Aliases      map[string]string
	PollInterval time.Duration
}

// ClassSnapshot is the state of one capacity class.
type ClassSnapshot struct {
	Name    string   `json:"name"`
	Limit   int      `json:"limit"`
	Active  int      `json:"active"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// Gate is a counter-based admission gate keyed by class name.
//
// Waiting is notification driven: every release or limit change wakes all
// waiters, which then race to reserve. Waiters are not served in order.
type Gate struct {
	norm   Normalizer
	poll   time.Duration
	logger *slog.Logger

	mu           sync.Mutex
	limits       map[string]int
	defaultLimit int
	active       map[string]map[string]struct{}
	changed      chan struct{}
}

// New creates a Gate from cfg.
func New(cfg Config, logger *slog.Logger) *Gate {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	g := &Gate{
		norm:    NewNormalizer(cfg.Aliases),
		poll:    poll,
		logger:  logging.OrNop(logger).With("component", "capacity"),
		active:  make(map[string]map[string]struct{}),
		changed: make(chan struct{}),
	}
	g.limits, g.defaultLimit = g.normalizeLimits(cfg.Limits), cfg.DefaultLimit
	return g
}

// Normalize returns the class name used for bookkeeping.
func (g *Gate) Normalize(class string) string {
	return g.norm.Normalize(class)
}

// HasCapacity reports whether class has a free slot. It reserves nothing.
func (g *Gate) HasCapacity(class string) bool {
	class = g.norm.Normalize(class)

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasCapacityLocked(class)
}

// Reserve atomically takes a slot of class for taskID. Reserving again for
// a task that already holds a slot succeeds without taking another.
func (g *Gate) Reserve(class, taskID string) bool {
	class = g.norm.Normalize(class)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.active[class][taskID]; held {
		return true
	}
	if !g.hasCapacityLocked(class) {
		return false
	}
	if g.active[class] == nil {
		g.active[class] = make(map[string]struct{})
	}
	g.active[class][taskID] = struct{}{}
	g.logger.Debug("capacity reserved", logging.KeyClass, class, logging.KeyTask, taskID,
		"active", len(g.active[class]), "limit", g.limitLocked(class))
	return true
}

// Release frees the slot held by taskID. Releasing a slot that isn't held is fine.
func (g *Gate) Release(class, taskID string) {
	class = g.norm.Normalize(class)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.active[class][taskID]; !held {
		return
	}
	delete(g.active[class], taskID)
	if len(g.active[class]) == 0 {
		delete(g.active, class)
	}
	g.notifyLocked()
	g.logger.Debug("capacity released", logging.KeyClass, class, logging.KeyTask, taskID)
}

// WaitForCapacity blocks until class has a free slot, the timeout passes or
// ctx is done. It returns true only when a slot was seen free; the caller
// must still Reserve, since another waiter may win the slot.
func (g *Gate) WaitForCapacity(ctx context.Context, class string, timeout time.Duration) bool {
	class = g.norm.Normalize(class)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		g.mu.Lock()
		free := g.hasCapacityLocked(class)
		changed := g.changed
		g.mu.Unlock()

		if free {
			return true
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-timer.C:
			return g.HasCapacity(class)
		case <-ctx.Done():
			return false
		}
	}
}

// Acquire waits up to timeout for a slot of class and reserves it for taskID.
// It fails with ErrCapacityTimeout when the class stays full.
func (g *Gate) Acquire(ctx context.Context, class, taskID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if g.Reserve(class, taskID) {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		g.logger.Info("waiting for capacity", logging.KeyClass, g.norm.Normalize(class), logging.KeyTask, taskID)
		if !g.WaitForCapacity(ctx, class, remaining) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !g.Reserve(class, taskID) {
				break
			}
			return nil
		}
	}

	return fmt.Errorf("class %s after %s: %w", g.norm.Normalize(class), timeout, errors.ErrCapacityTimeout)
}

// SetLimits replaces the per-class limits and the default, waking waiters.
// Active reservations above a lowered limit are kept until released.
func (g *Gate) SetLimits(limits map[string]int, defaultLimit int) {
	normalized := g.normalizeLimits(limits)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = normalized
	g.defaultLimit = defaultLimit
	g.notifyLocked()
	g.logger.Info("capacity limits updated", "classes", len(normalized), "default", defaultLimit)
}

// Snapshot returns every configured or active class, sorted by name.
func (g *Gate) Snapshot() []ClassSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make(map[string]struct{}, len(g.limits)+len(g.active))
	for name := range g.limits {
		names[name] = struct{}{}
	}
	for name := range g.active {
		names[name] = struct{}{}
	}

	out := make([]ClassSnapshot, 0, len(names))
	for name := range names {
		cs := ClassSnapshot{
			Name:   name,
			Limit:  g.limitLocked(name),
			Active: len(g.active[name]),
		}
		for id := range g.active[name] {
			cs.TaskIDs = append(cs.TaskIDs, id)
		}
		sort.Strings(cs.TaskIDs)
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (g *Gate) limitLocked(class string) int {
	if limit, ok := g.limits[class]; ok {
		return limit
	}
	return g.defaultLimit
}

func (g *Gate) hasCapacityLocked(class string) bool {
	limit := g.limitLocked(class)
	return limit <= 0 || len(g.active[class]) < limit
}

// notifyLocked wakes every current waiter.
func (g *Gate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gate) normalizeLimits(limits map[string]int) map[string]int {
	out := make(map[string]int, len(limits))
	for name, limit := range limits {
		out[g.norm.Normalize(name)] = limit
	}
	return out
}
