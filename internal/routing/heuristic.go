// Package routing picks the capacity class a task runs on from a complexity
// score derived from its acceptance criteria, declared files and context size.
package routing

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/taskforge/internal/scheduler"
)

// Rule maps a complexity ceiling to a class.
type Rule struct {
	Class         string
	MaxComplexity float64
}

// Config configures the heuristic. Weights multiply the number of acceptance
// criteria, the number of declared files and the context size in KiB.
type Config struct {
	CriteriaWeight float64
	FilesWeight    float64
	ContextWeight  float64
	DefaultClass   string
	Rules          []Rule
}

// Decision is the routing result for one task.
type Decision struct {
	Class      string
	Complexity float64
	Reason     string
}

// Heuristic routes tasks by complexity. It is safe for concurrent use.
type Heuristic struct {
	cfg Config
}

// NewHeuristic creates a Heuristic. Rules are evaluated in ascending
// MaxComplexity order regardless of configuration order.
func NewHeuristic(cfg Config) *Heuristic {
	rules := append([]Rule(nil), cfg.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].MaxComplexity < rules[j].MaxComplexity
	})
	cfg.Rules = rules
	return &Heuristic{cfg: cfg}
}

// Complexity scores a task.
func (h *Heuristic) Complexity(task *scheduler.Task) float64 {
	return float64(len(task.AcceptanceCriteria))*h.cfg.CriteriaWeight +
		float64(len(task.Files))*h.cfg.FilesWeight +
		float64(task.ContextBytes)/1024*h.cfg.ContextWeight
}

// Route returns the class of the first rule whose ceiling covers the task's
// complexity, or the default class when none does.
func (h *Heuristic) Route(ctx context.Context, task *scheduler.Task) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	score := h.Complexity(task)
	for _, r := range h.cfg.Rules {
		if score <= r.MaxComplexity {
			return Decision{
				Class:      r.Class,
				Complexity: score,
				Reason:     fmt.Sprintf("complexity %.1f within %s ceiling %.1f", score, r.Class, r.MaxComplexity),
			}, nil
		}
	}

	if h.cfg.DefaultClass == "" {
		return Decision{}, fmt.Errorf("no routing rule covers complexity %.1f and no default class is configured", score)
	}
	return Decision{
		Class:      h.cfg.DefaultClass,
		Complexity: score,
		Reason:     fmt.Sprintf("complexity %.1f above every rule, using default %s", score, h.cfg.DefaultClass),
	}, nil
}
