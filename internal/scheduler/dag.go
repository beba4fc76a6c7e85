package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskforge/internal/errors"
)

// UnknownDependencyError reports a dependency on a task that does not exist.
type UnknownDependencyError struct {
	Task         string // label of the dependent task
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on non-existent task %q", e.Task, e.DependencyID)
}

func (e *UnknownDependencyError) Is(target error) bool {
	return target == errors.ErrUnknownDependency
}

// SelfDependencyError reports a task listing itself as a dependency.
type SelfDependencyError struct {
	Task string
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on itself", e.Task)
}

func (e *SelfDependencyError) Is(target error) bool {
	return target == errors.ErrDependencyCycle
}

// CycleError reports one dependency cycle. Tasks are listed in dependency
// order: each task depends on the next, and the last depends on the first.
type CycleError struct {
	Tasks []string // labels, "title (id)"
	IDs   []string
}

func (e *CycleError) Error() string {
	path := append(append([]string(nil), e.Tasks...), e.Tasks[0])
	return "dependency cycle: " + strings.Join(path, " -> ")
}

func (e *CycleError) Is(target error) bool {
	return target == errors.ErrDependencyCycle
}

// FilterExecutable returns the tasks whose dependencies are all in completed,
// preserving input order. Tasks without dependencies are always executable.
// It does not look at the tasks' own status; callers pass pending tasks.
func FilterExecutable(tasks []*Task, completed map[string]bool) []*Task {
	var ready []*Task
	for _, task := range tasks {
		allResolved := true
		for _, depID := range task.DependsOn {
			if !completed[depID] {
				allResolved = false
				break
			}
		}
		if allResolved {
			ready = append(ready, task)
		}
	}
	return ready
}

// CompletedIDs returns the ids of tasks whose status satisfies dependents.
func CompletedIDs(tasks []*Task) map[string]bool {
	done := make(map[string]bool)
	for _, task := range tasks {
		if task.Status.SatisfiesDependency() {
			done[task.ID] = true
		}
	}
	return done
}

// ValidateDependencyGraph checks a task set before it is stored. It reports
// duplicate ids, dependencies on unknown tasks, self dependencies and every
// distinct cycle found by a depth-first walk. An empty result means the
// graph is a valid DAG.
func ValidateDependencyGraph(tasks []*Task) []error {
	var errs []error

	byID := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if _, dup := byID[task.ID]; dup {
			errs = append(errs, &errors.ValidationError{Field: "id", Message: fmt.Sprintf("duplicate task id %q", task.ID)})
			continue
		}
		byID[task.ID] = task
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			switch {
			case depID == task.ID:
				errs = append(errs, &SelfDependencyError{Task: task.Label()})
			case byID[depID] == nil:
				errs = append(errs, &UnknownDependencyError{Task: task.Label(), DependencyID: depID})
			}
		}
	}

	for _, cycle := range findCycles(tasks, byID) {
		ce := &CycleError{IDs: cycle}
		for _, id := range cycle {
			ce.Tasks = append(ce.Tasks, byID[id].Label())
		}
		errs = append(errs, ce)
	}

	return errs
}

// findCycles walks the graph depth first with an explicit stack. A
// dependency already on the current path closes a cycle; cycles are
// deduplicated by rotating them to start at their smallest id.
func findCycles(tasks []*Task, byID map[string]*Task) [][]string {
	const (
		unvisited = iota
		onPath
		finished
	)

	type frame struct {
		id   string
		next int
	}

	state := make(map[string]int, len(byID))
	seen := make(map[string]bool)
	var cycles [][]string

	for _, root := range tasks {
		if state[root.ID] != unvisited || byID[root.ID] != root {
			continue
		}

		stack := []frame{{id: root.ID}}
		path := []string{root.ID}
		pos := map[string]int{root.ID: 0}
		state[root.ID] = onPath

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := byID[top.id].DependsOn

			if top.next < len(deps) {
				depID := deps[top.next]
				top.next++
				if depID == top.id || byID[depID] == nil {
					continue
				}

				switch state[depID] {
				case unvisited:
					state[depID] = onPath
					pos[depID] = len(path)
					path = append(path, depID)
					stack = append(stack, frame{id: depID})
				case onPath:
					cycle := canonicalCycle(path[pos[depID]:])
					key := strings.Join(cycle, "\x00")
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, cycle)
					}
				}
				continue
			}

			state[top.id] = finished
			delete(pos, top.id)
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
		}
	}

	return cycles
}

// canonicalCycle copies cycle rotated to start at its smallest id.
func canonicalCycle(cycle []string) []string {
	start := 0
	for i, id := range cycle {
		if id < cycle[start] {
			start = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[start:]...)
	out = append(out, cycle[:start]...)
	return out
}

// TopologicalOrder returns task ids ordered so every task follows its
// dependencies. Dependencies outside the set are ignored.
func TopologicalOrder(tasks []*Task) ([]string, error) {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
	}

	var edges []toposort.Edge
	for _, task := range tasks {
		// A nil source keeps tasks without in-set dependencies in the result.
		edges = append(edges, toposort.Edge{nil, task.ID})
		for _, depID := range task.DependsOn {
			if known[depID] {
				// Edge (depID, taskID) means depID must come before taskID
				edges = append(edges, toposort.Edge{depID, task.ID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDependencyCycle, err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// SortByCreation orders tasks by CreatedAt, then id.
func SortByCreation(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
