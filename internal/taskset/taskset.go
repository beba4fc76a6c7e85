// Package taskset reads task definitions from YAML files and checks them
// against the tasks already stored before they are inserted.
package taskset

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/scheduler"
)

// File is the on-disk layout of a task set.
type File struct {
	Tasks []Entry `yaml:"tasks"`
}

// Entry is one task definition. Context is inline supporting material; only
// its size is kept and used for routing.
type Entry struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	DependsOn          []string `yaml:"depends_on"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	Files              []string `yaml:"files"`
	Context            string   `yaml:"context"`
	ContextBytes       int      `yaml:"context_bytes"`
	Approved           bool     `yaml:"approved"`
}

func (e Entry) task() *scheduler.Task {
	size := e.ContextBytes
	if size == 0 {
		size = len(e.Context)
	}
	return &scheduler.Task{
		ID:                 strings.TrimSpace(e.ID),
		Title:              e.Title,
		Description:        e.Description,
		DependsOn:          e.DependsOn,
		AcceptanceCriteria: e.AcceptanceCriteria,
		Files:              e.Files,
		ContextBytes:       size,
		Approved:           e.Approved,
		Status:             scheduler.StatusPending,
	}
}

// Load parses the task set at path.
func Load(path string) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task set %s: %w", path, err)
	}
	tasks, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, nil
}

// Parse decodes a task set. Unknown fields are rejected and every task needs
// an id.
func Parse(r io.Reader) ([]*scheduler.Task, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("YAML decode error: %w", err)
	}

	tasks := make([]*scheduler.Task, 0, len(f.Tasks))
	for i, e := range f.Tasks {
		t := e.task()
		if t.ID == "" {
			return nil, &errors.ValidationError{Field: fmt.Sprintf("tasks[%d].id", i), Message: "id is required"}
		}
		if e.ContextBytes < 0 {
			return nil, &errors.ValidationError{Field: fmt.Sprintf("tasks[%d].context_bytes", i), Message: "must be >= 0"}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Plan validates incoming tasks against the stored ones and returns them in
// insertion order: every task after its dependencies. Incoming ids must be
// new, dependencies may name stored tasks, and the combined graph must be
// acyclic. All problems are reported together.
func Plan(incoming, stored []*scheduler.Task) ([]*scheduler.Task, error) {
	var errs []error

	storedIDs := make(map[string]bool, len(stored))
	for _, t := range stored {
		storedIDs[t.ID] = true
	}
	for _, t := range incoming {
		if storedIDs[t.ID] {
			errs = append(errs, &errors.ValidationError{Field: "id", Message: fmt.Sprintf("task %q already exists", t.ID)})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	combined := make([]*scheduler.Task, 0, len(stored)+len(incoming))
	combined = append(combined, stored...)
	combined = append(combined, incoming...)
	if errs := scheduler.ValidateDependencyGraph(combined); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	order, err := scheduler.TopologicalOrder(incoming)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*scheduler.Task, len(incoming))
	for _, t := range incoming {
		byID[t.ID] = t
	}
	planned := make([]*scheduler.Task, 0, len(order))
	for _, id := range order {
		planned = append(planned, byID[id])
	}
	return planned, nil
}
