package scheduler

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"      // Waiting for approval, dependencies or a dispatcher slot
	StatusRouting     Status = "routing"      // Choosing a capacity class
	StatusGenerating  Status = "generating"   // Producing the change artifact
	StatusApplying    Status = "applying"     // Writing the artifact onto a branch
	StatusPublishing  Status = "publishing"   // Pushing the branch and opening a change request
	StatusValidating  Status = "validating"   // Scoring the published change
	StatusCompleted   Status = "completed"    // Published and passed validation
	StatusNeedsReview Status = "needs_review" // Published but below the pass score, or unscored
	StatusFailed      Status = "failed"       // A stage failed; side effects were rolled back
)

// Stages lists the in-progress statuses in execution order.
var Stages = []Status{StatusRouting, StatusGenerating, StatusApplying, StatusPublishing, StatusValidating}

// InProgress reports whether the task is inside the execution pipeline.
func (s Status) InProgress() bool {
	switch s {
	case StatusRouting, StatusGenerating, StatusApplying, StatusPublishing, StatusValidating:
		return true
	}
	return false
}

// Terminal reports whether the task has finished executing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// SatisfiesDependency reports whether dependents of a task in this state may run.
// Only completed work counts; a change waiting on review does not.
func (s Status) SatisfiesDependency() bool {
	return s == StatusCompleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.InProgress() || s.Terminal()
}

// Task represents a unit of work in the dependency graph.
type Task struct {
	ID                 string   // Unique identifier
	Title              string   // Human-readable name
	Description        string   // What to build
	DependsOn          []string // Task IDs this task depends on
	AcceptanceCriteria []string
	Files              []string // Files the task is expected to touch
	ContextBytes       int      // Size of supporting context handed to generation
	Approved           bool
	Status             Status
	CreatedAt          time.Time

	// Populated by execution.
	Class        string
	Branch       string
	ChangeURL    string
	Score        *float64
	FailureStage string
	Error        string
}

// Label renders the task as "title (id)" for operator-facing messages.
func (t *Task) Label() string {
	if t.Title == "" {
		return t.ID
	}
	return t.Title + " (" + t.ID + ")"
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Files = append([]string(nil), t.Files...)
	if t.Score != nil {
		score := *t.Score
		c.Score = &score
	}
	return &c
}
