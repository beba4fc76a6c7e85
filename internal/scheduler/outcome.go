package scheduler

import (
	"time"
)

// FailureKind classifies why a task did not complete.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureRouting    FailureKind = "routing"
	FailureCapacity   FailureKind = "capacity"
	FailureLease      FailureKind = "lease"
	FailureGenerating FailureKind = "generating"
	FailureApplying   FailureKind = "applying"
	FailurePublishing FailureKind = "publishing"
	FailureValidating FailureKind = "validating"
	FailurePanic      FailureKind = "panic"
	FailureCancelled  FailureKind = "cancelled"
)

// Outcome is one entry of the outcome log, written once per execution.
type Outcome struct {
	ID         int64
	TaskID     string
	Class      string
	Status     Status // completed, needs_review or failed; pending when deferred
	Failure    FailureKind
	Stage      Status // stage the task was in when it finished
	Score      *float64
	CostUSD    float64
	Duration   time.Duration
	Branch     string
	ChangeURL  string
	Error      string
	RecordedAt time.Time
}

// Deferred reports whether the task was turned away at admission and goes
// back to pending for a later poll.
func (o Outcome) Deferred() bool {
	return o.Status == StatusPending && (o.Failure == FailureCapacity || o.Failure == FailureLease)
}

// Success reports whether the execution completed.
func (o Outcome) Success() bool {
	return o.Status == StatusCompleted
}
