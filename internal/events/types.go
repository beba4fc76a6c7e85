package events

import (
	"time"

	"github.com/aristath/taskforge/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask   = "task"
	TopicHealth = "health"
	TopicAlert  = "alert"
)

// Event type constants
const (
	EventTypeTaskStage    = "task.stage"
	EventTypeTaskFinished = "task.finished"
	EventTypeHealthSample = "health.sample"
	EventTypeAlert        = "alert"
)

// Alert kinds
const (
	AlertStuckLease      = "stuck_lease"
	AlertPoolExhausted   = "pool_exhausted"
	AlertDispatcherError = "dispatcher_error"
	AlertCleanupFailed   = "cleanup_failed"
	AlertRollbackFailed  = "rollback_failed"
)

// TaskStageEvent is published on every pipeline transition of a task.
type TaskStageEvent struct {
	ID        string
	Title     string
	Stage     scheduler.Status
	Class     string // empty until routed
	HandleID  string // empty until leased
	Timestamp time.Time
}

func (e TaskStageEvent) EventType() string { return EventTypeTaskStage }
func (e TaskStageEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published once per execution, after both admissions
// were released.
type TaskFinishedEvent struct {
	ID        string
	Title     string
	Status    scheduler.Status
	Failure   scheduler.FailureKind
	Class     string
	Score     *float64
	CostUSD   float64
	ChangeURL string
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// ClassLoad is the occupancy of one capacity class.
type ClassLoad struct {
	Name   string
	Active int
	Limit  int // 0 = unrestricted
}

// HealthSampleEvent is published on every health monitor tick.
type HealthSampleEvent struct {
	Size        int
	Available   int
	Leased      int
	Waiters     int
	Utilization float64 // percent
	Classes     []ClassLoad
	Alerts      int // alerts currently raised
	Timestamp   time.Time
}

func (e HealthSampleEvent) EventType() string { return EventTypeHealthSample }
func (e HealthSampleEvent) TaskID() string    { return "" }

// AlertEvent is published when an operator-facing condition is raised or resolved.
type AlertEvent struct {
	Kind      string
	Subject   string // handle, task or component the alert is about
	Message   string
	Resolved  bool
	Timestamp time.Time
}

func (e AlertEvent) EventType() string { return EventTypeAlert }
func (e AlertEvent) TaskID() string    { return "" }
