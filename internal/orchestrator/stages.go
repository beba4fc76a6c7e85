package orchestrator

import (
	"context"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/routing"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worktree"
)

// Router picks the capacity class for a task.
type Router interface {
	Route(ctx context.Context, task *scheduler.Task) (routing.Decision, error)
}

// Generator produces a change artifact on the backend bound to class.
type Generator interface {
	Generate(ctx context.Context, class string, req backend.Request) (backend.Artifact, error)
}

// Applier writes an artifact onto a fresh branch of a leased working copy.
// Revert must accept a branch that no longer exists.
type Applier interface {
	Apply(ctx context.Context, h *pool.Handle, req worktree.ApplyRequest) (worktree.Applied, error)
	Revert(ctx context.Context, h *pool.Handle, branch string) error
}

// Publisher makes an applied branch visible and can take it back.
type Publisher interface {
	Publish(ctx context.Context, h *pool.Handle, applied worktree.Applied, req worktree.PublishRequest) (worktree.Published, error)
	Unpublish(ctx context.Context, h *pool.Handle, pub worktree.Published) error
}

// Validator scores a published change.
type Validator interface {
	Score(ctx context.Context, pub worktree.Published) (float64, error)
}

// TaskStore is the slice of the task store the coordinator writes to.
type TaskStore interface {
	UpdateStatus(ctx context.Context, taskID string, status scheduler.Status) error
	RecordOutcome(ctx context.Context, outcome scheduler.Outcome) error
}

// DispatchStore is the slice of the task store the dispatcher reads.
type DispatchStore interface {
	ListApproved(ctx context.Context) ([]*scheduler.Task, error)
	CompletedIDs(ctx context.Context) (map[string]bool, error)
}

// Executor runs one task to an outcome.
type Executor interface {
	Execute(ctx context.Context, task *scheduler.Task) scheduler.Outcome
}
