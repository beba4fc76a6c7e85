// Package orchestrator drives approved tasks through routing, generation,
// application, publishing and validation while holding a capacity slot and
// a working-copy lease, and runs the dispatcher that feeds it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/capacity"
	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/routing"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worktree"
)

const (
	defaultRollbackTimeout = 5 * time.Minute
	outcomeWriteAttempts   = 3
)

// CoordinatorConfig wires the coordinator to its stage services.
type CoordinatorConfig struct {
	Router    Router
	Generator Generator
	Applier   Applier
	Publisher Publisher
	Validator Validator
	Store     TaskStore
	Bus       *events.Bus      // optional
	Breakers  *BreakerRegistry // optional, one is created when nil

	CapacityWait    time.Duration // how long Acquire may wait for a class slot
	GenerateTimeout time.Duration // 0 = no per-stage timeout
	ApplyTimeout    time.Duration
	PublishTimeout  time.Duration
	ValidateTimeout time.Duration
	PassScore       float64
	Retry           RetryConfig

	Clock func() time.Time
}

// Execution is the per-task state the coordinator carries between stages.
// It lives from Execute's start until the outcome is persisted.
type Execution struct {
	Task      *scheduler.Task
	Class     string
	Decision  routing.Decision
	Handle    *pool.Handle
	Stage     scheduler.Status
	Branches  []string // every branch an apply attempt created
	Applied   worktree.Applied
	Published *worktree.Published
	Score     *float64
	Cost      float64
	StartedAt time.Time

	log *slog.Logger
}

// Coordinator executes single tasks end to end.
type Coordinator struct {
	cfg    CoordinatorConfig
	pool   *pool.Pool
	gate   *capacity.Gate
	logger *slog.Logger
}

// NewCoordinator creates a coordinator leasing from p and reserving on g.
func NewCoordinator(cfg CoordinatorConfig, p *pool.Pool, g *capacity.Gate, logger *slog.Logger) *Coordinator {
	logger = logging.OrNop(logger).With("component", "coordinator")
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerRegistry(logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Coordinator{
		cfg:    cfg,
		pool:   p,
		gate:   g,
		logger: logger,
	}
}

// Execute runs task through every stage and returns its outcome. It never
// panics. Both admissions are released before the outcome is persisted and
// published. A cancelled execution is rolled back and put back to pending,
// and so is a task refused a class slot or a handle.
func (c *Coordinator) Execute(ctx context.Context, task *scheduler.Task) scheduler.Outcome {
	exec := &Execution{
		Task:      task.Clone(),
		StartedAt: c.cfg.Clock(),
		log:       logging.ForTask(c.logger, task.ID),
	}
	out := c.run(ctx, exec)
	c.finish(ctx, exec, &out)
	return out
}

// run holds the capacity slot and the lease. Deferred releases run lease
// first, then capacity, on every path out including a recovered panic.
func (c *Coordinator) run(ctx context.Context, exec *Execution) (out scheduler.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = c.panicked(ctx, exec, r)
		}
	}()

	c.transition(ctx, exec, scheduler.StatusRouting)
	decision, err := c.cfg.Router.Route(ctx, exec.Task)
	if err != nil {
		return c.fail(ctx, exec, scheduler.FailureRouting, errors.NewStageError(string(scheduler.StatusRouting), err, false))
	}
	exec.Decision = decision
	exec.Class = c.gate.Normalize(decision.Class)
	exec.log = exec.log.With(logging.KeyClass, exec.Class)
	exec.log.Info("task routed", "complexity", decision.Complexity, "reason", decision.Reason)

	if err := c.gate.Acquire(ctx, exec.Class, exec.Task.ID, c.cfg.CapacityWait); err != nil {
		timeout := errors.Is(err, errors.ErrCapacityTimeout)
		return c.turnedAway(ctx, exec, scheduler.FailureCapacity, errors.NewStageError(string(scheduler.StatusRouting), err, timeout))
	}
	defer c.gate.Release(exec.Class, exec.Task.ID)

	h, err := c.pool.Lease(ctx, exec.Task.ID)
	if err != nil {
		return c.turnedAway(ctx, exec, scheduler.FailureLease, errors.NewStageError(string(scheduler.StatusRouting), err, false))
	}
	exec.Handle = h
	exec.log = exec.log.With(logging.KeyHandle, h.ID)
	defer c.releaseHandle(ctx, exec)

	return c.runStages(ctx, exec)
}

// runStages recovers its own panics so rollback still sees the lease.
func (c *Coordinator) runStages(ctx context.Context, exec *Execution) (out scheduler.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = c.panicked(ctx, exec, r)
		}
	}()

	var artifact backend.Artifact
	err := c.stage(ctx, exec, scheduler.StatusGenerating, c.cfg.GenerateTimeout, func(ctx context.Context) error {
		a, err := guard(c.cfg.Breakers.Get(exec.Class), func() (backend.Artifact, error) {
			return c.cfg.Generator.Generate(ctx, exec.Class, backend.Request{
				TaskID:             exec.Task.ID,
				Title:              exec.Task.Title,
				Description:        exec.Task.Description,
				AcceptanceCriteria: exec.Task.AcceptanceCriteria,
				Files:              exec.Task.Files,
				WorkDir:            exec.Handle.Path,
			})
		})
		exec.Cost += a.CostUSD
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	if err != nil {
		return c.fail(ctx, exec, scheduler.FailureGenerating, err)
	}

	err = c.stage(ctx, exec, scheduler.StatusApplying, c.cfg.ApplyTimeout, func(ctx context.Context) error {
		applied, err := c.cfg.Applier.Apply(ctx, exec.Handle, worktree.ApplyRequest{
			TaskID: exec.Task.ID,
			Title:  exec.Task.Title,
			Patch:  artifact.Patch,
		})
		if applied.Branch != "" {
			exec.Branches = append(exec.Branches, applied.Branch)
		}
		if err != nil {
			return err
		}
		exec.Applied = applied
		return nil
	})
	if err != nil {
		return c.fail(ctx, exec, scheduler.FailureApplying, err)
	}

	err = c.stage(ctx, exec, scheduler.StatusPublishing, c.cfg.PublishTimeout, func(ctx context.Context) error {
		pub, err := c.cfg.Publisher.Publish(ctx, exec.Handle, exec.Applied, worktree.PublishRequest{
			TaskID: exec.Task.ID,
			Title:  exec.Task.Title,
			Body:   publishBody(exec, artifact),
		})
		if pub.Pushed || pub.ChangeURL != "" || err == nil {
			exec.Published = &pub
		}
		return err
	})
	if err != nil {
		return c.fail(ctx, exec, scheduler.FailurePublishing, err)
	}

	var score float64
	err = c.stage(ctx, exec, scheduler.StatusValidating, c.cfg.ValidateTimeout, func(ctx context.Context) error {
		s, err := c.cfg.Validator.Score(ctx, *exec.Published)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	if err != nil {
		// The change stays published; a person decides what happens to it.
		exec.log.Warn("validation failed, leaving change for review", "error", err)
		return c.outcome(exec, scheduler.StatusNeedsReview, scheduler.FailureValidating, err)
	}
	exec.Score = &score
	if score >= c.cfg.PassScore {
		return c.outcome(exec, scheduler.StatusCompleted, scheduler.FailureNone, nil)
	}
	exec.log.Info("score below pass mark", "score", score, "pass_score", c.cfg.PassScore)
	return c.outcome(exec, scheduler.StatusNeedsReview, scheduler.FailureNone, nil)
}

// stage moves exec into status and runs fn under the retry policy, each
// attempt bounded by timeout.
func (c *Coordinator) stage(ctx context.Context, exec *Execution, status scheduler.Status, timeout time.Duration, fn func(ctx context.Context) error) error {
	c.transition(ctx, exec, status)
	start := c.cfg.Clock()

	var timedOut bool
	err := retry(ctx, c.cfg.Retry, exec.log, string(status), func(ctx context.Context) error {
		sctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		err := fn(sctx)
		timedOut = err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded)
		return err
	})
	if err != nil {
		return errors.NewStageError(string(status), err, timedOut)
	}
	exec.log.Debug("stage finished", logging.KeyStage, status, logging.KeyDuration, c.cfg.Clock().Sub(start))
	return nil
}

// transition persists, publishes and logs a stage change.
func (c *Coordinator) transition(ctx context.Context, exec *Execution, status scheduler.Status) {
	exec.Stage = status
	if err := c.cfg.Store.UpdateStatus(ctx, exec.Task.ID, status); err != nil {
		exec.log.Error("failed to persist status", logging.KeyStage, status, "error", err)
	}

	var handleID string
	if exec.Handle != nil {
		handleID = exec.Handle.ID
	}
	c.cfg.Bus.Publish(events.TopicTask, events.TaskStageEvent{
		ID:        exec.Task.ID,
		Title:     exec.Task.Title,
		Stage:     status,
		Class:     exec.Class,
		HandleID:  handleID,
		Timestamp: c.cfg.Clock(),
	})
	exec.log.Info("stage started", logging.KeyStage, status)
}

// fail rolls back whatever the execution left behind and builds the failed
// outcome. Cancellation is reported as pending so the task runs again.
func (c *Coordinator) fail(ctx context.Context, exec *Execution, kind scheduler.FailureKind, err error) scheduler.Outcome {
	cancelled := ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
	if cancelled {
		exec.log.Warn("execution cancelled", logging.KeyStage, exec.Stage, "error", err)
	} else {
		exec.log.Error("stage failed", logging.KeyStage, exec.Stage, "failure", kind, "error", err)
	}

	rbErr := c.rollback(ctx, exec)
	if cancelled {
		return c.outcome(exec, scheduler.StatusPending, scheduler.FailureCancelled, err)
	}
	out := c.outcome(exec, scheduler.StatusFailed, kind, err)
	if rbErr != nil {
		out.Error += "; rollback: " + rbErr.Error()
	}
	return out
}

// turnedAway handles a task that did not get a class slot or a handle.
// Nothing ran yet, so the task goes back to pending for a later poll with
// the failure kept in the outcome log.
func (c *Coordinator) turnedAway(ctx context.Context, exec *Execution, kind scheduler.FailureKind, err error) scheduler.Outcome {
	if ctx.Err() != nil {
		return c.fail(ctx, exec, kind, err)
	}
	exec.log.Warn("admission refused, task stays pending", "failure", kind, "error", err)
	return c.outcome(exec, scheduler.StatusPending, kind, err)
}

func (c *Coordinator) panicked(ctx context.Context, exec *Execution, r any) scheduler.Outcome {
	exec.log.Error("recovered panic", logging.KeyStage, exec.Stage, "panic", r, "stack", string(debug.Stack()))
	err := fmt.Errorf("panic in stage %s: %v", exec.Stage, r)
	if rbErr := c.rollback(ctx, exec); rbErr != nil {
		err = errors.Join(err, rbErr)
	}
	return c.outcome(exec, scheduler.StatusFailed, scheduler.FailurePanic, err)
}

// rollback closes the published change, then reverts every branch newest
// first. It runs detached from ctx so a cancelled task still cleans up.
func (c *Coordinator) rollback(ctx context.Context, exec *Execution) error {
	if exec.Handle == nil || (exec.Published == nil && len(exec.Branches) == 0) {
		return nil
	}

	timeout := c.cfg.ApplyTimeout + c.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultRollbackTimeout
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	if exec.Published != nil {
		if err := c.cfg.Publisher.Unpublish(rctx, exec.Handle, *exec.Published); err != nil {
			errs = append(errs, fmt.Errorf("unpublish %s: %w", exec.Published.Ref(), err))
		}
	}
	for i := len(exec.Branches) - 1; i >= 0; i-- {
		if err := c.cfg.Applier.Revert(rctx, exec.Handle, exec.Branches[i]); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", exec.Branches[i], err))
		}
	}
	reverted := len(exec.Branches)
	unpublished := exec.Published != nil
	exec.Published = nil
	exec.Branches = nil
	exec.Applied = worktree.Applied{}

	if err := errors.Join(errs...); err != nil {
		exec.log.Error("rollback incomplete", "error", err)
		c.cfg.Bus.Publish(events.TopicAlert, events.AlertEvent{
			Kind:      events.AlertRollbackFailed,
			Subject:   exec.Task.ID,
			Message:   err.Error(),
			Timestamp: c.cfg.Clock(),
		})
		return err
	}
	exec.log.Info("rolled back", "branches", reverted, "unpublished", unpublished)
	return nil
}

func (c *Coordinator) releaseHandle(ctx context.Context, exec *Execution) {
	res := c.pool.Release(context.WithoutCancel(ctx), exec.Handle)
	if res.CleanupErr != nil {
		c.cfg.Bus.Publish(events.TopicAlert, events.AlertEvent{
			Kind:      events.AlertCleanupFailed,
			Subject:   exec.Handle.ID,
			Message:   res.CleanupErr.Error(),
			Timestamp: c.cfg.Clock(),
		})
	}
}

func (c *Coordinator) outcome(exec *Execution, status scheduler.Status, kind scheduler.FailureKind, err error) scheduler.Outcome {
	out := scheduler.Outcome{
		TaskID:  exec.Task.ID,
		Class:   exec.Class,
		Status:  status,
		Failure: kind,
		Stage:   exec.Stage,
		Score:   exec.Score,
		CostUSD: exec.Cost,
		Branch:  exec.Applied.Branch,
	}
	if exec.Published != nil {
		out.ChangeURL = exec.Published.ChangeURL
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// finish persists the outcome and announces it. Admissions are already
// released at this point.
func (c *Coordinator) finish(ctx context.Context, exec *Execution, out *scheduler.Outcome) {
	now := c.cfg.Clock()
	out.Duration = now.Sub(exec.StartedAt)
	out.RecordedAt = now

	pctx := context.WithoutCancel(ctx)
	if out.Status == scheduler.StatusPending && !out.Deferred() {
		if err := c.cfg.Store.UpdateStatus(pctx, out.TaskID, scheduler.StatusPending); err != nil {
			exec.log.Error("failed to requeue task", "error", err)
		}
	} else {
		c.recordOutcome(pctx, exec, *out)
	}

	c.cfg.Bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID:        out.TaskID,
		Title:     exec.Task.Title,
		Status:    out.Status,
		Failure:   out.Failure,
		Class:     out.Class,
		Score:     out.Score,
		CostUSD:   out.CostUSD,
		ChangeURL: out.ChangeURL,
		Err:       out.Error,
		Duration:  out.Duration,
		Timestamp: now,
	})

	attrs := []any{
		"status", out.Status,
		logging.KeyDuration, out.Duration,
		"cost_usd", out.CostUSD,
	}
	if out.Score != nil {
		attrs = append(attrs, "score", *out.Score)
	}
	if out.ChangeURL != "" {
		attrs = append(attrs, "change_url", out.ChangeURL)
	}
	switch out.Status {
	case scheduler.StatusFailed:
		exec.log.Warn("task finished", append(attrs, "failure", out.Failure, "error", out.Error)...)
	case scheduler.StatusPending:
		exec.log.Info("task requeued", append(attrs, "failure", out.Failure)...)
	default:
		exec.log.Info("task finished", attrs...)
	}
}

// recordOutcome writes out with retries. When every write fails the final
// status is still set, so a restart does not run a published change again.
func (c *Coordinator) recordOutcome(ctx context.Context, exec *Execution, out scheduler.Outcome) {
	cfg := c.cfg.Retry
	cfg.MaxAttempts = max(cfg.MaxAttempts, outcomeWriteAttempts)

	err := retry(ctx, cfg, exec.log, "record outcome", func(ctx context.Context) error {
		err := c.cfg.Store.RecordOutcome(ctx, out)
		var vErr *errors.ValidationError
		if err == nil || errors.As(err, &vErr) || errors.Is(err, errors.ErrTaskNotFound) {
			return err
		}
		return errors.MarkRetryable(err)
	})
	if err == nil {
		return
	}
	exec.log.Error("failed to record outcome", "error", err)
	if err := c.cfg.Store.UpdateStatus(ctx, out.TaskID, out.Status); err != nil {
		exec.log.Error("failed to persist final status", "status", out.Status, "error", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func publishBody(exec *Execution, artifact backend.Artifact) string {
	var b strings.Builder
	if exec.Task.Description != "" {
		b.WriteString(exec.Task.Description)
		b.WriteString("\n\n")
	}
	if len(exec.Task.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range exec.Task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Task `%s`, class `%s`", exec.Task.ID, exec.Class)
	if artifact.Model != "" {
		fmt.Fprintf(&b, ", generated by %s (%s)", artifact.Backend, artifact.Model)
	} else if artifact.Backend != "" {
		fmt.Fprintf(&b, ", generated by %s", artifact.Backend)
	}
	b.WriteString(".\n")
	return b.String()
}
