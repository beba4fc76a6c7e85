package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/scheduler"
)

// DispatcherConfig configures the polling loop.
type DispatcherConfig struct {
	MaxConcurrent  int           // global ceiling on executing tasks (default 4)
	PollInterval   time.Duration // default 30s
	DrainTimeout   time.Duration // 0 waits for in-flight tasks indefinitely
	ExclusiveFiles bool          // hold back tasks whose declared files overlap a running task
}

// Dispatcher polls the store for ready tasks and hands them to an Executor
// without exceeding the global ceiling.
type Dispatcher struct {
	cfg    DispatcherConfig
	store  DispatchStore
	exec   Executor
	bus    *events.Bus
	logger *slog.Logger

	sem    *semaphore.Weighted
	claims *scheduler.FileClaims
	group  errgroup.Group
	wake   chan struct{}

	mu       sync.Mutex
	inflight map[string]time.Time
	settled  map[string]bool // finished since the current pass read the store
	held     map[string]bool // turned away at admission, skipped until the next tick
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(cfg DispatcherConfig, store DispatchStore, exec Executor, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		bus:      bus,
		logger:   logging.OrNop(logger).With("component", "dispatcher"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]time.Time),
		settled:  make(map[string]bool),
		held:     make(map[string]bool),
	}
	if cfg.ExclusiveFiles {
		d.claims = scheduler.NewFileClaims()
	}
	return d
}

// Run polls until ctx is cancelled, then waits for in-flight tasks. Tasks
// keep running after ctx ends; once DrainTimeout passes they are cancelled
// and Run returns when they have unwound.
func (d *Dispatcher) Run(ctx context.Context) error {
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	d.logger.Info("dispatcher started",
		"max_concurrent", d.cfg.MaxConcurrent,
		"poll_interval", d.cfg.PollInterval,
		"exclusive_files", d.cfg.ExclusiveFiles,
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.dispatch(ctx, taskCtx, true)
loop:
	for {
		tick := false
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			tick = true
		case <-d.wake:
		}
		if ctx.Err() != nil {
			break loop
		}
		d.dispatch(ctx, taskCtx, tick)
	}

	if n := d.InFlightCount(); n > 0 {
		d.logger.Info("draining in-flight tasks", "count", n, "timeout", d.cfg.DrainTimeout)
	}
	drained := make(chan struct{})
	go func() {
		d.group.Wait()
		close(drained)
	}()

	if d.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(d.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			d.logger.Warn("drain timeout reached, cancelling in-flight tasks", "count", d.InFlightCount())
			cancelTasks()
			<-drained
		}
	} else {
		<-drained
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// Dispatch runs a single polling pass with ctx as the task context and
// returns how many tasks it started.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	return d.dispatch(ctx, ctx, true)
}

// Wait blocks until every task started so far has finished.
func (d *Dispatcher) Wait() {
	d.group.Wait()
}

// dispatch runs one pass. Tasks turned away at admission wait for the next
// timed pass; early passes after a finish would otherwise spin on them.
func (d *Dispatcher) dispatch(pollCtx, taskCtx context.Context, tick bool) (int, error) {
	// Anything that finishes from here on may still look pending in the
	// snapshot read below.
	d.mu.Lock()
	clear(d.settled)
	if tick {
		clear(d.held)
	}
	d.mu.Unlock()

	tasks, err := d.store.ListApproved(pollCtx)
	if err != nil {
		d.reportError("list approved tasks", err)
		return 0, err
	}
	completed, err := d.store.CompletedIDs(pollCtx)
	if err != nil {
		d.reportError("load completed tasks", err)
		return 0, err
	}

	ready := scheduler.FilterExecutable(tasks, completed)
	scheduler.SortByCreation(ready)
	started := 0
	for _, task := range ready {
		task := task
		if d.skip(task.ID) {
			continue
		}
		if d.claims != nil && !d.claims.TryClaim(task.ID, task.Files) {
			d.logger.Debug("files claimed by a running task", logging.KeyTask, task.ID)
			continue
		}
		if !d.sem.TryAcquire(1) {
			if d.claims != nil {
				d.claims.Release(task.ID)
			}
			break
		}

		d.markInFlight(task.ID)
		started++
		d.group.Go(func() error {
			var deferred bool
			defer func() { d.finished(task.ID, deferred) }()

			out := d.exec.Execute(taskCtx, task)
			deferred = out.Deferred()
			d.logger.Debug("task returned", logging.KeyTask, task.ID, "status", out.Status, "failure", out.Failure)
			return nil
		})
	}

	if started > 0 || len(ready) > 0 {
		d.logger.Debug("poll complete",
			"approved", len(tasks),
			"ready", len(ready),
			"started", started,
			"in_flight", d.InFlightCount(),
		)
	}
	return started, nil
}

// InFlight returns the ids of executing tasks, sorted.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InFlightCount returns the number of executing tasks.
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) skip(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, running := d.inflight[id]
	return running || d.settled[id] || d.held[id]
}

func (d *Dispatcher) markInFlight(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[id] = time.Now()
}

// finished frees the task's slot and claims, then pokes the loop so
// dependents start without waiting for the next tick.
func (d *Dispatcher) finished(id string, deferred bool) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.settled[id] = true
	if deferred {
		d.held[id] = true
	}
	d.mu.Unlock()
	if d.claims != nil {
		d.claims.Release(id)
	}
	d.sem.Release(1)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) reportError(op string, err error) {
	d.logger.Error("poll failed", "op", op, "error", err)
	d.bus.Publish(events.TopicAlert, events.AlertEvent{
		Kind:      events.AlertDispatcherError,
		Subject:   "dispatcher",
		Message:   op + ": " + err.Error(),
		Timestamp: time.Now(),
	})
}
