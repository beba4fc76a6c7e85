package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/capacity"
	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/routing"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worktree"
)

const testClass = "sonnet"

// journal records side effects across fakes so tests can check ordering.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func (j *journal) index(entry string) int {
	return slices.Index(j.list(), entry)
}

type fakeRouter struct {
	class string
	err   error
	panic bool
}

func (r *fakeRouter) Route(ctx context.Context, task *scheduler.Task) (routing.Decision, error) {
	if r.panic {
		panic("router exploded")
	}
	if r.err != nil {
		return routing.Decision{}, r.err
	}
	return routing.Decision{Class: r.class, Complexity: 1, Reason: "test"}, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	errs    []error // consumed per call; nil entries succeed
	panic   bool
	block   chan struct{}
	started chan string
}

func (g *fakeGenerator) Generate(ctx context.Context, class string, req backend.Request) (backend.Artifact, error) {
	g.mu.Lock()
	g.calls++
	var err error
	if len(g.errs) > 0 {
		err, g.errs = g.errs[0], g.errs[1:]
	}
	g.mu.Unlock()

	if g.started != nil {
		g.started <- req.TaskID
	}
	if g.panic {
		panic("generator exploded")
	}
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return backend.Artifact{}, ctx.Err()
		}
	}
	if err != nil {
		return backend.Artifact{CostUSD: 0.01}, err
	}
	return backend.Artifact{
		Content: "done",
		Patch:   []byte("diff --git a/x b/x\n"),
		CostUSD: 0.05,
		Backend: "fake",
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeApplier struct {
	j    *journal
	mu   sync.Mutex
	n    int
	errs []error
}

func (a *fakeApplier) Apply(ctx context.Context, h *pool.Handle, req worktree.ApplyRequest) (worktree.Applied, error) {
	a.mu.Lock()
	a.n++
	branch := fmt.Sprintf("forge/%s-%d", req.TaskID, a.n)
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	a.mu.Unlock()

	a.j.add("apply:%s", branch)
	if err != nil {
		return worktree.Applied{Branch: branch}, err
	}
	return worktree.Applied{Branch: branch, Commit: "abc123"}, nil
}

func (a *fakeApplier) Revert(ctx context.Context, h *pool.Handle, branch string) error {
	a.j.add("revert:%s", branch)
	return nil
}

type fakePublisher struct {
	j      *journal
	err    error
	pushed bool // report the branch as pushed when failing
}

func (p *fakePublisher) Publish(ctx context.Context, h *pool.Handle, applied worktree.Applied, req worktree.PublishRequest) (worktree.Published, error) {
	p.j.add("publish:%s", applied.Branch)
	if p.err != nil {
		return worktree.Published{Branch: applied.Branch, Path: h.Path, Remote: "origin", Pushed: p.pushed}, p.err
	}
	return worktree.Published{
		Branch:    applied.Branch,
		Path:      h.Path,
		Remote:    "origin",
		Pushed:    true,
		ChangeURL: "https://example.test/pull/" + req.TaskID,
	}, nil
}

func (p *fakePublisher) Unpublish(ctx context.Context, h *pool.Handle, pub worktree.Published) error {
	p.j.add("unpublish:%s", pub.Branch)
	return nil
}

type fakeValidator struct {
	score float64
	err   error
}

func (v *fakeValidator) Score(ctx context.Context, pub worktree.Published) (float64, error) {
	if v.err != nil {
		return 0, v.err
	}
	return v.score, nil
}

type slotProvisioner struct {
	mu       sync.Mutex
	cleanups int
}

func (s *slotProvisioner) Setup(ctx context.Context, id string) (string, error) {
	return "/slots/" + id, nil
}

func (s *slotProvisioner) Cleanup(ctx context.Context, h *pool.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return nil
}

func (s *slotProvisioner) Teardown(ctx context.Context, h *pool.Handle) error { return nil }

func (s *slotProvisioner) cleanupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

type harness struct {
	t       *testing.T
	coord   *Coordinator
	pool    *pool.Pool
	prov    *slotProvisioner
	gate    *capacity.Gate
	store   *persistence.SQLiteStore
	bus     *events.Bus
	journal *journal

	router    *fakeRouter
	generator *fakeGenerator
	applier   *fakeApplier
	publisher *fakePublisher
	validator *fakeValidator
}

type harnessOption func(*CoordinatorConfig)

func newHarness(t *testing.T, poolSize int, limits map[string]int, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prov := &slotProvisioner{}
	p := pool.New(prov, pool.Options{Enabled: true}, logging.Nop())
	require.NoError(t, p.Initialize(ctx, poolSize))
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	gate := capacity.New(capacity.Config{Limits: limits, PollInterval: 10 * time.Millisecond}, logging.Nop())
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	j := &journal{}
	h := &harness{
		t:         t,
		pool:      p,
		prov:      prov,
		gate:      gate,
		store:     store,
		bus:       bus,
		journal:   j,
		router:    &fakeRouter{class: testClass},
		generator: &fakeGenerator{},
		applier:   &fakeApplier{j: j},
		publisher: &fakePublisher{j: j},
		validator: &fakeValidator{score: 8},
	}

	cfg := CoordinatorConfig{
		Router:       h.router,
		Generator:    h.generator,
		Applier:      h.applier,
		Publisher:    h.publisher,
		Validator:    h.validator,
		Store:        store,
		Bus:          bus,
		CapacityWait: 2 * time.Second,
		PassScore:    7,
		Retry:        fastRetry(3),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.coord = NewCoordinator(cfg, p, gate, logging.Nop())
	return h
}

func (h *harness) addTask(id string, deps ...string) *scheduler.Task {
	h.t.Helper()
	task := &scheduler.Task{
		ID:        id,
		Title:     "Task " + id,
		DependsOn: deps,
		Approved:  true,
		Status:    scheduler.StatusPending,
	}
	require.NoError(h.t, h.store.SaveTask(context.Background(), task))
	return task
}

func (h *harness) status(id string) scheduler.Status {
	h.t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(h.t, err)
	return task.Status
}

// assertReleased checks that no lease or class slot outlived the execution.
func (h *harness) assertReleased() {
	h.t.Helper()
	snap := h.pool.Snapshot()
	assert.Equal(h.t, snap.Size, snap.Available, "every handle must be back in the pool")
	assert.Empty(h.t, snap.Leases)
	for _, cs := range h.gate.Snapshot() {
		assert.Zero(h.t, cs.Active, "class %s still has active reservations", cs.Name)
	}
}

func TestExecute_Completed(t *testing.T) {
	h := newHarness(t, 1, map[string]int{testClass: 1})
	task := h.addTask("t1")
	sub := h.bus.Subscribe(32, events.TopicTask)

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
	assert.True(t, out.Success())
	assert.Equal(t, scheduler.FailureNone, out.Failure)
	assert.Equal(t, testClass, out.Class)
	assert.Equal(t, scheduler.StatusValidating, out.Stage)
	assert.Equal(t, "forge/t1-1", out.Branch)
	assert.Equal(t, "https://example.test/pull/t1", out.ChangeURL)
	require.NotNil(t, out.Score)
	assert.Equal(t, 8.0, *out.Score)
	assert.InDelta(t, 0.05, out.CostUSD, 1e-9)

	assert.Equal(t, scheduler.StatusCompleted, h.status("t1"))
	outcomes, err := h.store.ListOutcomes(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, scheduler.StatusCompleted, outcomes[0].Status)

	var stages []scheduler.Status
	var finished *events.TaskFinishedEvent
	for finished == nil {
		select {
		case evt := <-sub:
			switch e := evt.(type) {
			case events.TaskStageEvent:
				stages = append(stages, e.Stage)
			case events.TaskFinishedEvent:
				finished = &e
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for finished event")
		}
	}
	assert.Equal(t, scheduler.Stages, stages)
	assert.Equal(t, scheduler.StatusCompleted, finished.Status)

	h.assertReleased()
	assert.Equal(t, 1, h.prov.cleanupCount(), "released handle must be cleaned")
	assert.Equal(t, -1, h.journal.index("revert:forge/t1-1"), "successful run must not roll back")
}

func TestExecute_BelowPassScoreNeedsReview(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.validator.score = 5
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	assert.Equal(t, scheduler.StatusNeedsReview, out.Status)
	assert.Equal(t, scheduler.FailureNone, out.Failure)
	require.NotNil(t, out.Score)
	assert.Equal(t, 5.0, *out.Score)
	assert.Equal(t, scheduler.StatusNeedsReview, h.status("t1"))
	h.assertReleased()
}

func TestExecute_ValidatorErrorNeedsReview(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.validator.err = fmt.Errorf("scorer crashed")
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	assert.Equal(t, scheduler.StatusNeedsReview, out.Status)
	assert.Equal(t, scheduler.FailureValidating, out.Failure)
	assert.Nil(t, out.Score)
	assert.Contains(t, out.Error, "scorer crashed")
	assert.Equal(t, "https://example.test/pull/t1", out.ChangeURL, "change stays published for review")
	assert.Equal(t, -1, h.journal.index("unpublish:forge/t1-1"))
	h.assertReleased()
}

func TestExecute_ApplyFailureRestoresAdmissionsAndRollsBack(t *testing.T) {
	h := newHarness(t, 2, map[string]int{testClass: 1})
	h.applier.errs = []error{fmt.Errorf("patch does not apply")}
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, scheduler.FailureApplying, out.Failure)
	assert.Equal(t, scheduler.StatusApplying, out.Stage)
	assert.Contains(t, out.Error, "patch does not apply")
	assert.Empty(t, out.Branch, "rolled back branch must not be reported")

	assert.Equal(t, []string{"apply:forge/t1-1", "revert:forge/t1-1"}, h.journal.list())
	assert.Equal(t, scheduler.StatusFailed, h.status("t1"))
	h.assertReleased()

	// The class slot is usable again.
	require.True(t, h.gate.Reserve(testClass, "next"))
}

func TestExecute_RetriedApplyRevertsEveryBranch(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.applier.errs = []error{
		errors.MarkRetryable(fmt.Errorf("index.lock exists")),
		errors.MarkRetryable(fmt.Errorf("index.lock exists")),
		errors.MarkRetryable(fmt.Errorf("index.lock exists")),
	}
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, []string{
		"apply:forge/t1-1",
		"apply:forge/t1-2",
		"apply:forge/t1-3",
		"revert:forge/t1-3",
		"revert:forge/t1-2",
		"revert:forge/t1-1",
	}, h.journal.list())
	h.assertReleased()
}

func TestExecute_PublishFailureUnpublishesBeforeRevert(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.publisher.err = fmt.Errorf("gh: pull request create failed")
	h.publisher.pushed = true
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, scheduler.FailurePublishing, out.Failure)
	assert.Empty(t, out.ChangeURL)

	unpublish := h.journal.index("unpublish:forge/t1-1")
	revert := h.journal.index("revert:forge/t1-1")
	require.NotEqual(t, -1, unpublish, "pushed branch must be unpublished")
	require.NotEqual(t, -1, revert, "branch must be reverted")
	assert.Less(t, unpublish, revert, "unpublish must precede revert")
	h.assertReleased()
}

func TestExecute_CapacityTimeoutNeverLeases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, map[string]int{testClass: 1}, func(cfg *CoordinatorConfig) {
		cfg.CapacityWait = 50 * time.Millisecond
	})
	h.generator.block = make(chan struct{})
	h.generator.started = make(chan string, 2)
	first := h.addTask("t1")
	second := h.addTask("t2")

	firstDone := make(chan scheduler.Outcome, 1)
	go func() { firstDone <- h.coord.Execute(ctx, first) }()
	select {
	case id := <-h.generator.started:
		require.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started generating")
	}

	out := h.coord.Execute(ctx, second)

	require.Equal(t, scheduler.StatusPending, out.Status, out.Error)
	assert.True(t, out.Deferred())
	assert.Equal(t, scheduler.FailureCapacity, out.Failure)
	assert.Equal(t, scheduler.StatusRouting, out.Stage)
	assert.Contains(t, out.Error, errors.ErrCapacityTimeout.Error())

	snap := h.pool.Snapshot()
	require.Len(t, snap.Leases, 1)
	assert.Equal(t, "t1", snap.Leases[0].Owner, "only the first task holds a handle")
	assert.Equal(t, 1, snap.Available)
	assert.Equal(t, 1, h.generator.callCount())
	assert.Empty(t, h.journal.list())

	// The refused task is left for the next poll, with the refusal logged.
	assert.Equal(t, scheduler.StatusPending, h.status("t2"))
	approved, err := h.store.ListApproved(ctx)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "t2", approved[0].ID)
	logged, err := h.store.ListOutcomes(ctx, "t2", 0)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, scheduler.FailureCapacity, logged[0].Failure)

	close(h.generator.block)
	select {
	case out := <-firstDone:
		assert.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("first task did not finish")
	}
	h.assertReleased()
}

func TestExecute_PoolSizeTwoThreeTasks(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.generator.block = make(chan struct{})
	h.generator.started = make(chan string, 3)

	tasks := []*scheduler.Task{h.addTask("a"), h.addTask("b"), h.addTask("c")}
	results := make(chan scheduler.Outcome, len(tasks))
	for _, task := range tasks {
		task := task
		go func() { results <- h.coord.Execute(context.Background(), task) }()
	}

	running := map[string]bool{}
	for _i := 0; _i < 2; _i++ {
		select {
		case id := <-h.generator.started:
			running[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("expected two tasks to start generating")
		}
	}
	require.Eventually(t, func() bool {
		return h.pool.Snapshot().Waiters == 1
	}, 2*time.Second, 5*time.Millisecond, "third task must wait for a handle")

	snap := h.pool.Snapshot()
	assert.Zero(t, snap.Available)
	assert.Len(t, snap.Leases, 2)
	select {
	case id := <-h.generator.started:
		t.Fatalf("task %s started generating without a handle", id)
	default:
	}

	// Let exactly one running task finish.
	select {
	case h.generator.block <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("no generator was waiting")
	}
	select {
	case out := <-results:
		assert.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("released task did not finish")
	}

	select {
	case id := <-h.generator.started:
		assert.False(t, running[id], "the waiting task must get the released handle")
	case <-time.After(2 * time.Second):
		t.Fatal("waiting task did not start after a single release")
	}
	assert.Zero(t, h.pool.Snapshot().Waiters)

	close(h.generator.block)
	for _i := 0; _i < 2; _i++ {
		select {
		case out := <-results:
			assert.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("tasks did not finish")
		}
	}
	assert.Equal(t, 3, h.generator.callCount())
	h.assertReleased()
}

func TestExecute_RetriesRetryableGeneration(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.generator.errs = []error{errors.MarkRetryable(fmt.Errorf("rate limited")), nil}
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	assert.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
	assert.Equal(t, 2, h.generator.callCount())
	assert.InDelta(t, 0.06, out.CostUSD, 1e-9, "cost of the failed attempt counts too")
}

func TestExecute_NonRetryableGenerationFails(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.generator.errs = []error{backend.ErrNoPatch}
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, scheduler.FailureGenerating, out.Failure)
	assert.Equal(t, 1, h.generator.callCount())
	assert.Empty(t, h.journal.list(), "nothing was applied, nothing to roll back")
	h.assertReleased()
}

func TestExecute_StageTimeout(t *testing.T) {
	h := newHarness(t, 1, nil, func(cfg *CoordinatorConfig) {
		cfg.GenerateTimeout = 30 * time.Millisecond
	})
	h.generator.block = make(chan struct{})
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, scheduler.FailureGenerating, out.Failure)
	assert.Contains(t, out.Error, "timed out")
	h.assertReleased()
}

func TestExecute_RoutingError(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.router.err = fmt.Errorf("no rule matches")
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, scheduler.FailureRouting, out.Failure)
	assert.Empty(t, out.Class)
	h.assertReleased()
}

func TestExecute_LeaseFailureReleasesCapacity(t *testing.T) {
	h := newHarness(t, 1, map[string]int{testClass: 1})
	h.pool.SetEnabled(false)
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusPending, out.Status)
	assert.True(t, out.Deferred())
	assert.Equal(t, scheduler.FailureLease, out.Failure)
	assert.Contains(t, out.Error, errors.ErrPoolDisabled.Error())
	assert.True(t, h.gate.HasCapacity(testClass), "class slot must be released")
	assert.Equal(t, scheduler.StatusPending, h.status("t1"))
}

// flakyStore fails outcome writes; failures < 0 fails every write.
type flakyStore struct {
	TaskStore

	mu       sync.Mutex
	failures int
	writes   int
}

func (s *flakyStore) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	s.mu.Lock()
	s.writes++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("database is locked")
	}
	return s.TaskStore.RecordOutcome(ctx, o)
}

func (s *flakyStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func withFlakyStore(fs *flakyStore) harnessOption {
	return func(cfg *CoordinatorConfig) {
		fs.TaskStore = cfg.Store
		cfg.Store = fs
	}
}

func TestExecute_OutcomeWriteRetried(t *testing.T) {
	fs := &flakyStore{failures: 2}
	h := newHarness(t, 1, nil, withFlakyStore(fs))
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
	assert.Equal(t, 3, fs.writeCount())
	assert.Equal(t, scheduler.StatusCompleted, h.status("t1"))
	logged, err := h.store.ListOutcomes(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestExecute_OutcomeWriteFailureStillSetsFinalStatus(t *testing.T) {
	fs := &flakyStore{failures: -1}
	h := newHarness(t, 1, nil, withFlakyStore(fs))
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	require.Equal(t, scheduler.StatusCompleted, out.Status, out.Error)
	assert.Equal(t, outcomeWriteAttempts, fs.writeCount())
	assert.Equal(t, scheduler.StatusCompleted, h.status("t1"), "task must not look interrupted after a restart")

	n, err := h.store.RequeueInterrupted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, 1, map[string]int{testClass: 1})
	h.generator.panic = true
	task := h.addTask("t1")

	var out scheduler.Outcome
	require.NotPanics(t, func() {
		out = h.coord.Execute(context.Background(), task)
	})

	require.Equal(t, scheduler.StatusFailed, out.Status)
	assert.Equal(t, scheduler.FailurePanic, out.Failure)
	assert.Equal(t, scheduler.StatusGenerating, out.Stage)
	assert.Contains(t, out.Error, "generator exploded")
	assert.Equal(t, scheduler.StatusFailed, h.status("t1"))
	h.assertReleased()
}

func TestExecute_PanicBeforeAdmission(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.router.panic = true
	task := h.addTask("t1")

	out := h.coord.Execute(context.Background(), task)

	assert.Equal(t, scheduler.FailurePanic, out.Failure)
	assert.Equal(t, scheduler.StatusRouting, out.Stage)
	h.assertReleased()
}

func TestExecute_CancelledTaskIsRequeued(t *testing.T) {
	h := newHarness(t, 1, map[string]int{testClass: 1})
	h.generator.block = make(chan struct{})
	h.generator.started = make(chan string, 1)
	task := h.addTask("t1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan scheduler.Outcome, 1)
	go func() { done <- h.coord.Execute(ctx, task) }()

	<-h.generator.started
	cancel()

	var out scheduler.Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled execution did not return")
	}

	assert.Equal(t, scheduler.StatusPending, out.Status)
	assert.Equal(t, scheduler.FailureCancelled, out.Failure)
	assert.Equal(t, scheduler.StatusPending, h.status("t1"))

	outcomes, err := h.store.ListOutcomes(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes, "an interrupted run is not an outcome")
	h.assertReleased()
}

func TestPublishBody(t *testing.T) {
	exec := &Execution{
		Task: &scheduler.Task{
			ID:                 "t1",
			Description:        "Add a flag.",
			AcceptanceCriteria: []string{"flag parses", "help mentions it"},
		},
		Class: testClass,
	}
	body := publishBody(exec, backend.Artifact{Backend: "claude", Model: "opus"})

	for _, want := range []string{"Add a flag.", "- [ ] flag parses", "- [ ] help mentions it", "`t1`", "claude (opus)"} {
		assert.Contains(t, body, want)
	}
}
