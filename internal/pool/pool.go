// Package pool implements a bounded pool of exclusive, reusable working-copy
// handles. Callers lease a handle, use it, and release it; releasing resets
// the handle and passes it straight to the oldest waiting caller.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
)

// Provisioner creates, resets and destroys the resources behind handles.
type Provisioner interface {
	// Setup provisions the resource for a new handle and returns its path.
	Setup(ctx context.Context, id string) (string, error)
	// Cleanup returns a released handle to a clean state.
	Cleanup(ctx context.Context, h *Handle) error
	// Teardown destroys the resource.
	Teardown(ctx context.Context, h *Handle) error
}

// CleanupPolicy decides what happens to a handle whose cleanup failed.
type CleanupPolicy int

const (
	// Recycle returns the handle to service anyway and counts the dirty release.
	Recycle CleanupPolicy = iota
	// Quarantine tears the handle down and shrinks the pool.
	Quarantine
)

// ParseCleanupPolicy converts a configuration value to a CleanupPolicy.
func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch s {
	case "", "recycle":
		return Recycle, nil
	case "quarantine":
		return Quarantine, nil
	default:
		return Recycle, fmt.Errorf("unknown cleanup policy %q", s)
	}
}

type handleState int

const (
	stateAvailable handleState = iota
	stateLeased
	stateReleasing
	stateRetired
)

// Handle is one exclusive unit of the pool. ID and Path never change; lease
// bookkeeping is owned by the pool and visible through Snapshot.
type Handle struct {
	ID   string
	Path string

	state    handleState
	leasedTo string
	leasedAt time.Time
}

func (h *Handle) String() string {
	return h.ID
}

// ReleaseResult reports what Release did with a handle.
type ReleaseResult struct {
	Recycled    bool  // handle went back into service
	Quarantined bool  // handle was torn down after a failed cleanup
	Ignored     bool  // handle was not leased from this pool
	CleanupErr  error // non-nil when cleanup failed
}

// Options configures a Pool.
type Options struct {
	Enabled         bool
	CleanupPolicy   CleanupPolicy
	InitConcurrency int
	IDPrefix        string
	Clock           func() time.Time
}

type leaseResult struct {
	h   *Handle
	err error
}

type waiter struct {
	requester string
	since     time.Time
	ch        chan leaseResult
	el        *list.Element
	queued    bool
}

// Pool hands out exclusive handles in FIFO order.
//
// Every live handle is either in the available queue or leased to exactly
// one requester. Waiters exist only while the available queue is empty.
type Pool struct {
	prov   Provisioner
	opts   Options
	logger *slog.Logger

	initMu sync.Mutex // serializes Initialize and Shutdown

	mu             sync.Mutex
	enabled        bool
	initialized    bool
	handles        map[string]*Handle
	available      []*Handle
	waiters        *list.List
	exhaustedSince time.Time
	dirtyReleases  int
	quarantined    int
}

// New creates an empty, uninitialized pool.
func New(prov Provisioner, opts Options, logger *slog.Logger) *Pool {
	if opts.InitConcurrency <= 0 {
		opts.InitConcurrency = 4
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = "slot"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pool{
		prov:    prov,
		opts:    opts,
		logger:  logging.OrNop(logger).With("component", "pool"),
		enabled: opts.Enabled,
		handles: make(map[string]*Handle),
		waiters: list.New(),
	}
}

// Initialize provisions size handles concurrently. If any setup fails,
// every handle that was provisioned is torn down and a *errors.PoolInitError
// is returned. Calling Initialize on an initialized pool does nothing.
func (p *Pool) Initialize(ctx context.Context, size int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	already := p.initialized
	p.mu.Unlock()
	if already {
		p.logger.Info("pool already initialized, ignoring", "requested", size)
		return nil
	}
	if size < 0 {
		return &errors.PoolInitError{Requested: size, Cause: errors.New("negative pool size")}
	}

	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", p.opts.IDPrefix, i+1)
	}

	built := make([]*Handle, size)
	failures := make([]error, size)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.InitConcurrency)
	for i, id := range ids {
		i := i
		id := id
		g.Go(func() error {
			path, err := p.prov.Setup(gctx, id)
			if err != nil {
				failures[i] = err
				return fmt.Errorf("setup %s: %w", id, err)
			}
			built[i] = &Handle{ID: id, Path: path, state: stateAvailable}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var failed []string
		for i, ferr := range failures {
			if ferr != nil {
				failed = append(failed, ids[i])
			}
		}
		teardownCtx := context.WithoutCancel(ctx)
		for _, h := range built {
			if h == nil {
				continue
			}
			if terr := p.prov.Teardown(teardownCtx, h); terr != nil {
				p.logger.Warn("teardown after failed init", logging.KeyHandle, h.ID, "error", terr)
			}
		}
		p.logger.Error("pool initialization failed", "requested", size, "failed", failed, "error", err)
		return &errors.PoolInitError{Requested: size, Failed: failed, Cause: err}
	}

	p.mu.Lock()
	for _, h := range built {
		p.handles[h.ID] = h
		p.available = append(p.available, h)
	}
	p.initialized = true
	p.observeLocked()
	p.mu.Unlock()

	p.logger.Info("pool initialized", "size", size)
	return nil
}

// Lease returns an exclusive handle for requester, waiting in FIFO order
// when none is available. A disabled pool fails with ErrPoolDisabled and a
// pool without handles with ErrNoCapacity, both without waiting. There is
// no lease timeout: ctx is the only way to abandon the wait.
func (p *Pool) Lease(ctx context.Context, requester string) (*Handle, error) {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return nil, errors.ErrPoolDisabled
	}
	if len(p.handles) == 0 {
		p.mu.Unlock()
		return nil, errors.ErrNoCapacity
	}
	if len(p.available) > 0 {
		h := p.available[0]
		p.available[0] = nil
		p.available = p.available[1:]
		p.assignLocked(h, requester)
		p.observeLocked()
		p.mu.Unlock()
		p.logger.Debug("lease granted", logging.KeyHandle, h.ID, logging.KeyTask, requester)
		return h, nil
	}

	w := &waiter{
		requester: requester,
		since:     p.opts.Clock(),
		ch:        make(chan leaseResult, 1),
		queued:    true,
	}
	w.el = p.waiters.PushBack(w)
	position := p.waiters.Len()
	p.mu.Unlock()

	p.logger.Info("waiting for handle", logging.KeyTask, requester, "position", position)

	select {
	case res := <-w.ch:
		if res.err == nil {
			p.logger.Debug("lease granted after wait", logging.KeyHandle, res.h.ID, logging.KeyTask, requester)
		}
		return res.h, res.err
	case <-ctx.Done():
		p.mu.Lock()
		if w.queued {
			p.waiters.Remove(w.el)
			w.queued = false
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()

		// Served concurrently with cancellation; pass the handle on untouched.
		res := <-w.ch
		if res.h != nil {
			p.mu.Lock()
			if res.h.state == stateLeased && res.h.leasedTo == requester {
				p.handOffLocked(res.h)
			}
			p.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// Release resets h and returns it to service, handing it to the oldest
// waiter when there is one. Releasing a handle that is not currently leased
// from this pool is a no-op.
func (p *Pool) Release(ctx context.Context, h *Handle) ReleaseResult {
	if h == nil {
		return ReleaseResult{Ignored: true}
	}

	p.mu.Lock()
	if cur, ok := p.handles[h.ID]; !ok || cur != h || h.state != stateLeased {
		p.mu.Unlock()
		p.logger.Debug("ignoring release of handle not on lease", logging.KeyHandle, h.ID)
		return ReleaseResult{Ignored: true}
	}
	h.state = stateReleasing
	owner := h.leasedTo
	p.mu.Unlock()

	cleanupErr := p.prov.Cleanup(ctx, h)

	p.mu.Lock()
	if h.state != stateReleasing {
		// Shut down while cleaning; the handle is already gone.
		p.mu.Unlock()
		return ReleaseResult{Ignored: true, CleanupErr: cleanupErr}
	}
	h.leasedTo = ""
	h.leasedAt = time.Time{}

	var result ReleaseResult
	if cleanupErr != nil {
		p.dirtyReleases++
		result.CleanupErr = &errors.CleanupError{HandleID: h.ID, Cause: cleanupErr}
		p.logger.Warn("handle cleanup failed", logging.KeyHandle, h.ID, logging.KeyTask, owner,
			"policy", p.policyName(), "error", cleanupErr)

		if p.opts.CleanupPolicy == Quarantine {
			h.state = stateRetired
			delete(p.handles, h.ID)
			p.quarantined++
			if len(p.handles) == 0 {
				p.rejectWaitersLocked(errors.ErrNoCapacity)
			}
			p.observeLocked()
			p.mu.Unlock()

			if err := p.prov.Teardown(context.WithoutCancel(ctx), h); err != nil {
				p.logger.Warn("teardown of quarantined handle failed", logging.KeyHandle, h.ID, "error", err)
			}
			result.Quarantined = true
			return result
		}
	}

	p.handOffLocked(h)
	p.mu.Unlock()

	result.Recycled = true
	p.logger.Debug("handle released", logging.KeyHandle, h.ID, logging.KeyTask, owner)
	return result
}

// Shutdown rejects all waiters with ErrShuttingDown and tears down every
// handle, leased or not. The pool can be initialized again afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	p.rejectWaitersLocked(errors.ErrShuttingDown)
	all := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		h.state = stateRetired
		all = append(all, h)
	}
	p.handles = make(map[string]*Handle)
	p.available = nil
	p.initialized = false
	p.exhaustedSince = time.Time{}
	p.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var errs []error
	for _, h := range all {
		if err := p.prov.Teardown(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("teardown %s: %w", h.ID, err))
		}
	}

	p.logger.Info("pool shut down", "handles", len(all), "teardown_errors", len(errs))
	return errors.Join(errs...)
}

// SetEnabled switches the pool on or off. Disabling rejects pending waiters.
func (p *Pool) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	if !enabled {
		p.rejectWaitersLocked(errors.ErrPoolDisabled)
	}
}

// Size returns the number of live handles.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// assignLocked marks h as leased to requester.
func (p *Pool) assignLocked(h *Handle, requester string) {
	h.state = stateLeased
	h.leasedTo = requester
	h.leasedAt = p.opts.Clock()
}

// handOffLocked gives h to the oldest waiter, or queues it as available.
func (p *Pool) handOffLocked(h *Handle) {
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.queued = false
		p.assignLocked(h, w.requester)
		w.ch <- leaseResult{h: h}
		p.observeLocked()
		return
	}
	h.state = stateAvailable
	h.leasedTo = ""
	h.leasedAt = time.Time{}
	p.available = append(p.available, h)
	p.observeLocked()
}

func (p *Pool) rejectWaitersLocked(err error) {
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		w := p.waiters.Remove(e).(*waiter)
		w.queued = false
		w.ch <- leaseResult{err: err}
	}
}

// observeLocked tracks how long the pool has had no available handle.
func (p *Pool) observeLocked() {
	if len(p.handles) > 0 && len(p.available) == 0 {
		if p.exhaustedSince.IsZero() {
			p.exhaustedSince = p.opts.Clock()
		}
		return
	}
	p.exhaustedSince = time.Time{}
}

func (p *Pool) policyName() string {
	if p.opts.CleanupPolicy == Quarantine {
		return "quarantine"
	}
	return "recycle"
}
