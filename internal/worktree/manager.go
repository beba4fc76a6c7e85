// Package worktree manages the git working copies behind pool handles: one
// clone per slot, task branches created and committed with go-git, and
// branches published with the git and gh CLIs.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
)

// Manager provisions one clone of the source repository per pool slot.
// It implements pool.Provisioner.
type Manager struct {
	config Config
	logger *slog.Logger
}

var _ pool.Provisioner = (*Manager)(nil)

// NewManager creates a new worktree manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		config: cfg.withDefaults(),
		logger: logging.OrNop(logger).With("component", "worktree"),
	}
}

// Setup clones the source repository into the slot directory and checks out
// the base branch. A directory left behind by a previous run is replaced.
func (m *Manager) Setup(ctx context.Context, id string) (string, error) {
	path := filepath.Join(m.config.Dir, id)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("failed to remove stale slot %s: %w", id, err)
	}
	if err := os.MkdirAll(m.config.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create slot directory: %w", err)
	}

	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           m.config.Repo,
		RemoteName:    m.config.Remote,
		ReferenceName: plumbing.NewBranchReferenceName(m.config.BaseBranch),
		SingleBranch:  true,
	})
	if err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("failed to clone %s into %s: %w", m.config.Repo, path, err)
	}

	m.logger.Debug("slot provisioned", logging.KeyHandle, id, "path", path)
	return path, nil
}

// Cleanup force-checks-out the base branch, hard-resets it, removes
// untracked files and deletes leftover task branches.
func (m *Manager) Cleanup(ctx context.Context, h *pool.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := git.PlainOpen(h.Path)
	if err != nil {
		return fmt.Errorf("failed to open slot %s: %w", h.ID, err)
	}

	if err := checkoutBase(repo, m.config.BaseBranch); err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to remove untracked files: %w", err)
	}

	var errs []error
	for _, name := range m.taskBranches(repo) {
		if err := repo.Storer.RemoveReference(name); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove branch %s: %w", name.Short(), err))
		}
	}
	return errors.Join(errs...)
}

// Teardown deletes the slot's clone.
func (m *Manager) Teardown(ctx context.Context, h *pool.Handle) error {
	if err := os.RemoveAll(h.Path); err != nil {
		return fmt.Errorf("failed to remove slot %s: %w", h.ID, err)
	}
	return nil
}

// Prune removes slot directories that are not in keep, left behind by a
// crashed run with a larger pool.
func (m *Manager) Prune(keep []string) error {
	entries, err := os.ReadDir(m.config.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list slots: %w", err)
	}

	live := make(map[string]bool, len(keep))
	for _, id := range keep {
		live[id] = true
	}

	var errs []error
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.config.Dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("pruned stale slot", logging.KeyHandle, e.Name())
	}
	return errors.Join(errs...)
}

// taskBranches lists local branches under the task branch prefix.
func (m *Manager) taskBranches(repo *git.Repository) []plumbing.ReferenceName {
	iter, err := repo.Branches()
	if err != nil {
		return nil
	}
	defer iter.Close()

	prefix := plumbing.NewBranchReferenceName(m.config.BranchPrefix).String() + "/"
	var names []plumbing.ReferenceName
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		if strings.HasPrefix(ref.Name().String(), prefix) {
			names = append(names, ref.Name())
		}
		return nil
	})
	return names
}

// checkoutBase discards every local change and leaves HEAD on the base branch.
func checkoutBase(repo *git.Repository, base string) error {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref.Name(), Force: true}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", base, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset %s: %w", base, err)
	}
	return nil
}
