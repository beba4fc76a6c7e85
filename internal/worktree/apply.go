package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/process"
)

// ErrEmptyChange is returned when applying an artifact left the tree unchanged.
var ErrEmptyChange = errors.New("change produced no modifications")

// Applier writes generated patches onto fresh task branches.
type Applier struct {
	config Config
	runner *process.Runner
	logger *slog.Logger
}

// NewApplier creates an Applier. The runner executes the apply command.
func NewApplier(cfg Config, runner *process.Runner, logger *slog.Logger) *Applier {
	return &Applier{
		config: cfg.withDefaults(),
		runner: runner,
		logger: logging.OrNop(logger).With("component", "applier"),
	}
}

// Apply creates a uniquely named branch from the base branch, applies the
// patch with the configured command and commits the result. Once the branch
// exists its name is returned even when a later step fails, so the caller
// can revert it.
func (a *Applier) Apply(ctx context.Context, h *pool.Handle, req ApplyRequest) (Applied, error) {
	repo, err := git.PlainOpen(h.Path)
	if err != nil {
		return Applied{}, fmt.Errorf("failed to open working copy %s: %w", h.ID, err)
	}

	base, err := repo.Reference(plumbing.NewBranchReferenceName(a.config.BaseBranch), true)
	if err != nil {
		return Applied{}, fmt.Errorf("failed to resolve base branch %s: %w", a.config.BaseBranch, err)
	}

	branch := branchName(a.config.BranchPrefix, req.TaskID, uuid.NewString()[:8])
	wt, err := repo.Worktree()
	if err != nil {
		return Applied{}, fmt.Errorf("failed to get worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Hash:   base.Hash(),
		Create: true,
		Force:  true,
	})
	if err != nil {
		return Applied{}, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	applied := Applied{Branch: branch}

	if err := a.applyPatch(ctx, h.Path, req.Patch); err != nil {
		return applied, err
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return applied, fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return applied, fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return applied, ErrEmptyChange
	}

	hash, err := wt.Commit(commitMessage(req), &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.config.AuthorName,
			Email: a.config.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return applied, fmt.Errorf("failed to commit: %w", err)
	}
	applied.Commit = hash.String()

	a.logger.Info("change applied",
		logging.KeyTask, req.TaskID,
		logging.KeyHandle, h.ID,
		"branch", branch,
		"commit", hash.String()[:12])
	return applied, nil
}

// Revert checks the base branch back out and deletes the task branch.
// Reverting a branch that no longer exists is not an error.
func (a *Applier) Revert(ctx context.Context, h *pool.Handle, branch string) error {
	repo, err := git.PlainOpen(h.Path)
	if err != nil {
		return fmt.Errorf("failed to open working copy %s: %w", h.ID, err)
	}

	if err := checkoutBase(repo, a.config.BaseBranch); err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to remove untracked files: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(ref, false); errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}
	if err := repo.Storer.RemoveReference(ref); err != nil {
		return fmt.Errorf("failed to remove branch %s: %w", branch, err)
	}

	a.logger.Info("branch reverted", logging.KeyHandle, h.ID, "branch", branch)
	return nil
}

func (a *Applier) applyPatch(ctx context.Context, dir string, patch []byte) error {
	f, err := os.CreateTemp("", "taskforge-*.patch")
	if err != nil {
		return fmt.Errorf("failed to create patch file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(patch); err != nil {
		f.Close()
		return fmt.Errorf("failed to write patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write patch file: %w", err)
	}

	cmd := process.Command{
		Name: a.config.ApplyCommand[0],
		Args: append(append([]string{}, a.config.ApplyCommand[1:]...), filepath.Clean(f.Name())),
		Dir:  dir,
	}
	if _, err := a.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	return nil
}

func commitMessage(req ApplyRequest) string {
	title := req.Title
	if title == "" {
		title = "Apply generated change"
	}
	return fmt.Sprintf("%s\n\nTask: %s\n", title, req.TaskID)
}
