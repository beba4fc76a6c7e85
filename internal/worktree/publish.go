package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/process"
)

// Publisher pushes task branches and opens pull requests.
type Publisher struct {
	config Config
	runner *process.Runner
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config, runner *process.Runner, logger *slog.Logger) *Publisher {
	return &Publisher{
		config: cfg.withDefaults(),
		runner: runner,
		logger: logging.OrNop(logger).With("component", "publisher"),
	}
}

// Publish pushes the applied branch and, when enabled, opens a pull request
// against the base branch. On failure the returned Published still records
// whatever was made visible, so Unpublish can take it back.
func (p *Publisher) Publish(ctx context.Context, h *pool.Handle, applied Applied, req PublishRequest) (Published, error) {
	pub := Published{
		Branch: applied.Branch,
		Path:   h.Path,
		Remote: p.config.Remote,
	}
	if !p.config.Push {
		return pub, nil
	}

	_, err := p.runner.Run(ctx, process.Command{
		Name: "git",
		Args: []string{"push", "-u", p.config.Remote, applied.Branch},
		Dir:  h.Path,
	})
	if err != nil {
		return pub, fmt.Errorf("failed to push %s: %w", applied.Branch, err)
	}
	pub.Pushed = true

	if p.config.PullRequest {
		title := req.Title
		if title == "" {
			title = applied.Branch
		}
		res, err := p.runner.Run(ctx, process.Command{
			Name: "gh",
			Args: []string{"pr", "create",
				"--head", applied.Branch,
				"--base", p.config.BaseBranch,
				"--title", title,
				"--body", req.Body,
			},
			Dir: h.Path,
		})
		if err != nil {
			return pub, fmt.Errorf("failed to open pull request for %s: %w", applied.Branch, err)
		}
		pub.ChangeURL = lastLine(string(res.Stdout))
	}

	p.logger.Info("change published",
		logging.KeyTask, req.TaskID,
		"branch", pub.Branch,
		"change_url", pub.ChangeURL)
	return pub, nil
}

// Unpublish closes the pull request and deletes the remote branch. Both are
// attempted; their errors are joined.
func (p *Publisher) Unpublish(ctx context.Context, h *pool.Handle, pub Published) error {
	var errs []error

	if pub.ChangeURL != "" {
		_, err := p.runner.Run(ctx, process.Command{
			Name: "gh",
			Args: []string{"pr", "close", pub.ChangeURL},
			Dir:  h.Path,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", pub.ChangeURL, err))
		}
	}

	if pub.Pushed {
		remote := pub.Remote
		if remote == "" {
			remote = p.config.Remote
		}
		_, err := p.runner.Run(ctx, process.Command{
			Name: "git",
			Args: []string{"push", remote, "--delete", pub.Branch},
			Dir:  h.Path,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete remote branch %s: %w", pub.Branch, err))
		}
	}

	if len(errs) == 0 {
		p.logger.Info("change unpublished", "branch", pub.Branch)
	}
	return errors.Join(errs...)
}

// lastLine returns the last non-empty line; gh prints the pull request URL last.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
