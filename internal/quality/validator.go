// Package quality scores published changes with an external command.
package quality

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/process"
	"github.com/aristath/taskforge/internal/worktree"
)

// Scores are on a 0 to 10 scale.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

var (
	// ErrNotConfigured is returned when no scoring command is configured.
	ErrNotConfigured = errors.New("quality validator is not configured")
	// ErrScoreOutOfRange is returned for a score that is not a number in
	// [MinScore, MaxScore].
	ErrScoreOutOfRange = errors.New("score out of range")
)

// CommandValidator runs a scoring command with the change reference as its
// last argument and reads a score from its output, either a JSON object
// {"score": n} or a bare number. Concurrent calls for the same change share
// one run.
type CommandValidator struct {
	command string
	args    []string
	runner  *process.Runner
	logger  *slog.Logger
	group   singleflight.Group
}

// NewCommandValidator creates a CommandValidator.
func NewCommandValidator(command string, args []string, runner *process.Runner, logger *slog.Logger) *CommandValidator {
	return &CommandValidator{
		command: command,
		args:    args,
		runner:  runner,
		logger:  logging.OrNop(logger).With("component", "validator"),
	}
}

// Score returns the quality score of a published change.
func (v *CommandValidator) Score(ctx context.Context, pub worktree.Published) (float64, error) {
	if v.command == "" {
		return 0, ErrNotConfigured
	}

	ref := pub.Ref()
	result, err, shared := v.group.Do(ref, func() (interface{}, error) {
		res, err := v.runner.Run(ctx, process.Command{
			Name: v.command,
			Args: append(append([]string{}, v.args...), ref),
			Dir:  pub.Path,
		})
		if err != nil {
			return 0.0, fmt.Errorf("scoring %s: %w", ref, err)
		}
		return parseScore(res.Stdout)
	})
	if err != nil {
		return 0, err
	}

	score := result.(float64)
	v.logger.Debug("change scored", "ref", ref, "score", score, "shared", shared)
	return score, nil
}

type scoreOutput struct {
	Score *float64 `json:"score"`
}

// parseScore reads the last line of output that carries a score.
func parseScore(out []byte) (float64, error) {
	var (
		score float64
		found bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var so scoreOutput
		if err := json.Unmarshal([]byte(line), &so); err == nil && so.Score != nil {
			score, found = *so.Score, true
			continue
		}
		if f, err := strconv.ParseFloat(line, 64); err == nil {
			score, found = f, true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read scorer output: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("scorer output has no score: %q", truncate(string(out), 200))
	}
	if math.IsNaN(score) || score < MinScore || score > MaxScore {
		return 0, fmt.Errorf("%w: %v is outside [%v, %v]", ErrScoreOutOfRange, score, MinScore, MaxScore)
	}
	return score, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
