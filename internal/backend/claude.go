package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskforge/internal/process"
)

// ClaudeAdapter implements the Generator interface for Claude Code CLI.
type ClaudeAdapter struct {
	cfg    Config
	runner *process.Runner
}

// claudeResponse represents the JSON structure returned by Claude Code CLI.
// Example: {"type": "result", "result": "text", "total_cost_usd": 0.02, "session_id": "uuid"}
// Older releases nest the text as {"result": {"content": [{"type": "text", "text": "..."}]}}.
type claudeResponse struct {
	SessionID    string          `json:"session_id"`
	IsError      bool            `json:"is_error"`
	Result       json.RawMessage `json:"result"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	CostUSD      float64         `json:"cost_usd"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeAdapter creates a new Claude Code generator.
func NewClaudeAdapter(cfg Config, runner *process.Runner) *ClaudeAdapter {
	return &ClaudeAdapter{cfg: cfg, runner: runner}
}

// Generate runs one non-interactive claude invocation and extracts the patch.
func (a *ClaudeAdapter) Generate(ctx context.Context, req Request) (Artifact, error) {
	res, err := a.runner.Run(ctx, process.Command{
		Name: a.cfg.command(),
		Args: a.buildArgs(buildPrompt(req)),
		Dir:  req.WorkDir,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("claude command failed: %w", err)
	}

	content, cost, err := parseClaudeResponse(res.Stdout)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(res.Stderr))
	}

	patch, err := extractPatch(content)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Content:  content,
		Patch:    patch,
		CostUSD:  cost,
		Duration: res.Duration,
		Backend:  "claude",
		Model:    a.cfg.Model,
	}, nil
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (a *ClaudeAdapter) buildArgs(prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}

	// Add optional model override
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}

	// Add optional system prompt
	if a.cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", a.cfg.SystemPrompt)
	}

	return append(args, a.cfg.Args...)
}

// parseClaudeResponse parses the JSON output from Claude Code CLI and
// returns the response text and the reported cost.
func parseClaudeResponse(data []byte) (string, float64, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", 0, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	cost := cr.TotalCostUSD
	if cost == 0 {
		cost = cr.CostUSD
	}

	var content string
	if len(cr.Result) > 0 {
		var text string
		if err := json.Unmarshal(cr.Result, &text); err == nil {
			content = text
		} else {
			var nested claudeContent
			if err := json.Unmarshal(cr.Result, &nested); err != nil {
				return "", 0, fmt.Errorf("unexpected result shape: %w", err)
			}
			for _, item := range nested.Content {
				if item.Type == "text" {
					content += item.Text
				}
			}
		}
	}

	if cr.IsError {
		return "", cost, fmt.Errorf("claude reported an error: %s", content)
	}
	return content, cost, nil
}
