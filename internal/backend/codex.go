package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/taskforge/internal/process"
)

// CodexAdapter is the Codex CLI generator.
// It uses the `codex` CLI tool to interact with OpenAI's GPT models.
type CodexAdapter struct {
	cfg    Config
	runner *process.Runner
}

// codexEvent is the envelope shared by every line of `codex exec --json`.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"` // TurnCompleted
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"` // item.completed
}

// NewCodexAdapter creates a new Codex generator.
func NewCodexAdapter(cfg Config, runner *process.Runner) *CodexAdapter {
	return &CodexAdapter{cfg: cfg, runner: runner}
}

// Generate runs `codex exec` and extracts the patch from the final message.
func (c *CodexAdapter) Generate(ctx context.Context, req Request) (Artifact, error) {
	res, err := c.runner.Run(ctx, process.Command{
		Name: c.cfg.command(),
		Args: c.buildArgs(buildPrompt(req)),
		Dir:  req.WorkDir,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("codex command failed: %w", err)
	}

	content, err := parseCodexEvents(res.Stdout)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to parse codex events: %w", err)
	}

	patch, err := extractPatch(content)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Content:  content,
		Patch:    patch,
		Duration: res.Duration,
		Backend:  "codex",
		Model:    c.cfg.Model,
	}, nil
}

// buildArgs constructs the command arguments for codex CLI:
// ["exec", prompt, "--json", ...]
func (c *CodexAdapter) buildArgs(prompt string) []string {
	args := []string{"exec", prompt, "--json"}

	// Add model override if configured
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}

	return append(args, c.cfg.Args...)
}

// parseCodexEvents parses newline-delimited JSON events from Codex CLI output
// and returns the last agent message.
func parseCodexEvents(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var content string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", fmt.Errorf("failed to parse event: %w", err)
		}

		switch evt.Type {
		case "TurnCompleted":
			content = evt.Content
		case "item.completed":
			if evt.Item.Type == "agent_message" {
				content = evt.Item.Text
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading events: %w", err)
	}

	return content, nil
}
