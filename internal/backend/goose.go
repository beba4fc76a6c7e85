package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/taskforge/internal/process"
)

// GooseAdapter is a Generator implementation for the Goose CLI.
// Goose supports local LLM providers (Ollama, LM Studio, llama.cpp) via --provider and --model flags.
type GooseAdapter struct {
	cfg    Config
	runner *process.Runner
}

// gooseResponse represents the JSON response structure from Goose CLI.
type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseAdapter creates a new Goose generator.
func NewGooseAdapter(cfg Config, runner *process.Runner) *GooseAdapter {
	return &GooseAdapter{cfg: cfg, runner: runner}
}

// Generate runs `goose run` without a session and extracts the patch.
func (g *GooseAdapter) Generate(ctx context.Context, req Request) (Artifact, error) {
	res, err := g.runner.Run(ctx, process.Command{
		Name: g.cfg.command(),
		Args: g.buildArgs(buildPrompt(req)),
		Dir:  req.WorkDir,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("goose command failed: %w", err)
	}

	content, parseErr := parseGooseResponse(res.Stdout)
	if parseErr != nil {
		// Older goose builds ignore --output-format and print plain text.
		content = string(res.Stdout)
	}

	patch, err := extractPatch(content)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Content:  content,
		Patch:    patch,
		Duration: res.Duration,
		Backend:  "goose",
		Model:    g.cfg.Model,
	}, nil
}

// buildArgs constructs the command-line arguments for the Goose CLI.
func (g *GooseAdapter) buildArgs(prompt string) []string {
	args := []string{"run", "--no-session", "--text", prompt, "--output-format", "json"}

	// Local LLM support: --provider and --model flags
	if g.cfg.Provider != "" {
		args = append(args, "--provider", g.cfg.Provider)
	}
	if g.cfg.Model != "" {
		args = append(args, "--model", g.cfg.Model)
	}

	// System prompt
	if g.cfg.SystemPrompt != "" {
		args = append(args, "--system", g.cfg.SystemPrompt)
	}

	return append(args, g.cfg.Args...)
}

// parseGooseResponse parses the JSON response from Goose CLI.
// Tries parsing as a single JSON object first.
// If that fails, tries newline-delimited JSON (stream-json format).
func parseGooseResponse(data []byte) (string, error) {
	var resp gooseResponse
	if err := json.Unmarshal(data, &resp); err == nil {
		return resp.Content, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var lineResp gooseResponse
		if err := json.Unmarshal([]byte(line), &lineResp); err == nil && lineResp.Content != "" {
			contents = append(contents, lineResp.Content)
		}
	}

	if len(contents) > 0 {
		return strings.Join(contents, "\n"), nil
	}

	return "", fmt.Errorf("failed to parse Goose JSON response")
}
