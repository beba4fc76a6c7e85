package backend

import (
	"time"
)

// Request describes the change a generator is asked to produce.
type Request struct {
	TaskID             string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Files              []string
	WorkDir            string // working copy the generator runs in
}

// Artifact is the product of one generation call.
type Artifact struct {
	Content  string        // full backend response text
	Patch    []byte        // unified diff extracted from Content
	CostUSD  float64       // reported spend, 0 when the backend doesn't report it
	Duration time.Duration // wall time of the backend call
	Backend  string        // backend type that produced the artifact
	Model    string
}

// Config defines one generator: a backend type bound to a model.
type Config struct {
	Type         string   // "claude", "codex", or "goose"
	Command      string   // CLI binary; defaults to Type
	Args         []string // Extra args appended to every invocation
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio", "llama.cpp")
	SystemPrompt string
}

func (c Config) command() string {
	if c.Command != "" {
		return c.Command
	}
	return c.Type
}
