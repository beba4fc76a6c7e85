package backend

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/aristath/taskforge/internal/errors"
)

// ErrNoPatch is returned when a backend response contains no unified diff.
var ErrNoPatch = errors.New("response contains no patch")

// buildPrompt renders the request as the single prompt sent to a CLI.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", req.TaskID, req.Title)
	if req.Description != "" {
		b.WriteString("\n")
		b.WriteString(req.Description)
		b.WriteString("\n")
	}
	if len(req.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range req.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(req.Files) > 0 {
		b.WriteString("\nFiles likely involved:\n")
		for _, f := range req.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nDo not modify files directly. Reply with the complete change as one unified diff " +
		"(git diff format, paths relative to the repository root) inside a ```diff fenced block.\n")
	return b.String()
}

// extractPatch pulls the unified diff out of a response. A fenced diff
// block wins; otherwise everything from the first "diff --git" line on is used.
func extractPatch(content string) ([]byte, error) {
	var (
		fenced  strings.Builder
		inFence bool
		found   bool
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case !inFence && (trimmed == "```diff" || trimmed == "```patch"):
			inFence = true
		case inFence && trimmed == "```":
			inFence = false
			found = true
		case inFence:
			fenced.WriteString(line)
			fenced.WriteString("\n")
		}
		if found {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan response: %w", err)
	}
	if found && strings.TrimSpace(fenced.String()) != "" {
		return []byte(fenced.String()), nil
	}

	if i := strings.Index(content, "diff --git "); i >= 0 {
		patch := content[i:]
		if !strings.HasSuffix(patch, "\n") {
			patch += "\n"
		}
		return []byte(patch), nil
	}
	return nil, ErrNoPatch
}
