package quality

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/process"
	"github.com/aristath/taskforge/internal/worktree"
)

// scorer writes a script that records each invocation and prints output.
func scorer(t *testing.T, output string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls")
	script := filepath.Join(dir, "score")
	body := "#!/bin/sh\necho \"$1\" >> '" + calls + "'\nsleep 0.2\necho '" + output + "'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	return script, calls
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		want     float64
		wantErr  bool
		outRange bool
	}{
		{"json", `{"score": 8.5}`, 8.5, false, false},
		{"json after logs", "checking...\n{\"score\": 6, \"notes\": \"ok\"}\n", 6, false, false},
		{"bare number", "7\n", 7, false, false},
		{"last score wins", "{\"score\": 3}\n9\n", 9, false, false},
		{"json without score", `{"notes": "x"}`, 0, true, false},
		{"empty", "", 0, true, false},
		{"bounds", "0\n10\n", 10, false, false},
		{"percentage scale", "85\n", 0, true, true},
		{"json above scale", `{"score": 42}`, 0, true, true},
		{"negative", `{"score": -1}`, 0, true, true},
		{"infinity", "Inf\n", 0, true, true},
		{"negative infinity", "-Inf\n", 0, true, true},
		{"not a number", "NaN\n", 0, true, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore([]byte(tt.out))
			if tt.wantErr {
				assert.Error(t, err)
				if tt.outRange {
					assert.ErrorIs(t, err, ErrScoreOutOfRange)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScoreRunsCommandWithRef(t *testing.T) {
	script, calls := scorer(t, `{"score": 7.5}`)
	v := NewCommandValidator(script, nil, process.NewRunner(nil, nil, nil), nil)

	score, err := v.Score(context.Background(), worktree.Published{Branch: "forge/t-1", ChangeURL: "https://example.com/pr/1"})
	require.NoError(t, err)
	assert.Equal(t, 7.5, score)

	recorded, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pr/1\n", string(recorded))
}

func TestScoreDedupesConcurrentCalls(t *testing.T) {
	script, calls := scorer(t, "8")
	v := NewCommandValidator(script, nil, process.NewRunner(nil, nil, nil), nil)
	pub := worktree.Published{Branch: "forge/t-1"}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if score, err := v.Score(context.Background(), pub); err != nil || score != 8 {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	recorded, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Less(t, len(recorded), 5*len("forge/t-1\n"), "concurrent calls should share runs")
}

func TestScoreNotConfigured(t *testing.T) {
	v := NewCommandValidator("", nil, process.NewRunner(nil, nil, nil), nil)
	_, err := v.Score(context.Background(), worktree.Published{Branch: "b"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
