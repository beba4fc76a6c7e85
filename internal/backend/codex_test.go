package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCodexAdapter_BuildsExecCommand verifies command structure for one-shot exec.
func TestCodexAdapter_BuildsExecCommand(t *testing.T) {
	adapter := NewCodexAdapter(Config{Type: "codex", Model: "gpt-4.1"}, nil)

	args := adapter.buildArgs("Write a test")

	expected := []string{"exec", "Write a test", "--json", "--model", "gpt-4.1"}
	assert.Equal(t, expected, args)
}

// TestCodexAdapter_ParsesEventStream verifies parsing of both event dialects.
func TestCodexAdapter_ParsesEventStream(t *testing.T) {
	tests := []struct {
		name   string
		events string
		want   string
	}{
		{
			name: "legacy turn events",
			events: `{"type":"ThreadStarted","thread_id":"thread-123"}
{"type":"TurnCompleted","content":"Test response"}`,
			want: "Test response",
		},
		{
			name: "item events keep last agent message",
			events: `{"type":"thread.started","thread_id":"t"}
{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}
{"type":"item.completed","item":{"type":"agent_message","text":"first"}}

{"type":"item.completed","item":{"type":"agent_message","text":"final"}}
{"type":"turn.completed"}`,
			want: "final",
		},
		{
			name:   "empty stream",
			events: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCodexEvents([]byte(tt.events))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCodexAdapter_ParsesMalformedJSON verifies error on malformed JSON.
func TestCodexAdapter_ParsesMalformedJSON(t *testing.T) {
	events := `{"type":"ThreadStarted","thread_id":"thread-123"}
{invalid json here}`

	_, err := parseCodexEvents([]byte(events))
	assert.Error(t, err)
}
