package history

import (
	"fmt"
	"testing"

	"github.com/harun/conductor/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(i int) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("message number %d", i)}
}

func fill(m *Manager, n int) {
	for i := 0; i < n; i++ {
		m.Append(userMsg(i))
	}
}

func TestManager_AppendCountsTokensIncrementally(t *testing.T) {
	m := NewManager(50)
	counter := HeuristicCounter{}

	msg := llm.Message{
		Role:    llm.RoleAssistant,
		Content: "let me look",
		ToolCalls: []llm.ToolCall{
			{ID: "1", Name: "read_file", Input: map[string]interface{}{"path": "main.go"}},
		},
	}
	m.Append(userMsg(0))
	m.Append(msg)
	m.Append(llm.Message{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "1", Output: "package main"}}})

	want := counter.Count("message number 0") +
		counter.Count("let me look") + counter.Count("read_file") + counter.Count(`{"path":"main.go"}`) +
		counter.Count("package main")
	assert.Equal(t, want, m.TokenCount())
	assert.Equal(t, 3, m.Len())
}

func TestManager_NoTrimBelowThreshold(t *testing.T) {
	m := NewManager(50)
	fill(m, 39)

	assert.False(t, m.ShouldTrim())
	assert.Equal(t, 0, m.TrimIfNeeded())
	assert.Equal(t, 39, m.Len())
}

func TestManager_TrimKeepsFirstAndTail(t *testing.T) {
	t.Run("should keep everything at 45 messages", func(t *testing.T) {
		m := NewManager(50)
		fill(m, 45)

		assert.True(t, m.ShouldTrim())
		assert.Equal(t, 0, m.TrimIfNeeded())
		assert.Equal(t, 45, m.Len())
	})

	t.Run("should never exceed capacity", func(t *testing.T) {
		m := NewManager(50)
		fill(m, 120)

		msgs := m.Messages()
		require.Len(t, msgs, 50)
		assert.Equal(t, "message number 0", msgs[0].Content)
		for i := 1; i < 50; i++ {
			assert.Equal(t, fmt.Sprintf("message number %d", 120-49+i-1), msgs[i].Content)
		}
	})

	t.Run("should recompute tokens from retained messages", func(t *testing.T) {
		m := NewManager(10)
		fill(m, 30)

		want := 0
		for _, msg := range m.Messages() {
			want += EstimateMessage(HeuristicCounter{}, msg)
		}
		assert.Equal(t, want, m.TokenCount())
		assert.Greater(t, m.Trims(), 0)
	})
}

// toolTurns appends assistant tool-call turns numbered from..to-1, each
// answered by its results.
func toolTurns(m *Manager, from, to int) {
	for i := from; i < to; i++ {
		id := fmt.Sprintf("call_%d", i)
		m.Append(llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: "read_file", Input: map[string]interface{}{"path": "a.go"}}},
		})
		m.Append(llm.Message{
			Role:        llm.RoleUser,
			ToolResults: []llm.ToolResult{{ToolCallID: id, Output: "package a"}},
		})
	}
}

func assertToolPairing(t *testing.T, msgs []llm.Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			seen[tc.ID] = true
		}
		for _, tr := range msg.ToolResults {
			assert.True(t, seen[tr.ToolCallID], "message %d answers %s with no earlier call", i, tr.ToolCallID)
		}
	}
}

func TestManager_TrimKeepsToolResultsWithTheirCalls(t *testing.T) {
	t.Run("should not open the tail on an orphaned result", func(t *testing.T) {
		m := NewManager(6)
		m.Append(userMsg(0))
		toolTurns(m, 0, 2)
		require.Equal(t, 5, m.Len())

		// The next turn pushes the log over capacity with the cut landing
		// on the results of call_0.
		toolTurns(m, 2, 3)

		msgs := m.Messages()
		assert.Equal(t, "message number 0", msgs[0].Content)
		assert.LessOrEqual(t, len(msgs), 6)
		require.Len(t, msgs, 5)
		assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
		assertToolPairing(t, msgs)
	})

	t.Run("should stay paired across many trims", func(t *testing.T) {
		for capacity := 2; capacity <= 9; capacity++ {
			m := NewManager(capacity)
			m.Append(userMsg(0))
			for i := 0; i < 20; i++ {
				toolTurns(m, i, i+1)
				m.TrimIfNeeded()

				msgs := m.Messages()
				require.NotEmpty(t, msgs)
				assert.Equal(t, "message number 0", msgs[0].Content)
				assert.LessOrEqual(t, len(msgs), capacity)
				assertToolPairing(t, msgs)
			}
		}
	})
}

func TestManager_OnTrim(t *testing.T) {
	var removed []int
	m := NewManager(5, WithOnTrim(func(n int) { removed = append(removed, n) }))
	fill(m, 7)

	assert.Equal(t, []int{1, 1}, removed)
	assert.Equal(t, 5, m.Len())
}

func TestManager_SnapshotIsDeepCopy(t *testing.T) {
	m := NewManager(10)
	m.Append(llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "write_file", Input: map[string]interface{}{"path": "a"}}},
	})

	snap := m.Snapshot()
	snap[0].ToolCalls[0].Input["path"] = "b"
	snap[0].Content = "mutated"

	live := m.Messages()
	assert.Equal(t, "a", live[0].ToolCalls[0].Input["path"])
	assert.Empty(t, live[0].Content)
}

func TestManager_AppendCopiesCallerMessage(t *testing.T) {
	m := NewManager(10)
	input := map[string]interface{}{"q": "go"}
	m.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Name: "search", Input: input}}})

	input["q"] = "rust"
	assert.Equal(t, "go", m.Messages()[0].ToolCalls[0].Input["q"])
}

func TestManager_Reset(t *testing.T) {
	m := NewManager(10)
	fill(m, 12)
	m.Reset()

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.TokenCount())
	assert.Equal(t, 0, m.Trims())
	_, ok := m.First()
	assert.False(t, ok)
}

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}
	assert.Equal(t, 0, c.Count("   "))
	assert.Equal(t, 1, c.Count("hi"))
	assert.Equal(t, 5, c.Count("a b c d e"))
	assert.Equal(t, 4, c.Count("abcdefghijklmnop"))
}

func TestNewCounter_DefaultsToHeuristic(t *testing.T) {
	assert.IsType(t, HeuristicCounter{}, NewCounter("heuristic", ""))
	assert.IsType(t, HeuristicCounter{}, NewCounter("", ""))
}
