package llm

import "encoding/json"

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCall is a structured request emitted by the model to invoke a named tool
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult carries the outcome of a ToolCall back to the model.
// ToolCallID pairs it with the originating call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	IsError    bool   `json:"is_error"`
}

// Message is one entry of an agent conversation
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Clone returns a deep copy of the message, including tool call inputs.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Input: cloneInput(tc.Input)}
		}
	}
	if m.ToolResults != nil {
		out.ToolResults = make([]ToolResult, len(m.ToolResults))
		copy(out.ToolResults, m.ToolResults)
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func cloneInput(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	// Round-trip through JSON so nested maps and slices are not shared.
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]interface{}, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return in
	}
	return out
}

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption for one call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request contains the parameters for one provider call
type Request struct {
	Model        string     `json:"model"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Messages     []Message  `json:"messages"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	MaxTokens    int        `json:"max_tokens"`
	Temperature  float64    `json:"temperature"`
}

// Response is the parsed reply of a provider call
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}
