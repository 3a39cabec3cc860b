package stream

import "encoding/json"

// Event is one line of the agent CLI's stream-json output.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Message *Message `json:"message,omitempty"`

	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Result       string  `json:"result,omitempty"`
}

// Message is the payload of an assistant event.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolUse is a tool invocation found in the stream.
type ToolUse struct {
	Name    string
	Path    string
	Command string
}

// Summary is what nolan keeps from a finished run's output.
type Summary struct {
	SessionID string
	CostUSD   float64
	Result    string
	IsError   bool
	// Text is the readable transcript: assistant text, the final result and
	// any non-JSON lines.
	Text string
}
