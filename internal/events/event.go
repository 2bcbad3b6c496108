package events

import (
	"time"

	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

// Event is one lifecycle transition of one task, as delivered to clients.
type Event struct {
	TaskID    string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	Seq       uint64          `json:"seq"`
	Stage     lifecycle.Stage `json:"stage"`
	Payload   Payload         `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Payload carries stage specific data. Only the fields relevant to the stage
// are set.
type Payload struct {
	Message    string         `json:"message,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolInput  string         `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Result     string         `json:"result,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail describes why a task ended in the error stage.
type ErrorDetail struct {
	Kind      lifecycle.ErrorKind `json:"kind"`
	Message   string              `json:"message"`
	Retryable bool                `json:"retryable"`
}

func (e Event) Terminal() bool {
	return e.Stage.Terminal()
}

// Clone returns a deep copy so callers never share payload maps.
func (e Event) Clone() Event {
	out := e
	out.Payload = e.Payload.Clone()
	return out
}

func (p Payload) Clone() Payload {
	out := p
	if p.Data != nil {
		out.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	if p.Error != nil {
		detail := *p.Error
		out.Error = &detail
	}
	return out
}
