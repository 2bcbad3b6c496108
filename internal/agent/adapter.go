package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is the normalized task request sent to the agent.
type Request struct {
	UserID    string `json:"user_id"`
	TaskID    string `json:"task_id"`
	InputText string `json:"input_text"`
}

type StepKind string

const (
	StepThinking   StepKind = "thinking"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
)

// Step is one progress report from the agent while it works.
type Step struct {
	Kind       StepKind       `json:"type"`
	Message    string         `json:"message,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolInput  string         `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Result is the final answer after all steps.
type Result struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// StepHandler receives steps in order. Returning an error aborts the run.
type StepHandler func(step Step) error

// Adapter runs task logic on behalf of a user.
type Adapter interface {
	Run(ctx context.Context, req Request, onStep StepHandler) (Result, error)
}

// Config controls adapter construction.
type Config struct {
	Mode             string
	HTTPURL          string
	HTTPStreamStrict bool
	HTTPTimeout      time.Duration
	MockStepDelay    time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "mock"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent HTTP url is required for http mode")
		}
		a := NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict)
		if cfg.HTTPTimeout > 0 {
			a.client.Timeout = cfg.HTTPTimeout
		}
		return a, nil
	case "mock":
		return &MockAdapter{StepDelay: cfg.MockStepDelay}, nil
	default:
		return nil, fmt.Errorf("unsupported agent adapter mode %q", cfg.Mode)
	}
}
