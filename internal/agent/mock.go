package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MockAdapter produces a deterministic reason/act/reason run for local use.
// Inputs containing "fail" fail after the tool step; inputs containing
// "hang" stop reporting until ctx is done.
type MockAdapter struct {
	StepDelay time.Duration
}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Run(ctx context.Context, req Request, onStep StepHandler) (Result, error) {
	input := strings.TrimSpace(req.InputText)
	if input == "" {
		input = "empty request"
	}
	lower := strings.ToLower(input)
	callID := "call-" + req.TaskID

	steps := []Step{
		{Kind: StepThinking, Message: fmt.Sprintf("Planning how to handle: %s", input)},
		{Kind: StepToolCall, ToolName: "echo", ToolCallID: callID, ToolInput: input},
		{Kind: StepToolResult, ToolName: "echo", ToolCallID: callID, ToolOutput: input},
	}
	for _, step := range steps {
		if err := a.pause(ctx); err != nil {
			return Result{}, err
		}
		if err := onStep(step); err != nil {
			return Result{}, err
		}
	}

	switch {
	case strings.Contains(lower, "hang"):
		<-ctx.Done()
		return Result{}, ctx.Err()
	case strings.Contains(lower, "fail"):
		return Result{}, errors.New("mock tool reported failure for: " + input)
	}

	if err := a.pause(ctx); err != nil {
		return Result{}, err
	}
	if err := onStep(Step{Kind: StepThinking, Message: "Summarizing tool output"}); err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("Done: %s", input)}, nil
}

func (a *MockAdapter) pause(ctx context.Context) error {
	if a.StepDelay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(a.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
