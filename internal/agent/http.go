package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/taskpulse/internal/reliability"
)

const (
	httpMaxAttempts = 3
	httpBackoffBase = 200 * time.Millisecond
	httpBackoffCap  = 2 * time.Second
)

// StatusError is a non-2xx response from the agent service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

// HTTPAdapter forwards tasks to an agent service that streams steps as
// NDJSON or SSE lines of the form {"type":"thinking"|"tool_call"|
// "tool_result"|"final"|"error", ...}.
type HTTPAdapter struct {
	url    string
	strict bool
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return NewHTTPAdapterWithOptions(url, false)
}

func NewHTTPAdapterWithOptions(url string, strict bool) *HTTPAdapter {
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// streamLine is the union of every line shape the agent service sends.
type streamLine struct {
	Step
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func (a *HTTPAdapter) Run(ctx context.Context, req Request, onStep StepHandler) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	var res *http.Response
	for attempt := 0; ; attempt++ {
		res, err = a.send(ctx, payload)
		var se *StatusError
		if err == nil || !errors.As(err, &se) || !se.Retryable() || attempt+1 >= httpMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, httpBackoffBase, httpBackoffCap)):
		}
	}
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return a.consumeStream(res.Body, onStep)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	var out struct {
		Steps []Step         `json:"steps"`
		Text  string         `json:"text"`
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("decode agent response: %w", err)
	}
	for _, step := range out.Steps {
		if err := onStep(step); err != nil {
			return Result{}, err
		}
	}
	if out.Error != "" {
		return Result{}, errors.New(out.Error)
	}
	return Result{Text: out.Text, Data: out.Data}, nil
}

func (a *HTTPAdapter) send(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream, application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

func (a *HTTPAdapter) consumeStream(body io.Reader, onStep StepHandler) (Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		var msg streamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if a.strict {
				return Result{}, fmt.Errorf("invalid stream line: %w", err)
			}
			continue
		}
		switch msg.Kind {
		case StepThinking, StepToolCall, StepToolResult:
			if err := onStep(msg.Step); err != nil {
				return Result{}, err
			}
		case "final":
			return Result{Text: msg.Text, Data: msg.Data}, nil
		case "error":
			detail := msg.Error
			if detail == "" {
				detail = msg.Message
			}
			return Result{}, errors.New(detail)
		default:
			if a.strict {
				return Result{}, fmt.Errorf("unknown stream line type %q", msg.Kind)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("stream read: %w", err)
	}
	return Result{}, errors.New("agent stream ended without a final result")
}
