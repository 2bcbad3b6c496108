package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ent0n29/taskpulse/internal/agent"
	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/execution"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/policy"
)

var (
	ErrBlocked        = errors.New("task input blocked by policy")
	ErrTaskNotRunning = errors.New("task is not running")
	ErrClosed         = errors.New("task runtime closed")

	errTaskTimeout = errors.New("task timeout")
	errIdleTimeout = errors.New("task idle timeout")
	errShutdown    = errors.New("service shutting down")
)

type cancelRequest struct {
	reason string
}

func (c *cancelRequest) Error() string { return "cancelled: " + c.reason }

type Config struct {
	TaskTimeout time.Duration
	IdleTimeout time.Duration
}

// Delivery is what the supervisor needs from the delivery engine.
type Delivery interface {
	execution.Sink
	TaskKnown(ctx context.Context, userID, taskID string) (bool, error)
}

type taskKey struct {
	userID string
	taskID string
}

// Service supervises task runs: it creates the execution context, drives
// the agent, maps its steps onto lifecycle transitions and owns the task
// and idle timeouts.
type Service struct {
	taskTimeout time.Duration
	idleTimeout time.Duration
	factory     *execution.Factory
	machine     *execution.Machine
	delivery    Delivery
	adapter     agent.Adapter
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	running map[taskKey]context.CancelCauseFunc
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, adapter agent.Adapter, sink Delivery, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 20 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		taskTimeout: cfg.TaskTimeout,
		idleTimeout: cfg.IdleTimeout,
		factory:     execution.NewFactory(),
		machine:     execution.NewMachine(execution.NewEmitter(sink)),
		delivery:    sink,
		adapter:     adapter,
		metrics:     metrics,
		logger:      logger.With("component", "taskruntime"),
		running:     make(map[taskKey]context.CancelCauseFunc),
	}
}

// StartTask screens the input, creates a fresh execution context, emits
// started and runs the agent in the background. An empty taskID gets a
// generated one.
func (s *Service) StartTask(ctx context.Context, userID, taskID, input string) (execution.Snapshot, error) {
	userID = strings.TrimSpace(userID)
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}

	decision := policy.DecideIntent(input)
	if decision.Blocked {
		return execution.Snapshot{}, fmt.Errorf("%w: %s", ErrBlocked, strings.TrimSpace(decision.Reason))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return execution.Snapshot{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	launched := false
	defer func() {
		if !launched {
			s.wg.Done()
		}
	}()

	// A finished task keeps its id for as long as its events are retained
	// in memory or in the event log.
	if userID != "" {
		known, err := s.delivery.TaskKnown(ctx, userID, taskID)
		if err != nil {
			return execution.Snapshot{}, fmt.Errorf("start task: %w", err)
		}
		if known {
			return execution.Snapshot{}, &execution.DuplicateTaskError{UserID: userID, TaskID: taskID}
		}
	}
	ec, err := s.factory.Create(userID, taskID)
	if err != nil {
		return execution.Snapshot{}, err
	}

	redacted, _ := policy.RedactPII(input)
	_, err = s.machine.Advance(ctx, ec, lifecycle.StageStarted, events.Payload{
		Message: summarizeInput(redacted),
		Data: map[string]any{
			"risk":              string(decision.Risk),
			"requires_approval": decision.RequiresApproval,
			"actionable":        decision.Actionable,
		},
	})
	if ec.LastSeq() == 0 {
		if abandonErr := s.factory.Abandon(ec); abandonErr != nil {
			s.logger.Error("abandon execution context failed", "user_id", userID, "task_id", taskID, "error", abandonErr)
		}
		return execution.Snapshot{}, fmt.Errorf("start task: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	runCtx, stopTimeout := context.WithTimeoutCause(runCtx, s.taskTimeout, errTaskTimeout)

	key := taskKey{userID: ec.UserID(), taskID: ec.TaskID()}
	s.mu.Lock()
	s.running[key] = cancel
	if s.closed {
		cancel(errShutdown)
	}
	s.mu.Unlock()
	s.metrics.TaskStarted()

	launched = true
	go func() {
		defer s.wg.Done()
		defer stopTimeout()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
			cancel(nil)
		}()
		s.run(runCtx, cancel, ec, input, err)
	}()

	return ec.Snapshot(), nil
}

// CancelTask stops a running task; its terminal error event carries reason.
func (s *Service) CancelTask(userID, taskID, reason string) error {
	s.mu.Lock()
	cancel, ok := s.running[taskKey{userID: strings.TrimSpace(userID), taskID: strings.TrimSpace(taskID)}]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotRunning
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Task was cancelled."
	}
	cancel(&cancelRequest{reason: reason})
	return nil
}

func (s *Service) GetTask(userID, taskID string) (execution.Snapshot, error) {
	return s.factory.Get(userID, taskID)
}

// ListTasks returns the user's live tasks, oldest first.
func (s *Service) ListTasks(userID string) []execution.Snapshot {
	return s.factory.List(userID)
}

func (s *Service) ActiveCount() int {
	return s.factory.Count()
}

// Close cancels every running task and waits for their terminal events
// until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.running {
		cancel(errShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, cancel context.CancelCauseFunc, ec *execution.Context, input string, startErr error) {
	log := s.logger.With("user_id", ec.UserID(), "task_id", ec.TaskID())

	idle := time.AfterFunc(s.idleTimeout, func() { cancel(errIdleTimeout) })
	defer idle.Stop()

	var (
		result   agent.Result
		stepErr  error
		runErr   error
		thoughts thinkingBacklog
	)
	if startErr != nil {
		stepErr = startErr
	} else {
		result, runErr = s.adapter.Run(ctx, agent.Request{
			UserID:    ec.UserID(),
			TaskID:    ec.TaskID(),
			InputText: input,
		}, func(step agent.Step) error {
			idle.Reset(s.idleTimeout)
			stage, payload := stepTransition(step)
			if stage == lifecycle.StageThinking && ec.Stage() == lifecycle.StageThinking {
				log.Debug("coalescing consecutive thinking step")
				thoughts.add(payload)
				return nil
			}
			if _, err := s.machine.Advance(ctx, ec, stage, thoughts.attach(payload)); err != nil {
				stepErr = err
				return err
			}
			return nil
		})
	}
	idle.Stop()

	kind, message := s.outcome(ctx, stepErr, runErr)
	final := context.WithoutCancel(ctx)
	var err error
	if kind == "" {
		_, err = s.machine.Advance(final, ec, lifecycle.StageCompleted, thoughts.attach(events.Payload{
			Result: result.Text,
			Data:   result.Data,
		}))
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			// The agent returned while a tool call was still open.
			log.Warn("agent finished from a stage that cannot complete", "stage", ec.Stage())
			kind, message = lifecycle.ErrorKindTaskFailed, "Task ended while a tool call was still running."
			_, err = s.machine.Fail(final, ec, kind, message)
		}
	} else {
		_, err = s.machine.Fail(final, ec, kind, message)
	}
	if !ec.Stage().Terminal() {
		log.Error("terminal event was not queued; execution context retained", "error", err)
		s.metrics.TaskFinished("undelivered", time.Since(ec.CreatedAt()))
		return
	}
	if err != nil {
		log.Warn("terminal event queued with degraded delivery", "error", err)
	}

	outcome := string(lifecycle.StageCompleted)
	if kind != "" {
		outcome = string(kind)
		log.Info("task ended with error", "kind", kind)
	}
	s.metrics.TaskFinished(outcome, time.Since(ec.CreatedAt()))

	if err := s.factory.Destroy(ec); err != nil {
		log.Error("destroy execution context failed", "error", err)
	}
}

// outcome picks the terminal error kind; an empty kind means completed.
// Cancellation causes win over whatever the agent returned.
func (s *Service) outcome(ctx context.Context, stepErr, runErr error) (lifecycle.ErrorKind, string) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		var req *cancelRequest
		switch {
		case errors.As(cause, &req):
			return lifecycle.ErrorKindCancelled, req.reason
		case errors.Is(cause, errIdleTimeout):
			return lifecycle.ErrorKindIdleTimeout, ""
		case errors.Is(cause, errTaskTimeout):
			return lifecycle.ErrorKindTimeout, ""
		case errors.Is(cause, errShutdown):
			return lifecycle.ErrorKindCancelled, "Task was cancelled because the service is shutting down."
		}
	}
	if stepErr != nil {
		switch {
		case delivery.IsSaturated(stepErr):
			return lifecycle.ErrorKindDeliveryBackpressure, ""
		case errors.Is(stepErr, delivery.ErrDelivery):
			return lifecycle.ErrorKindInternal, ""
		default:
			return lifecycle.ErrorKindTaskFailed, redact(stepErr.Error())
		}
	}
	if runErr != nil {
		return lifecycle.ErrorKindTaskFailed, redact(runErr.Error())
	}
	return "", ""
}

func stepTransition(step agent.Step) (lifecycle.Stage, events.Payload) {
	payload := events.Payload{
		Message:    step.Message,
		ToolName:   step.ToolName,
		ToolCallID: step.ToolCallID,
		ToolInput:  step.ToolInput,
		ToolOutput: step.ToolOutput,
		Data:       step.Data,
	}
	switch step.Kind {
	case agent.StepToolCall:
		return lifecycle.StageToolExecuting, payload
	case agent.StepToolResult:
		return lifecycle.StageToolCompleted, payload
	default:
		return lifecycle.StageThinking, payload
	}
}

// thinkingBacklog holds thinking steps folded into an already emitted
// thinking event. They ride along on the next event under Data["thinking"].
type thinkingBacklog struct {
	messages []string
	data     map[string]any
}

func (b *thinkingBacklog) add(p events.Payload) {
	if msg := strings.TrimSpace(p.Message); msg != "" {
		b.messages = append(b.messages, msg)
	}
	for k, v := range p.Data {
		if b.data == nil {
			b.data = make(map[string]any, len(p.Data))
		}
		b.data[k] = v
	}
}

// attach merges the backlog into p and empties it. Keys already set on p win.
func (b *thinkingBacklog) attach(p events.Payload) events.Payload {
	if len(b.messages) == 0 && len(b.data) == 0 {
		return p
	}
	data := make(map[string]any, len(b.data)+len(p.Data)+1)
	for k, v := range b.data {
		data[k] = v
	}
	for k, v := range p.Data {
		data[k] = v
	}
	if len(b.messages) > 0 {
		data["thinking"] = b.messages
	}
	p.Data = data
	*b = thinkingBacklog{}
	return p
}

func redact(message string) string {
	out, _ := policy.RedactPII(message)
	return out
}

func summarizeInput(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return "Task"
	}
	if len(s) <= 120 {
		return s
	}
	cut := 120
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]
	lastSpace := strings.LastIndexByte(s, ' ')
	if lastSpace > 70 {
		s = s[:lastSpace]
	}
	return strings.TrimSpace(s) + "..."
}
