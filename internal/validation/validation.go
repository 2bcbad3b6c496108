// Package validation audits captured delivery streams. It is an offline
// tool for tests and postmortems and is never called on the delivery path.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

var ErrIsolationViolation = errors.New("isolation violation")

type Kind string

const (
	KindGap                Kind = "gap"
	KindDuplicate          Kind = "duplicate"
	KindOutOfOrder         Kind = "out_of_order"
	KindIllegalTransition  Kind = "illegal_transition"
	KindMissingTerminal    Kind = "missing_terminal"
	KindMultipleTerminal   Kind = "multiple_terminal"
	KindEventAfterTerminal Kind = "event_after_terminal"
	KindIsolation          Kind = "isolation"
)

// Stream is what one consumer received over one connection, in arrival
// order. Streams sharing a Consumer are treated as one sequence across
// reconnects.
type Stream struct {
	Consumer     string         `json:"consumer" yaml:"consumer"`
	ConnectionID string         `json:"connection_id" yaml:"connection_id"`
	UserID       string         `json:"user_id" yaml:"user_id"`
	Events       []events.Event `json:"events" yaml:"events"`
	// Truncated lists ranges the server announced as no longer retained.
	Truncated []Truncation `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

type Truncation struct {
	TaskID  string `json:"task_id" yaml:"task_id"`
	FromSeq uint64 `json:"from_seq" yaml:"from_seq"`
	ToSeq   uint64 `json:"to_seq" yaml:"to_seq"`
}

type Options struct {
	// RequireFromStart flags tasks whose first observed event is not seq 1.
	RequireFromStart bool
	// RequireTerminal flags tasks that never reached completed or error.
	RequireTerminal bool
	// AllowRedelivery ignores events at or below the highest seq already
	// seen, as produced by at-least-once replay of unacknowledged events.
	AllowRedelivery bool
}

// Violation is one itemized finding. It implements error.
type Violation struct {
	Kind         Kind   `json:"kind" yaml:"kind"`
	Consumer     string `json:"consumer" yaml:"consumer"`
	UserID       string `json:"user_id" yaml:"user_id"`
	TaskID       string `json:"task_id" yaml:"task_id"`
	ConnectionID string `json:"connection_id,omitempty" yaml:"connection_id,omitempty"`
	Seq          uint64 `json:"seq,omitempty" yaml:"seq,omitempty"`
	Detail       string `json:"detail" yaml:"detail"`
}

func (v Violation) Error() string {
	var b strings.Builder
	b.WriteString(string(v.Kind))
	if v.Consumer != "" {
		b.WriteString(" consumer=" + v.Consumer)
	}
	if v.TaskID != "" {
		fmt.Fprintf(&b, " task=%s seq=%d", v.TaskID, v.Seq)
	}
	if v.Detail != "" {
		b.WriteString(": " + v.Detail)
	}
	return b.String()
}

type Report struct {
	Streams    int         `json:"streams" yaml:"streams"`
	Consumers  int         `json:"consumers" yaml:"consumers"`
	Tasks      int         `json:"tasks" yaml:"tasks"`
	Events     int         `json:"events" yaml:"events"`
	Violations []Violation `json:"violations" yaml:"violations"`
	Passed     bool        `json:"passed" yaml:"passed"`
}

// IsolationViolationError reports events delivered to a stream owned by a
// different user.
type IsolationViolationError struct {
	Violations []Violation
}

func (e *IsolationViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrIsolationViolation.Error()
	}
	first := e.Violations[0]
	msg := fmt.Sprintf("%s: %s", ErrIsolationViolation, first.Detail)
	if n := len(e.Violations) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func (e *IsolationViolationError) Unwrap() error { return ErrIsolationViolation }

// Err is nil when the report passed. Isolation findings take precedence
// over every other kind.
func (r Report) Err() error {
	var isolation []Violation
	var rest []error
	for _, v := range r.Violations {
		if v.Kind == KindIsolation {
			isolation = append(isolation, v)
			continue
		}
		rest = append(rest, v)
	}
	if len(isolation) > 0 {
		return &IsolationViolationError{Violations: isolation}
	}
	return errors.Join(rest...)
}

// Count returns how many violations of kind the report holds.
func (r Report) Count(kind Kind) int {
	n := 0
	for _, v := range r.Violations {
		if v.Kind == kind {
			n++
		}
	}
	return n
}

type taskState struct {
	userID    string
	lastSeq   uint64
	lastStage lifecycle.Stage
	terminals int
	seen      bool
}

type consumerState struct {
	name       string
	userID     string
	tasks      map[string]*taskState
	taskOrder  []string
	truncated  map[string][]Truncation
	violations []Violation
}

// Audit checks every stream for per-task ordering, legal stage order,
// terminal completeness and user isolation.
func Audit(streams []Stream, opts Options) Report {
	report := Report{Streams: len(streams)}

	consumers := map[string]*consumerState{}
	var order []string
	for i, s := range streams {
		name := s.Consumer
		if name == "" {
			name = s.ConnectionID
		}
		if name == "" {
			name = fmt.Sprintf("stream-%d", i)
		}
		cs, ok := consumers[name]
		if !ok {
			cs = &consumerState{
				name:      name,
				userID:    s.UserID,
				tasks:     map[string]*taskState{},
				truncated: map[string][]Truncation{},
			}
			consumers[name] = cs
			order = append(order, name)
		}
		for _, tr := range s.Truncated {
			cs.truncated[tr.TaskID] = append(cs.truncated[tr.TaskID], tr)
		}
		for _, evt := range s.Events {
			report.Events++
			cs.observe(s, evt, opts)
		}
	}

	tasks := map[string]struct{}{}
	for _, name := range order {
		cs := consumers[name]
		for _, taskID := range cs.taskOrder {
			st := cs.tasks[taskID]
			tasks[st.userID+"\x00"+taskID] = struct{}{}
			if opts.RequireTerminal && st.terminals == 0 {
				cs.violations = append(cs.violations, Violation{
					Kind:     KindMissingTerminal,
					Consumer: cs.name,
					UserID:   st.userID,
					TaskID:   taskID,
					Seq:      st.lastSeq,
					Detail:   fmt.Sprintf("stream ended at stage %s without completed or error", st.lastStage),
				})
			}
		}
		report.Violations = append(report.Violations, cs.violations...)
	}
	report.Consumers = len(order)
	report.Tasks = len(tasks)

	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Kind == KindIsolation && b.Kind != KindIsolation {
			return true
		}
		return false
	})
	report.Passed = len(report.Violations) == 0
	if report.Violations == nil {
		report.Violations = []Violation{}
	}
	return report
}

// ValidateTask checks a single task's complete event sequence: it must
// start at seq 1 and end in exactly one terminal event.
func ValidateTask(evts []events.Event) Report {
	userID := ""
	if len(evts) > 0 {
		userID = evts[0].UserID
	}
	return Audit([]Stream{{Consumer: "task", UserID: userID, Events: evts}}, Options{
		RequireFromStart: true,
		RequireTerminal:  true,
	})
}

func (cs *consumerState) observe(s Stream, evt events.Event, opts Options) {
	add := func(kind Kind, detail string) {
		cs.violations = append(cs.violations, Violation{
			Kind:         kind,
			Consumer:     cs.name,
			UserID:       evt.UserID,
			TaskID:       evt.TaskID,
			ConnectionID: s.ConnectionID,
			Seq:          evt.Seq,
			Detail:       detail,
		})
	}

	owner := s.UserID
	if owner == "" {
		owner = cs.userID
	}
	if evt.UserID != owner {
		add(KindIsolation, fmt.Sprintf("event of user %q task %q delivered to user %q", evt.UserID, evt.TaskID, owner))
		return
	}

	st, ok := cs.tasks[evt.TaskID]
	if !ok {
		st = &taskState{userID: evt.UserID, lastStage: lifecycle.StageCreated}
		cs.tasks[evt.TaskID] = st
		cs.taskOrder = append(cs.taskOrder, evt.TaskID)
	}

	if st.seen && evt.Seq <= st.lastSeq {
		switch {
		case opts.AllowRedelivery:
		case evt.Seq == st.lastSeq:
			add(KindDuplicate, fmt.Sprintf("seq %d delivered again", evt.Seq))
		default:
			add(KindOutOfOrder, fmt.Sprintf("seq %d after seq %d", evt.Seq, st.lastSeq))
		}
		return
	}

	if st.terminals > 0 {
		if evt.Terminal() {
			st.terminals++
			add(KindMultipleTerminal, fmt.Sprintf("second terminal stage %s", evt.Stage))
		} else {
			add(KindEventAfterTerminal, fmt.Sprintf("stage %s after terminal", evt.Stage))
		}
		st.lastSeq = evt.Seq
		return
	}

	checkTransition := true
	expected := st.lastSeq + 1
	if evt.Seq != expected {
		switch {
		case cs.covered(evt.TaskID, expected, evt.Seq-1):
			checkTransition = false
		case !st.seen && !opts.RequireFromStart:
			// Resumed mid-task; the first event anchors the sequence.
			checkTransition = false
		default:
			add(KindGap, fmt.Sprintf("missing seq %d..%d", expected, evt.Seq-1))
			checkTransition = false
		}
	}
	if checkTransition && !lifecycle.CanTransition(st.lastStage, evt.Stage) {
		add(KindIllegalTransition, fmt.Sprintf("%s -> %s", st.lastStage, evt.Stage))
	}

	st.seen = true
	st.lastSeq = evt.Seq
	st.lastStage = evt.Stage
	if evt.Terminal() {
		st.terminals++
	}
}

// covered reports whether announced truncations span from..to.
func (cs *consumerState) covered(taskID string, from, to uint64) bool {
	next := from
	ranges := append([]Truncation(nil), cs.truncated[taskID]...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].FromSeq < ranges[j].FromSeq })
	for _, tr := range ranges {
		if tr.FromSeq > next {
			break
		}
		if tr.ToSeq >= next {
			next = tr.ToSeq + 1
		}
		if next > to {
			return true
		}
	}
	return next > to
}
