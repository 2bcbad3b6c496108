package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskpulse/internal/agent"
	"github.com/ent0n29/taskpulse/internal/config"
	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/eventlog"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/session"
	"github.com/ent0n29/taskpulse/internal/taskruntime"
	"github.com/ent0n29/taskpulse/internal/validation"
)

var metricsSeq atomic.Int64

type harness struct {
	ts         *httptest.Server
	dispatcher *delivery.Dispatcher
	tasks      *taskruntime.Service
	sessions   *session.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		WSHelloTimeout:           500 * time.Millisecond,
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	dispatcher := delivery.NewDispatcher(delivery.Config{}, delivery.NewRegistry(), eventlog.NewInMemoryStore(0, 0), metrics, nil)
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	tasks := taskruntime.New(taskruntime.Config{}, agent.NewMockAdapter(), dispatcher, metrics, nil)

	srv := New(cfg, sessions, tasks, dispatcher, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = tasks.Close(closeCtx)
		_ = dispatcher.Close()
		cancel()
		ts.Close()
	})
	return &harness{ts: ts, dispatcher: dispatcher, tasks: tasks, sessions: sessions}
}

func (h *harness) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (h *harness) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(h.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (h *harness) createSession(t *testing.T, userID string) string {
	t.Helper()
	res, out := h.postJSON(t, "/v1/sessions", map[string]string{"user_id": userID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	id, _ := out["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in %+v", out)
	}
	if path, _ := out["stream_path"].(string); path != "/v1/stream?session_id="+id {
		t.Fatalf("stream_path = %q", path)
	}
	return id
}

func (h *harness) startTask(t *testing.T, sessionID, taskID, input string) {
	t.Helper()
	res, out := h.postJSON(t, "/v1/tasks", map[string]string{"session_id": sessionID, "task_id": taskID, "input": input})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start task status = %d body = %+v", res.StatusCode, out)
	}
}

type streamClient struct {
	conn  *websocket.Conn
	codec protocol.Codec
	ready protocol.StreamReady
}

func (h *harness) dial(t *testing.T, sessionID, encoding string, hello *protocol.ClientHello) *streamClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/stream?session_id=" + sessionID
	if encoding != "" {
		url += "&encoding=" + encoding
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	codec, err := protocol.CodecFor(encoding)
	if err != nil {
		t.Fatalf("CodecFor() error = %v", err)
	}
	c := &streamClient{conn: conn, codec: codec}
	if hello != nil {
		c.send(t, hello)
	}
	msg := c.next(t, 2*time.Second)
	ready, ok := msg.(protocol.StreamReady)
	if !ok {
		t.Fatalf("first frame = %T, want StreamReady", msg)
	}
	c.ready = ready
	return c
}

func (c *streamClient) send(t *testing.T, msg any) {
	t.Helper()
	data, err := c.codec.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func (c *streamClient) next(t *testing.T, timeout time.Duration) any {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != c.codec.FrameType() {
		t.Fatalf("frame type = %d, want %d", msgType, c.codec.FrameType())
	}
	msg, err := protocol.ParseServerMessage(c.codec, data)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	return msg
}

// collectTask reads frames until taskID reaches a terminal event, acking
// every event on the way.
func (c *streamClient) collectTask(t *testing.T, taskID string) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := c.next(t, 3*time.Second)
		te, ok := msg.(protocol.TaskEvent)
		if !ok {
			continue
		}
		if te.Event.TaskID != taskID {
			continue
		}
		out = append(out, te.Event)
		c.send(t, protocol.ClientAck{Type: protocol.TypeClientAck, TaskID: taskID, Seq: te.Event.Seq})
		if te.Event.Terminal() {
			return out
		}
	}
	t.Fatalf("task %s did not reach a terminal event; got %d events", taskID, len(out))
	return nil
}

func TestCreateAndEndSession(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, "user-1")

	res, _ := h.postJSON(t, "/v1/sessions/"+sessionID+"/end", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res, _ = h.getJSON(t, "/v1/tasks?session_id="+sessionID)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("list with ended session status = %d, want %d", res.StatusCode, http.StatusGone)
	}
	res, _ = h.postJSON(t, "/v1/sessions", map[string]string{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("create without user status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestStreamDeliversTaskLifecycle(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, "u1")
	client := h.dial(t, sessionID, "", &protocol.ClientHello{Type: protocol.TypeClientHello})
	if client.ready.UserID != "u1" || client.ready.ConnectionID == "" {
		t.Fatalf("stream_ready = %+v", client.ready)
	}

	h.startTask(t, sessionID, "t1", "check the weather")
	evts := client.collectTask(t, "t1")
	if evts[len(evts)-1].Stage != lifecycle.StageCompleted {
		t.Fatalf("last stage = %s, want completed", evts[len(evts)-1].Stage)
	}
	report := validation.ValidateTask(evts)
	if !report.Passed {
		t.Fatalf("validation violations: %v", report.Violations)
	}

	res, out := h.getJSON(t, "/v1/tasks/t1/events?session_id="+sessionID+"&after_seq=2")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", res.StatusCode)
	}
	list, _ := out["events"].([]any)
	if len(list) != len(evts)-2 {
		t.Fatalf("len(events after 2) = %d, want %d", len(list), len(evts)-2)
	}

	res, out = h.getJSON(t, "/v1/connections?session_id="+sessionID)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connections status = %d", res.StatusCode)
	}
	if conns, _ := out["connections"].([]any); len(conns) != 1 {
		t.Fatalf("connections = %+v, want 1", out["connections"])
	}
}

func TestStreamIsolatesUsers(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession(t, "u1")
	s2 := h.createSession(t, "u2")
	c1 := h.dial(t, s1, "", nil)
	c2 := h.dial(t, s2, "", nil)

	h.startTask(t, s1, "shared-id", "first user task")
	h.startTask(t, s2, "shared-id", "second user task")

	e1 := c1.collectTask(t, "shared-id")
	e2 := c2.collectTask(t, "shared-id")
	for _, e := range e1 {
		if e.UserID != "u1" {
			t.Fatalf("u1 stream received event of %s", e.UserID)
		}
	}
	for _, e := range e2 {
		if e.UserID != "u2" {
			t.Fatalf("u2 stream received event of %s", e.UserID)
		}
	}

	report := validation.Audit([]validation.Stream{
		{Consumer: "c1", ConnectionID: c1.ready.ConnectionID, UserID: "u1", Events: e1},
		{Consumer: "c2", ConnectionID: c2.ready.ConnectionID, UserID: "u2", Events: e2},
	}, validation.Options{RequireFromStart: true, RequireTerminal: true})
	if !report.Passed {
		t.Fatalf("audit violations: %v", report.Violations)
	}
}

func TestStreamResumeReplaysAfterAck(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, "u1")
	first := h.dial(t, sessionID, "", nil)
	h.startTask(t, sessionID, "t1", "check the weather")
	all := first.collectTask(t, "t1")
	first.conn.Close()

	second := h.dial(t, sessionID, "", &protocol.ClientHello{
		Type:   protocol.TypeClientHello,
		Resume: map[string]uint64{"t1": 3},
	})
	replayed := second.collectTask(t, "t1")
	if len(replayed) != len(all)-3 {
		t.Fatalf("len(replayed) = %d, want %d", len(replayed), len(all)-3)
	}
	if replayed[0].Seq != 4 {
		t.Fatalf("first replayed seq = %d, want 4", replayed[0].Seq)
	}
}

func TestStreamCBOREncoding(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, "u1")
	client := h.dial(t, sessionID, protocol.EncodingCBOR, &protocol.ClientHello{Type: protocol.TypeClientHello})
	if client.ready.Encoding != protocol.EncodingCBOR {
		t.Fatalf("Encoding = %q, want cbor", client.ready.Encoding)
	}

	h.startTask(t, sessionID, "t1", "check the weather")
	evts := client.collectTask(t, "t1")
	if risk := evts[0].Payload.Data["risk"]; risk != "low" {
		t.Fatalf("started risk = %v, want low", risk)
	}
	if report := validation.ValidateTask(evts); !report.Passed {
		t.Fatalf("validation violations: %v", report.Violations)
	}
}

func TestEndingSessionClosesItsStreams(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, "u1")
	client := h.dial(t, sessionID, "", nil)
	waitFor(t, func() bool { return h.dispatcher.Registry().Count() == 1 })

	res, _ := h.postJSON(t, "/v1/sessions/"+sessionID+"/end", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", res.StatusCode)
	}
	_ = client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.conn.ReadMessage(); err == nil {
		t.Fatalf("ReadMessage() after session end error = nil, want close")
	}
	waitFor(t, func() bool { return h.dispatcher.Registry().Count() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskEndpointErrors(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession(t, "u1")

	res, out := h.postJSON(t, "/v1/tasks", map[string]string{"session_id": sessionID, "input": "please rm -rf / quickly"})
	if res.StatusCode != http.StatusUnprocessableEntity || out["code"] != "task_blocked" {
		t.Fatalf("blocked status = %d body = %+v", res.StatusCode, out)
	}
	res, _ = h.postJSON(t, "/v1/tasks", map[string]string{"session_id": "nope", "input": "hi"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", res.StatusCode)
	}
	res, _ = h.postJSON(t, "/v1/tasks", map[string]string{"session_id": sessionID})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing input status = %d, want 400", res.StatusCode)
	}

	h.startTask(t, sessionID, "t1", "hang here")
	res, _ = h.postJSON(t, "/v1/tasks", map[string]string{"session_id": sessionID, "task_id": "t1", "input": "again"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", res.StatusCode)
	}

	res, out = h.getJSON(t, "/v1/tasks?session_id="+sessionID)
	if tasks, _ := out["tasks"].([]any); res.StatusCode != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("list status = %d body = %+v", res.StatusCode, out)
	}

	res, _ = h.postJSON(t, "/v1/tasks/t1/cancel", map[string]string{"session_id": sessionID, "reason": "enough"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", res.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, _ = h.postJSON(t, "/v1/tasks/t1/cancel", map[string]string{"session_id": sessionID})
		if res.StatusCode == http.StatusNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task still running after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, out = h.getJSON(t, "/v1/tasks/t1/events?session_id="+sessionID)
	list, _ := out["events"].([]any)
	if res.StatusCode != http.StatusOK || len(list) == 0 {
		t.Fatalf("events status = %d body = %+v", res.StatusCode, out)
	}
	last, _ := list[len(list)-1].(map[string]any)
	if last["stage"] != string(lifecycle.StageError) {
		t.Fatalf("last stage = %v, want error", last["stage"])
	}

	res, _ = h.getJSON(t, "/v1/tasks/unknown/events?session_id="+sessionID)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task events status = %d, want 404", res.StatusCode)
	}
}

func TestStreamRequiresSessionAndEncoding(t *testing.T) {
	h := newHarness(t)
	res, _ := h.getJSON(t, "/v1/stream")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("stream without session status = %d, want 400", res.StatusCode)
	}
	sessionID := h.createSession(t, "u1")
	res, _ = h.getJSON(t, "/v1/stream?session_id="+sessionID+"&encoding=xml")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("stream with bad encoding status = %d, want 400", res.StatusCode)
	}
}

func TestHealthAndPerf(t *testing.T) {
	h := newHarness(t)
	res, out := h.getJSON(t, "/healthz")
	if res.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", res.StatusCode, out)
	}
	res, out = h.getJSON(t, "/v1/perf/delivery")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", res.StatusCode)
	}
	if _, ok := out["stages"]; !ok {
		t.Fatalf("perf body missing stages: %+v", out)
	}
}
