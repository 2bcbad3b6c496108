package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/validation"
)

type options struct {
	baseURL      string
	userPrefix   string
	users        int
	tasksPerUser int
	encoding     string
	startDelay   time.Duration
	taskTimeout  time.Duration
	texts        []string
	verbose      bool
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type createTaskRequest struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

var defaultInputs = []string{
	"Summarize the open incidents",
	"List the broken deploys of this week",
	"Draft release notes for the next tag",
	"Check disk usage on the build hosts",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulseload: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	report, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulseload: %v\n", err)
		os.Exit(1)
	}
	if err := report.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "pulseload: audit failed: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var taskTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "taskpulse base URL")
	fs.StringVar(&cfg.userPrefix, "user-prefix", "load", "prefix of the synthetic user ids")
	fs.IntVar(&cfg.users, "users", 8, "number of concurrent synthetic users")
	fs.IntVar(&cfg.tasksPerUser, "tasks", 4, "tasks started per user")
	fs.StringVar(&cfg.encoding, "encoding", protocol.EncodingJSON, "stream encoding (json or cbor)")
	fs.IntVar(&startDelayMS, "start-delay-ms", 0, "delay between stream connect and the first task in milliseconds")
	fs.IntVar(&taskTimeoutMS, "task-timeout-ms", 30000, "timeout waiting for every task of a user to end in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "task inputs separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print load progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.users <= 0 {
		return options{}, fmt.Errorf("users must be > 0")
	}
	if cfg.tasksPerUser <= 0 {
		return options{}, fmt.Errorf("tasks must be > 0")
	}
	if _, err := protocol.CodecFor(cfg.encoding); err != nil {
		return options{}, err
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if taskTimeoutMS < 1000 {
		taskTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.taskTimeout = time.Duration(taskTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultInputs...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty inputs")
		}
	}
	return cfg, nil
}

// run drives every synthetic user concurrently and audits what their streams
// received.
func run(ctx context.Context, cfg options, out io.Writer) (validation.Report, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	started := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		streams []validation.Stream
		errs    []error
	)
	for i := 0; i < cfg.users; i++ {
		userID := fmt.Sprintf("%s-%d", cfg.userPrefix, i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := runUser(ctx, httpClient, cfg, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			}
			if len(stream.Events) > 0 {
				streams = append(streams, stream)
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return validation.Report{}, err
	}

	report := validation.Audit(streams, validation.Options{
		RequireFromStart: true,
		RequireTerminal:  true,
	})
	if cfg.verbose {
		fmt.Fprintf(out, "pulseload: users=%d tasks=%d events=%d elapsed=%s passed=%t\n",
			cfg.users, report.Tasks, report.Events, time.Since(started).Round(time.Millisecond), report.Passed)
		for _, v := range report.Violations {
			fmt.Fprintf(out, "pulseload: violation %s\n", v.Error())
		}
	}
	return report, nil
}

// collector accumulates one connection's task events and tracks which tasks
// reached a terminal stage.
type collector struct {
	mu           sync.Mutex
	connectionID string
	events       []events.Event
	truncated    []validation.Truncation
	terminal     map[string]bool
	changed      chan struct{}
}

func newCollector() *collector {
	return &collector{terminal: make(map[string]bool), changed: make(chan struct{}, 1)}
}

func (c *collector) add(evt events.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	if evt.Terminal() {
		c.terminal[evt.TaskID] = true
	}
	c.mu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *collector) allTerminal(taskIDs []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range taskIDs {
		if !c.terminal[id] {
			return false
		}
	}
	return true
}

func runUser(ctx context.Context, client *http.Client, cfg options, userID string) (validation.Stream, error) {
	sessionID, err := createSession(ctx, client, cfg.baseURL, userID)
	if err != nil {
		return validation.Stream{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), client, cfg.baseURL, sessionID)
	}()

	codec, err := protocol.CodecFor(cfg.encoding)
	if err != nil {
		return validation.Stream{}, err
	}
	wsURL, err := wsURLForSession(cfg.baseURL, sessionID, codec.Name())
	if err != nil {
		return validation.Stream{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return validation.Stream{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	hello, err := codec.Marshal(protocol.ClientHello{Type: protocol.TypeClientHello})
	if err != nil {
		return validation.Stream{}, err
	}
	if err := conn.WriteMessage(codec.FrameType(), hello); err != nil {
		return validation.Stream{}, fmt.Errorf("send client_hello: %w", err)
	}

	col := newCollector()
	readErrCh := make(chan error, 1)
	go readLoop(conn, codec, col, readErrCh, cfg.verbose)

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	taskIDs := make([]string, 0, cfg.tasksPerUser)
	for i := 0; i < cfg.tasksPerUser; i++ {
		input := cfg.texts[i%len(cfg.texts)]
		taskID, err := startTask(ctx, client, cfg.baseURL, sessionID, input)
		if err != nil {
			return validation.Stream{}, fmt.Errorf("task %d start: %w", i+1, err)
		}
		taskIDs = append(taskIDs, taskID)
		if cfg.verbose {
			fmt.Printf("pulseload: user=%s task=%s input=%q\n", userID, taskID, input)
		}
	}

	if err := awaitTerminal(col, taskIDs, readErrCh, cfg.taskTimeout); err != nil {
		return col.stream(userID), fmt.Errorf("await terminal events: %w", err)
	}
	return col.stream(userID), nil
}

func (c *collector) stream(userID string) validation.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return validation.Stream{
		Consumer:     userID,
		ConnectionID: c.connectionID,
		UserID:       userID,
		Events:       append([]events.Event(nil), c.events...),
		Truncated:    append([]validation.Truncation(nil), c.truncated...),
	}
}

func createSession(ctx context.Context, client *http.Client, baseURL, userID string) (string, error) {
	var out createSessionResponse
	if err := postJSON(ctx, client, baseURL+"/v1/sessions", createSessionRequest{UserID: userID}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func startTask(ctx context.Context, client *http.Client, baseURL, sessionID, input string) (string, error) {
	var out createTaskResponse
	if err := postJSON(ctx, client, baseURL+"/v1/tasks", createTaskRequest{SessionID: sessionID, Input: input}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", fmt.Errorf("missing task_id in response")
	}
	return out.TaskID, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusCreated {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID, encoding string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/stream"
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("encoding", encoding)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop records every task event and acknowledges it. It is the only
// writer on conn once started.
func readLoop(conn *websocket.Conn, codec protocol.Codec, col *collector, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		msg, err := protocol.ParseServerMessage(codec, data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.StreamReady:
			col.mu.Lock()
			col.connectionID = m.ConnectionID
			col.mu.Unlock()
		case protocol.TaskEvent:
			col.add(m.Event)
			ack, err := codec.Marshal(protocol.ClientAck{Type: protocol.TypeClientAck, TaskID: m.Event.TaskID, Seq: m.Event.Seq})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(codec.FrameType(), ack); err != nil {
				select {
				case readErrCh <- err:
				default:
				}
				return
			}
		case protocol.StreamNotice:
			if m.Code == delivery.NoticeReplayTruncated {
				col.mu.Lock()
				col.truncated = append(col.truncated, validation.Truncation{TaskID: m.TaskID, FromSeq: m.FromSeq, ToSeq: m.ToSeq})
				col.mu.Unlock()
			}
		case protocol.ErrorEvent:
			if verbose {
				fmt.Fprintf(os.Stderr, "pulseload: error_event code=%s detail=%s\n", m.Code, m.Detail)
			}
		}
	}
}

func awaitTerminal(col *collector, taskIDs []string, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !col.allTerminal(taskIDs) {
		select {
		case <-col.changed:
		case err := <-readErrCh:
			if col.allTerminal(taskIDs) {
				return nil
			}
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
	return nil
}
