package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/protocol"
)

const (
	streamReadLimit    = 1 << 20
	streamReadTimeout  = 120 * time.Second
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// wsChannel adapts a websocket connection to delivery.Channel. Writes are
// serialized; Close may be called from any goroutine.
type wsChannel struct {
	conn    *websocket.Conn
	codec   protocol.Codec
	metrics *observability.Metrics

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsChannel) Deliver(ctx context.Context, evt events.Event) error {
	return c.write(ctx, protocol.TaskEvent{Type: protocol.TypeTaskEvent, Event: evt})
}

func (c *wsChannel) Notify(ctx context.Context, n delivery.Notice) error {
	return c.write(ctx, protocol.StreamNotice{
		Type:    protocol.TypeStreamNotice,
		Code:    n.Code,
		TaskID:  n.TaskID,
		FromSeq: n.FromSeq,
		ToSeq:   n.ToSeq,
		Detail:  n.Detail,
	})
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) write(ctx context.Context, msg any) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(streamWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		c.metrics.ObserveWSMessage("outbound", string(t))
	}
	return nil
}

func (c *wsChannel) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
}

func (c *wsChannel) sendError(code, detail string) {
	_ = c.write(context.Background(), protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   code,
		Source: "gateway",
		Detail: detail,
	})
}

// handleStream upgrades to a websocket and registers it as a delivery
// connection for the session's user. The client may send client_hello with
// resume cursors as its first frame; without one the connection receives
// every retained event of the user.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	userID, ok := s.resolveUser(w, sessionID)
	if !ok {
		return
	}
	codec, err := protocol.CodecFor(r.URL.Query().Get("encoding"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_encoding", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := &wsChannel{conn: conn, codec: codec, metrics: s.metrics}
	connectionID := uuid.NewString()
	log := s.logger.With("user_id", userID, "session_id", sessionID, "connection_id", connectionID)

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	inbound := make(chan any, 64)
	done := make(chan struct{})
	defer close(done)
	go s.readLoop(conn, ch, codec, inbound, done)

	var (
		resume    map[string]uint64
		earlyAcks []protocol.ClientAck
	)
	helloTimer := time.NewTimer(s.cfg.WSHelloTimeout)
	select {
	case msg, ok := <-inbound:
		if !ok {
			helloTimer.Stop()
			return
		}
		switch m := msg.(type) {
		case protocol.ClientHello:
			resume = m.Resume
		case protocol.ClientAck:
			earlyAcks = append(earlyAcks, m)
		}
	case <-helloTimer.C:
	}
	helloTimer.Stop()

	s.trackConnection(sessionID, connectionID)
	registry := s.dispatcher.Registry()
	defer func() {
		registry.Deregister(connectionID)
		s.untrackConnection(sessionID, connectionID)
	}()

	if err := ch.write(r.Context(), protocol.StreamReady{
		Type:         protocol.TypeStreamReady,
		ConnectionID: connectionID,
		UserID:       userID,
		SessionID:    sessionID,
		Encoding:     codec.Name(),
	}); err != nil {
		log.Warn("stream_ready write failed", "error", err)
		return
	}

	dc, err := registry.Register(userID, connectionID, ch, resume)
	if err != nil {
		ch.sendError("register_failed", err.Error())
		return
	}
	// The session may have ended while the connection was being set up.
	if _, err := s.sessions.Resolve(sessionID); err != nil {
		return
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	log.Info("stream connected", "resume_tasks", len(resume), "encoding", codec.Name())
	defer func() {
		s.metrics.ObserveSessionEvent("ws_disconnected")
		log.Info("stream disconnected")
	}()

	for _, ack := range earlyAcks {
		dc.Ack(ack.TaskID, ack.Seq)
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-dc.Done():
			return
		case <-ping.C:
			if err := ch.ping(); err != nil {
				return
			}
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case protocol.ClientAck:
				dc.Ack(m.TaskID, m.Seq)
			case protocol.ClientHello:
				ch.sendError("unexpected_hello", "client_hello must be the first frame")
			}
		}
	}
}

// readLoop parses client frames until the connection fails or done is
// closed, then closes inbound.
func (s *Server) readLoop(conn *websocket.Conn, ch *wsChannel, codec protocol.Codec, inbound chan<- any, done <-chan struct{}) {
	defer close(inbound)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != codec.FrameType() {
			ch.sendError("invalid_frame_type", "frame type does not match the stream encoding")
			continue
		}
		parsed, err := protocol.ParseClientMessage(codec, data)
		if err != nil {
			ch.sendError("invalid_client_message", err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case inbound <- parsed:
		case <-done:
			return
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientHello:
		return m.Type, true
	case protocol.ClientAck:
		return m.Type, true
	case protocol.StreamReady:
		return m.Type, true
	case protocol.TaskEvent:
		return m.Type, true
	case protocol.StreamNotice:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
