package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/taskpulse/internal/events"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientHello  MessageType = "client_hello"
	TypeClientAck    MessageType = "client_ack"
	TypeStreamReady  MessageType = "stream_ready"
	TypeTaskEvent    MessageType = "task_event"
	TypeStreamNotice MessageType = "stream_notice"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientHello is the optional first client frame. Resume maps task ids to
// the last seq the client has processed.
type ClientHello struct {
	Type   MessageType       `json:"type"`
	Resume map[string]uint64 `json:"resume,omitempty"`
}

type ClientAck struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Seq    uint64      `json:"seq"`
}

type StreamReady struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connection_id"`
	UserID       string      `json:"user_id"`
	SessionID    string      `json:"session_id,omitempty"`
	Encoding     string      `json:"encoding"`
}

type TaskEvent struct {
	Type  MessageType  `json:"type"`
	Event events.Event `json:"event"`
}

type StreamNotice struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	TaskID  string      `json:"task_id,omitempty"`
	FromSeq uint64      `json:"from_seq,omitempty"`
	ToSeq   uint64      `json:"to_seq,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes one client frame with codec.
func ParseClientMessage(codec Codec, raw []byte) (any, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientHello:
		var msg ClientHello
		if err := codec.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		for taskID := range msg.Resume {
			if strings.TrimSpace(taskID) == "" {
				return nil, errors.New("invalid client_hello: empty task id in resume")
			}
		}
		return msg, nil
	case TypeClientAck:
		var msg ClientAck
		if err := codec.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Seq == 0 {
			return nil, errors.New("invalid client_ack")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes one server frame. Clients such as the load
// generator use it.
func ParseServerMessage(codec Codec, raw []byte) (any, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeStreamReady:
		msg = &StreamReady{}
	case TypeTaskEvent:
		msg = &TaskEvent{}
	case TypeStreamNotice:
		msg = &StreamNotice{}
	case TypeErrorEvent:
		msg = &ErrorEvent{}
	default:
		return nil, ErrUnsupportedType
	}
	if err := codec.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *StreamReady:
		return *m, nil
	case *TaskEvent:
		return *m, nil
	case *StreamNotice:
		return *m, nil
	case *ErrorEvent:
		return *m, nil
	}
	return nil, ErrUnsupportedType
}
