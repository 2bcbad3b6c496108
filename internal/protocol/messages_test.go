package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

func TestParseClientMessageHello(t *testing.T) {
	raw := []byte(`{"type":"client_hello","resume":{"t1":3,"t2":1}}`)
	msg, err := ParseClientMessage(JSONCodec{}, raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("message type = %T, want ClientHello", msg)
	}
	if hello.Resume["t1"] != 3 || hello.Resume["t2"] != 1 {
		t.Fatalf("unexpected resume map: %+v", hello.Resume)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage(JSONCodec{}, []byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageAck(t *testing.T) {
	msg, err := ParseClientMessage(JSONCodec{}, []byte(`{"type":"client_ack","task_id":"t1","seq":4}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	ack, ok := msg.(ClientAck)
	if !ok {
		t.Fatalf("message type = %T, want ClientAck", msg)
	}
	if ack.TaskID != "t1" || ack.Seq != 4 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestParseClientMessageAckRequiresFields(t *testing.T) {
	for _, raw := range []string{
		`{"type":"client_ack","seq":4}`,
		`{"type":"client_ack","task_id":"t1"}`,
		`{"type":"client_hello","resume":{"":2}}`,
		`not json`,
	} {
		if _, err := ParseClientMessage(JSONCodec{}, []byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want error", raw)
		}
	}
}

func TestCBORTaskEventRoundTrip(t *testing.T) {
	emitted := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	in := TaskEvent{
		Type: TypeTaskEvent,
		Event: events.Event{
			TaskID:    "t1",
			UserID:    "u1",
			Seq:       7,
			Stage:     lifecycle.StageToolExecuting,
			EmittedAt: emitted,
			Payload: events.Payload{
				ToolName: "search",
				Data:     map[string]any{"query": "weather"},
			},
		},
	}

	codec, err := CodecFor("cbor")
	if err != nil {
		t.Fatalf("CodecFor() error = %v", err)
	}
	if codec.FrameType() != FrameBinary {
		t.Fatalf("FrameType() = %d, want %d", codec.FrameType(), FrameBinary)
	}
	raw, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	again, err := codec.Marshal(in)
	if err != nil || string(raw) != string(again) {
		t.Fatalf("CBOR encoding is not deterministic")
	}

	msg, err := ParseServerMessage(codec, raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	out, ok := msg.(TaskEvent)
	if !ok {
		t.Fatalf("message type = %T, want TaskEvent", msg)
	}
	if out.Event.Seq != 7 || out.Event.Stage != lifecycle.StageToolExecuting {
		t.Fatalf("unexpected event: %+v", out.Event)
	}
	if !out.Event.EmittedAt.Equal(emitted) {
		t.Fatalf("EmittedAt = %v, want %v", out.Event.EmittedAt, emitted)
	}
	if out.Event.Payload.Data["query"] != "weather" {
		t.Fatalf("Payload.Data = %#v", out.Event.Payload.Data)
	}
}

func TestCodecForRejectsUnknownEncoding(t *testing.T) {
	if _, err := CodecFor("xml"); err == nil {
		t.Fatalf("CodecFor(xml) error = nil, want error")
	}
	codec, err := CodecFor("")
	if err != nil || codec.Name() != EncodingJSON {
		t.Fatalf("CodecFor(\"\") = %v, %v; want json", codec, err)
	}
}
