// Package capture records delivered streams as JSON lines so they can be
// audited later with the validation package.
package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ent0n29/taskpulse/internal/delivery"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/validation"
)

const maxRecordBytes = 4 << 20

// Record is one line of a capture file. Exactly one of Event and Notice is
// set.
type Record struct {
	Consumer     string           `json:"consumer,omitempty"`
	ConnectionID string           `json:"connection_id"`
	UserID       string           `json:"user_id"`
	CapturedAt   time.Time        `json:"captured_at"`
	Event        *events.Event    `json:"event,omitempty"`
	Notice       *delivery.Notice `json:"notice,omitempty"`
}

// Recorder appends records to a file. Paths ending in .zst are zstd
// compressed. It implements delivery.Tap.
type Recorder struct {
	mu     sync.Mutex
	file   io.Closer
	zw     *zstd.Encoder
	bw     *bufio.Writer
	enc    *json.Encoder
	err    error
	closed bool
	now    func() time.Time
}

func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r, err := newRecorder(f, f, strings.HasSuffix(path, ".zst"))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorder writes plain JSON lines to w.
func NewRecorder(w io.Writer) *Recorder {
	r, _ := newRecorder(w, nil, false)
	return r
}

func newRecorder(w io.Writer, closer io.Closer, compress bool) (*Recorder, error) {
	r := &Recorder{file: closer, now: func() time.Time { return time.Now().UTC() }}
	if compress {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		r.zw = zw
		w = zw
	}
	r.bw = bufio.NewWriterSize(w, 64<<10)
	r.enc = json.NewEncoder(r.bw)
	return r, nil
}

func (r *Recorder) ObserveEvent(conn *delivery.Connection, evt events.Event) {
	e := evt.Clone()
	_ = r.Write(Record{ConnectionID: conn.ID(), UserID: conn.UserID(), Event: &e})
}

func (r *Recorder) ObserveNotice(conn *delivery.Connection, notice delivery.Notice) {
	n := notice
	_ = r.Write(Record{ConnectionID: conn.ID(), UserID: conn.UserID(), Notice: &n})
}

// Write appends one record. After the first write error every later call
// returns that error.
func (r *Recorder) Write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("capture recorder closed")
	}
	if r.err != nil {
		return r.err
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = r.now()
	}
	if err := r.enc.Encode(rec); err != nil {
		r.err = fmt.Errorf("write capture record: %w", err)
		return r.err
	}
	return nil
}

// Err returns the first write error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.bw.Flush(); err != nil {
		errs = append(errs, err)
	}
	if r.zw != nil {
		if err := r.zw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadFile loads a capture file, decompressing .zst files.
func ReadFile(path string) ([]validation.Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}
	streams, err := Read(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return streams, nil
}

// Read groups records into one stream per connection, in first-seen order.
func Read(src io.Reader) ([]validation.Stream, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordBytes)

	var (
		streams []validation.Stream
		index   = map[string]int{}
		line    int
	)
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		key := rec.Consumer + "\x00" + rec.ConnectionID
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, validation.Stream{
				Consumer:     rec.Consumer,
				ConnectionID: rec.ConnectionID,
				UserID:       rec.UserID,
			})
		}
		switch {
		case rec.Event != nil:
			streams[i].Events = append(streams[i].Events, *rec.Event)
		case rec.Notice != nil && rec.Notice.Code == delivery.NoticeReplayTruncated:
			streams[i].Truncated = append(streams[i].Truncated, validation.Truncation{
				TaskID:  rec.Notice.TaskID,
				FromSeq: rec.Notice.FromSeq,
				ToSeq:   rec.Notice.ToSeq,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return streams, nil
}
