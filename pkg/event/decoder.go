package event

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// DoneSentinel terminates a stream without a well-formed envelope.
const DoneSentinel = "[DONE]"

// Decoder turns transport bytes into events. It accepts newline-delimited
// JSON envelopes and Server-Sent Events blocks, buffers incomplete trailing
// frames between Feed calls, and skips malformed frames with a warning.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	logger *slog.Logger
	now    func() time.Time

	buf []byte

	// Pending SSE block.
	sseEvent string
	sseID    string
	sseData  []string
	inBlock  bool

	out        []Event
	terminated bool
	skipped    int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used for decode warnings.
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// WithClock overrides the receive timestamp source.
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) { d.now = now }
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Terminated reports whether the terminator sentinel was seen.
func (d *Decoder) Terminated() bool { return d.terminated }

// Skipped returns the number of malformed frames dropped so far.
func (d *Decoder) Skipped() int { return d.skipped }

// Reset discards buffered bytes and terminator state so the decoder can be
// reused for a reconnected stream.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.resetBlock()
	d.terminated = false
}

// Feed consumes p and returns the events completed by it. Bytes after the
// last newline are kept until more data (or Flush) arrives.
func (d *Decoder) Feed(p []byte) []Event {
	if d.terminated {
		return nil
	}
	d.buf = append(d.buf, p...)

	for !d.terminated {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		d.line(line)
	}
	if d.terminated {
		d.buf = d.buf[:0]
	}
	return d.take()
}

// Flush processes any unterminated trailing line and pending SSE block. It
// is called once the transport reports EOF.
func (d *Decoder) Flush() []Event {
	if d.terminated {
		return nil
	}
	if len(d.buf) > 0 {
		line := string(d.buf)
		d.buf = d.buf[:0]
		d.line(line)
	}
	if !d.terminated && d.inBlock {
		d.dispatchBlock()
	}
	return d.take()
}

func (d *Decoder) take() []Event {
	out := d.out
	d.out = nil
	return out
}

func (d *Decoder) emit(ev Event) {
	if ev != nil {
		d.out = append(d.out, ev)
	}
}

func (d *Decoder) line(raw string) {
	line := strings.TrimSuffix(raw, "\r")

	switch {
	case line == "":
		if d.inBlock {
			d.dispatchBlock()
		}
		return
	case strings.HasPrefix(line, ":"):
		// SSE comment / keepalive.
		return
	case strings.TrimSpace(line) == DoneSentinel:
		d.terminate()
		return
	}

	if field, value, ok := sseField(line); ok {
		d.inBlock = true
		switch field {
		case "event":
			d.sseEvent = value
		case "data":
			d.sseData = append(d.sseData, value)
		case "id":
			d.sseID = value
		}
		return
	}
	if d.inBlock {
		// A bare line ends an unterminated SSE block.
		d.dispatchBlock()
		if d.terminated {
			return
		}
	}
	d.envelopeLine(line)
}

func (d *Decoder) envelopeLine(line string) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		d.warn(fmt.Errorf("%w: unrecognized frame", ErrMalformed), trimmed)
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		d.warn(fmt.Errorf("%w: %v", ErrMalformed, err), trimmed)
		return
	}
	d.emit(d.parse(env.Event, env.Data, seqText(env.Seq), trimmed))
}

func (d *Decoder) dispatchBlock() {
	name, id, data := d.sseEvent, d.sseID, strings.Join(d.sseData, "\n")
	d.resetBlock()

	trimmed := strings.TrimSpace(data)
	if trimmed == DoneSentinel {
		d.terminate()
		return
	}
	if trimmed == "" {
		if name == string(TypeDone) {
			d.emit(d.parse(name, nil, id, ""))
		}
		return
	}

	// The data is either a full envelope or the bare payload of the event
	// named by the "event:" field.
	var env Envelope
	if json.Unmarshal([]byte(trimmed), &env) == nil && env.Event != "" && (name == "" || name == "message" || name == env.Event) {
		seq := id
		if seq == "" {
			seq = seqText(env.Seq)
		}
		d.emit(d.parse(env.Event, env.Data, seq, trimmed))
		return
	}
	if name == "" || name == "message" {
		d.warn(fmt.Errorf("%w: SSE data without event name", ErrMalformed), trimmed)
		return
	}
	if !json.Valid([]byte(trimmed)) {
		d.warn(fmt.Errorf("%w: invalid JSON payload for %s", ErrMalformed, name), trimmed)
		return
	}
	d.emit(d.parse(name, json.RawMessage(trimmed), id, trimmed))
}

func (d *Decoder) parse(name string, data json.RawMessage, seq, frame string) Event {
	ev, err := Parse(name, data, Meta{Seq: seq, At: d.now()})
	if err != nil {
		d.warn(err, frame)
		return nil
	}
	return ev
}

func (d *Decoder) terminate() {
	d.terminated = true
	d.resetBlock()
}

func (d *Decoder) resetBlock() {
	d.sseEvent, d.sseID, d.sseData, d.inBlock = "", "", nil, false
}

func (d *Decoder) warn(err error, frame string) {
	d.skipped++
	d.logger.Warn("Skipping malformed stream frame", "error", err, "frame", abbreviate(frame, 200))
}

// abbreviate cuts s to at most n bytes on a rune boundary.
func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// sseField splits "field: value" for the SSE fields the decoder understands.
func sseField(line string) (string, string, bool) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	switch field {
	case "event", "data", "id", "retry":
	default:
		return "", "", false
	}
	return field, strings.TrimPrefix(value, " "), true
}

// Decode lazily yields the events read from r. The sequence ends at the
// terminator sentinel, at EOF, or with a single non-nil error.
func Decode(ctx context.Context, r io.Reader, opts ...DecoderOption) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		d := NewDecoder(opts...)
		buf := make([]byte, 4096)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range d.Feed(buf[:n]) {
					if !yield(ev, nil) {
						return
					}
				}
				if d.Terminated() {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				for _, ev := range d.Flush() {
					if !yield(ev, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
