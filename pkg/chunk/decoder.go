// Package chunk extracts JSON payloads from an HTTP chunked-transfer body.
//
// Only the framing is understood. Status lines and headers are skipped
// because they never parse as a hexadecimal chunk size.
package chunk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxCarry bounds the unconsumed bytes a Decoder keeps between reads.
const MaxCarry = 1 << 20

var (
	// ErrCarryOverflow is returned by Feed when the pending partial frame
	// grew past MaxCarry. The pending bytes are discarded.
	ErrCarryOverflow = errors.New("chunk carry-over exceeded limit")

	errTrailingData = errors.New("trailing data after JSON value")
)

// Frame is one chunk whose size line and payload line were both complete.
type Frame struct {
	Size    uint64
	Payload []byte
	// Value is the decoded payload; numbers are kept as json.Number.
	Value any
	Err   error
}

// Decode splits buf into chunk frames.
//
// Lines that are not hexadecimal sizes are skipped. A zero size ends the
// body: done is true and nothing after the terminator is examined. A size
// line or payload line without its newline is returned untouched in
// remainder so the caller can prepend it to the next read.
func Decode(buf []byte) (frames []Frame, remainder []byte, done bool) {
	pos := 0
	for pos < len(buf) {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			return frames, buf[pos:], false
		}
		next := pos + nl + 1

		size, ok := parseSize(buf[pos : pos+nl])
		if !ok {
			pos = next
			continue
		}
		if size == 0 {
			return frames, nil, true
		}

		pnl := bytes.IndexByte(buf[next:], '\n')
		if pnl < 0 {
			return frames, buf[pos:], false
		}
		frames = append(frames, newFrame(size, trimCR(buf[next:next+pnl])))
		pos = next + pnl + 1
	}
	return frames, nil, false
}

func newFrame(size uint64, payload []byte) Frame {
	f := Frame{
		Size:    size,
		Payload: append([]byte(nil), payload...),
	}
	f.Value, f.Err = parsePayload(f.Payload)
	if f.Err != nil {
		f.Err = fmt.Errorf("failed to parse chunk payload: %w", f.Err)
	}
	return f
}

func parsePayload(p []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return v, nil
}

func parseSize(line []byte) (uint64, bool) {
	line = trimCR(line)
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, false
	}
	size, err := strconv.ParseUint(string(line), 16, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

func trimCR(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte("\r"))
}

// Decoder carries partial frames from one read to the next.
type Decoder struct {
	carry []byte
	done  bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed decodes p prefixed with whatever the previous call left over.
// Once the terminating zero-size chunk has been seen, Feed ignores input.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.done {
		return nil, nil
	}

	buf := p
	if len(d.carry) > 0 {
		buf = append(d.carry, p...)
	}

	frames, rest, done := Decode(buf)
	d.done = done
	d.carry = nil

	if len(rest) > MaxCarry {
		return frames, ErrCarryOverflow
	}
	if len(rest) > 0 {
		d.carry = append([]byte(nil), rest...)
	}
	return frames, nil
}

// Done reports whether the terminating chunk has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Pending returns the number of carried-over bytes.
func (d *Decoder) Pending() int {
	return len(d.carry)
}
