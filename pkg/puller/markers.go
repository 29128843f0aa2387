package puller

import (
	"bytes"
	"strconv"
)

type marker int

const (
	markerNone marker = iota
	markerTimeout
	markerSuccess
)

var (
	timeoutMarkers = [][]byte{
		[]byte("i/o timeout"),
	}
	successMarkers = [][]byte{
		[]byte("Image is up to date for"),
		[]byte("Downloaded newer image for"),
	}
)

// markerScanner looks for terminal markers in the raw response. It keeps
// the end of the previous read so a marker split across two reads is found.
type markerScanner struct {
	tail []byte
	keep int
}

func newMarkerScanner() *markerScanner {
	longest := 0
	for _, set := range [][][]byte{timeoutMarkers, successMarkers} {
		for _, m := range set {
			longest = max(longest, len(m))
		}
	}
	return &markerScanner{keep: longest - 1}
}

// Scan reports the terminal marker in data, if any. Timeout wins when both
// appear in the same read.
func (s *markerScanner) Scan(data []byte) marker {
	window := append(append([]byte(nil), s.tail...), data...)

	if start := len(window) - s.keep; start > 0 {
		s.tail = append(s.tail[:0], window[start:]...)
	} else {
		s.tail = append(s.tail[:0], window...)
	}

	switch {
	case containsAny(window, timeoutMarkers):
		return markerTimeout
	case containsAny(window, successMarkers):
		return markerSuccess
	default:
		return markerNone
	}
}

func containsAny(b []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(b, m) {
			return true
		}
	}
	return false
}

// maxStatusLine bounds how much is buffered while waiting for the first line.
const maxStatusLine = 256

var httpPrefix = []byte("HTTP/")

// statusLine extracts the HTTP status code from the start of the response.
// The line may arrive over several reads.
type statusLine struct {
	buf  []byte
	done bool
}

// Feed returns the status code once the first line is complete. It returns
// false while the line is pending, after it was seen, or when the response
// does not start with a status line.
func (s *statusLine) Feed(data []byte) (int, bool) {
	if s.done {
		return 0, false
	}
	s.buf = append(s.buf, data...)

	n := min(len(s.buf), len(httpPrefix))
	if !bytes.Equal(s.buf[:n], httpPrefix[:n]) {
		s.finish()
		return 0, false
	}

	line, _, found := bytes.Cut(s.buf, []byte("\n"))
	if !found {
		if len(s.buf) > maxStatusLine {
			s.finish()
		}
		return 0, false
	}
	s.finish()

	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return 0, false
	}
	return code, true
}

func (s *statusLine) finish() {
	s.done = true
	s.buf = nil
}
