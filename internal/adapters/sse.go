package adapters

import (
	"bufio"
	"io"
	"strings"
)

// doneSentinel terminates an OpenAI-style SSE stream.
const doneSentinel = "[DONE]"

// EventScanner iterates the data payloads of a server-sent event stream.
// Non-data lines (comments, event names, blank framing lines) are skipped;
// the "[DONE]" sentinel ends iteration.
type EventScanner struct {
	sc   *bufio.Scanner
	done bool
}

// NewEventScanner wraps r. The scan buffer allows payload lines up to 1 MiB,
// enough for the largest single-chunk tool call deltas seen in practice.
func NewEventScanner(r io.Reader) *EventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventScanner{sc: sc}
}

// Next returns the next data payload. ok is false at end of stream, on the
// [DONE] sentinel, or on a read error (check Err).
func (s *EventScanner) Next() (data string, ok bool) {
	if s.done {
		return "", false
	}
	for s.sc.Scan() {
		line := s.sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneSentinel {
			s.done = true
			return "", false
		}
		if payload == "" {
			continue
		}
		return payload, true
	}
	s.done = true
	return "", false
}

// Err returns the first read error hit by the underlying scanner.
func (s *EventScanner) Err() error { return s.sc.Err() }
