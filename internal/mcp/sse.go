package mcp

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MaxSSEEventSize caps how much of one event is buffered (1 MiB).
const MaxSSEEventSize = 1 << 20

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// sseScanner decodes a text/event-stream body one event at a time. Both
// transports feed their response bodies through it.
type sseScanner struct {
	r     *bufio.Reader
	limit int
}

func newSSEScanner(r io.Reader, maxSize int) *sseScanner {
	return &sseScanner{r: bufio.NewReader(r), limit: maxSize}
}

// Next blocks until a complete event has been read. A blank line
// dispatches the fields accumulated so far; comment-only blocks are
// skipped. io.EOF signals end of stream, after flushing an event the
// server was cut off mid-write on.
func (s *sseScanner) Next() (*sseEvent, error) {
	var (
		ev   sseEvent
		data []string
		size int
	)

	flush := func() (*sseEvent, error) {
		ev.Data = []byte(strings.Join(data, "\n"))
		return &ev, nil
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return flush()
			}
			return nil, err
		}

		if size += len(line); size > s.limit {
			return nil, fmt.Errorf("SSE event exceeds maximum size of %d bytes", s.limit)
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			if len(data) > 0 || ev.ID != "" || ev.Event != "" {
				return flush()
			}
			// Nothing but comments or keep-alives so far
			size = 0

		case line[0] == ':':
			// Comment or keep-alive

		default:
			name, value, hasColon := strings.Cut(line, ":")
			if hasColon {
				// Only a single leading space is stripped
				value = strings.TrimPrefix(value, " ")
			}
			switch name {
			case "data":
				data = append(data, value)
			case "id":
				ev.ID = value
			case "event":
				ev.Event = value
			case "retry":
				// Reconnection hints are irrelevant to a request-scoped stream
			}
		}
	}
}
