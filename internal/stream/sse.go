package stream

import (
	"bufio"
	"fmt"
	"net/http"
)

// SSEWriter writes frames as server-sent events.
type SSEWriter struct {
	w       http.ResponseWriter
	buf     *bufio.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers, writes the status line and
// a reconnection hint.
func NewSSEWriter(w http.ResponseWriter, retry int) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &SSEWriter{w: w, buf: bufio.NewWriter(w), flusher: flusher}
	if retry > 0 {
		fmt.Fprintf(sw.buf, "retry: %d\n\n", retry)
	}
	if err := sw.flush(); err != nil {
		return nil, err
	}
	return sw, nil
}

// Transport implements FrameWriter.
func (s *SSEWriter) Transport() string { return "sse" }

// WriteFrame writes one event and flushes it.
func (s *SSEWriter) WriteFrame(f Frame) error {
	if f.ID != "" {
		fmt.Fprintf(s.buf, "id: %s\n", f.ID)
	}
	fmt.Fprintf(s.buf, "event: %s\n", f.Type)
	fmt.Fprintf(s.buf, "data: %s\n\n", f.Data)
	return s.flush()
}

func (s *SSEWriter) flush() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
