// Package streamclient consumes run event streams: it parses SSE and
// WebSocket frames, reassembles chunked events and resumes dropped
// connections from the last received id.
package streamclient

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// maxLineSize bounds one SSE line.
const maxLineSize = domain.MaxFrameBytes

// RawFrame is one frame as received on the wire.
type RawFrame struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// FrameHandler is called for each frame.
type FrameHandler func(f RawFrame) error

// ParseSSE parses an SSE stream and calls handler for each frame.
func ParseSSE(reader io.Reader, handler FrameHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var frame RawFrame
	var hasFields bool

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if frame.Event != "" || frame.Data != "" {
				if err := handler(frame); err != nil {
					return err
				}
			}
			frame = RawFrame{}
			hasFields = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		hasFields = true
		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Event = value
		case "data":
			if frame.Data != "" {
				frame.Data += "\n" + value
			} else {
				frame.Data = value
			}
		case "retry":
			if v, err := strconv.Atoi(value); err == nil {
				frame.Retry = v
			}
		}
	}

	// Handle any remaining event
	if hasFields && (frame.Event != "" || frame.Data != "") {
		if err := handler(frame); err != nil {
			return err
		}
	}

	return scanner.Err()
}
