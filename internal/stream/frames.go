// Package stream converts run events into outward stream frames and drives
// one streaming connection from replay through live delivery.
package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

const (
	// DefaultChunkThreshold is the encoded size above which an event is
	// sent in chunks.
	DefaultChunkThreshold = 64 * 1024
	// DefaultChunkSize is the size of one chunk.
	DefaultChunkSize = 32 * 1024
)

// Frame is one outward message. ID is the client's resume token and is
// empty for frames that do not complete an event.
type Frame struct {
	Type domain.FrameType
	ID   string
	Data json.RawMessage
}

// Encoder turns events into frames.
type Encoder struct {
	Threshold int
	ChunkSize int
}

// NewEncoder returns an encoder, falling back to defaults for
// non-positive sizes.
func NewEncoder(threshold, chunkSize int) *Encoder {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	if chunkSize <= 0 || chunkSize > threshold {
		chunkSize = min(DefaultChunkSize, threshold)
	}
	return &Encoder{Threshold: threshold, ChunkSize: chunkSize}
}

// Encode returns the frames for ev. Events whose JSON encoding exceeds the
// threshold become a report_metadata frame followed by report_chunk
// frames. Only the last chunk carries the event id, so a client that drops
// mid-event resumes with the whole event replayed.
func (e *Encoder) Encode(ev domain.Event) ([]Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %d: %w", ev.SequenceID, err)
	}

	frameType := domain.FrameTypeStatusUpdate
	if ev.IsReport() {
		frameType = domain.FrameTypeReport
	}
	id := strconv.FormatInt(ev.SequenceID, 10)

	if len(data) <= e.Threshold {
		return []Frame{{Type: frameType, ID: id, Data: data}}, nil
	}

	pieces := splitUTF8(string(data), e.ChunkSize)
	frames := make([]Frame, 0, len(pieces)+1)

	meta, err := json.Marshal(domain.ReportMetadataData{
		SequenceID: ev.SequenceID,
		Frame:      frameType,
		Chunks:     len(pieces),
		TotalBytes: len(data),
	})
	if err != nil {
		return nil, err
	}
	frames = append(frames, Frame{Type: domain.FrameTypeReportMetadata, Data: meta})

	for i, piece := range pieces {
		chunk, err := json.Marshal(domain.ReportChunkData{
			SequenceID:  ev.SequenceID,
			ChunkIndex:  i,
			TotalChunks: len(pieces),
			Data:        piece,
		})
		if err != nil {
			return nil, err
		}
		f := Frame{Type: domain.FrameTypeReportChunk, Data: chunk}
		if i == len(pieces)-1 {
			f.ID = id
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// PingFrame returns a heartbeat frame. It carries no id.
func PingFrame(now time.Time) Frame {
	data, _ := json.Marshal(map[string]string{"ts": now.UTC().Format(time.RFC3339)})
	return Frame{Type: domain.FrameTypePing, Data: data}
}

// ErrorFrame returns an error frame with a machine readable code.
func ErrorFrame(code, message string) Frame {
	data, _ := json.Marshal(domain.ErrorFrameData{Code: code, Message: message})
	return Frame{Type: domain.FrameTypeError, Data: data}
}

// splitUTF8 cuts s into pieces of at most size bytes without splitting a
// multi-byte rune.
func splitUTF8(s string, size int) []string {
	var pieces []string
	for start := 0; start < len(s); {
		end := start + size
		if end >= len(s) {
			pieces = append(pieces, s[start:])
			break
		}
		for end > start && !utf8.RuneStart(s[end]) {
			end--
		}
		if end == start {
			// size is smaller than the rune at start
			_, w := utf8.DecodeRuneInString(s[start:])
			end = start + w
		}
		pieces = append(pieces, s[start:end])
		start = end
	}
	return pieces
}
