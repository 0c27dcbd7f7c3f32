package streamclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// StreamError is an error frame sent by the server.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
}

type pendingEvent struct {
	meta   domain.ReportMetadataData
	chunks []string
	next   int
}

// Assembler turns frames into events, reassembling chunked ones.
type Assembler struct {
	pending *pendingEvent
}

// Push consumes one frame. It returns the completed event, if any. Error
// frames are returned as *StreamError.
func (a *Assembler) Push(f RawFrame) (*domain.Event, error) {
	switch domain.FrameType(f.Event) {
	case domain.FrameTypeStatusUpdate, domain.FrameTypeReport:
		return decodeEvent(f.Data)

	case domain.FrameTypeReportMetadata:
		var meta domain.ReportMetadataData
		if err := json.Unmarshal([]byte(f.Data), &meta); err != nil {
			return nil, fmt.Errorf("failed to parse report metadata: %w", err)
		}
		if meta.Chunks <= 0 {
			return nil, fmt.Errorf("report metadata for %d announces %d chunks", meta.SequenceID, meta.Chunks)
		}
		a.pending = &pendingEvent{meta: meta, chunks: make([]string, meta.Chunks)}
		return nil, nil

	case domain.FrameTypeReportChunk:
		var chunk domain.ReportChunkData
		if err := json.Unmarshal([]byte(f.Data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse report chunk: %w", err)
		}
		p := a.pending
		if p == nil || p.meta.SequenceID != chunk.SequenceID {
			return nil, fmt.Errorf("chunk for %d without matching metadata", chunk.SequenceID)
		}
		if chunk.ChunkIndex != p.next || chunk.TotalChunks != p.meta.Chunks {
			a.pending = nil
			return nil, fmt.Errorf("chunk %d/%d out of order for %d", chunk.ChunkIndex, chunk.TotalChunks, chunk.SequenceID)
		}
		p.chunks[p.next] = chunk.Data
		p.next++
		if p.next < p.meta.Chunks {
			return nil, nil
		}
		a.pending = nil
		data := strings.Join(p.chunks, "")
		if len(data) != p.meta.TotalBytes {
			return nil, fmt.Errorf("reassembled %d bytes for %d, expected %d", len(data), chunk.SequenceID, p.meta.TotalBytes)
		}
		return decodeEvent(data)

	case domain.FrameTypeError:
		var e domain.ErrorFrameData
		if err := json.Unmarshal([]byte(f.Data), &e); err != nil {
			return nil, &StreamError{Code: domain.ErrorCodeInternal, Message: f.Data}
		}
		return nil, &StreamError{Code: e.Code, Message: e.Message}

	default:
		// ping and unknown frames
		return nil, nil
	}
}

// Reset drops a partially received chunked event.
func (a *Assembler) Reset() {
	a.pending = nil
}

func decodeEvent(data string) (*domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &ev, nil
}
