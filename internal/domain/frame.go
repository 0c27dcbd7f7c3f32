package domain

import "encoding/json"

const (
	// MaxFrameBytes is the largest single frame a stream client reads.
	MaxFrameBytes = 4 * 1024 * 1024
	// MaxChunkThreshold bounds the size of an unchunked event so its frame,
	// including the transport prefix, fits in MaxFrameBytes.
	MaxChunkThreshold = MaxFrameBytes - 4*1024
	// MaxChunkSize bounds one chunk so that its JSON-escaped form, at most
	// six bytes per input byte, still fits in a frame.
	MaxChunkSize = MaxChunkThreshold / 6
)

// ReportMetadataData announces a chunked event.
type ReportMetadataData struct {
	SequenceID int64     `json:"sequence_id"`
	Frame      FrameType `json:"frame"`
	Chunks     int       `json:"chunks"`
	TotalBytes int       `json:"total_bytes"`
}

// ReportChunkData carries one slice of a chunked event.
type ReportChunkData struct {
	SequenceID  int64  `json:"sequence_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
}

// ErrorFrameData is the data for an error frame.
type ErrorFrameData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSEnvelope is the JSON message written on the WebSocket transport.
type WSEnvelope struct {
	Type FrameType       `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}
