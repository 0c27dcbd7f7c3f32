package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// WSWriter writes frames as JSON envelopes on a WebSocket connection.
type WSWriter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWSWriter wraps conn.
func NewWSWriter(conn *websocket.Conn, writeTimeout time.Duration) *WSWriter {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WSWriter{conn: conn, writeTimeout: writeTimeout}
}

// Transport implements FrameWriter.
func (w *WSWriter) Transport() string { return "websocket" }

// WriteFrame writes one envelope.
func (w *WSWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(domain.WSEnvelope{Type: f.Type, ID: f.ID, Data: f.Data})
}

// Close sends a normal closure message.
func (w *WSWriter) Close(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
}
