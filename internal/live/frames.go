package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rayneo/liveai-proxy/internal/metrics"
)

// Client frame types.
const (
	frameAudio = "audio"
	frameImage = "image"
	frameText  = "text"
	frameEnd   = "end"
	frameState = "state"
)

// Server frame types.
const (
	frameInterrupted      = "interrupted"
	frameTurnComplete     = "turn_complete"
	frameFunctionCall     = "function_call"
	frameFunctionResponse = "function_response"
	frameError            = "error"
)

// Control payloads carried in state frames.
const (
	stateStop           = "stop"
	stateReconnect      = "reconnect"
	stateStartReconnect = "start reconnect"
)

const writeTimeout = 10 * time.Second

// inboundFrame is one JSON frame read from the client socket. Data stays raw
// because the `end` type allows arbitrary payloads.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// dataString returns the frame data as a string. Non-string payloads come
// back verbatim.
func (f inboundFrame) dataString() string {
	var s string
	if err := json.Unmarshal(f.Data, &s); err == nil {
		return s
	}
	return string(f.Data)
}

// empty reports whether the frame carries no usable data.
func (f inboundFrame) empty() bool {
	if len(f.Data) == 0 {
		return true
	}
	switch string(f.Data) {
	case "null", `""`:
		return true
	}
	return false
}

// connWriter serializes all writes to a client socket. The pump pipelines
// and the tool consumer write concurrently, and gorilla permits only one
// writer at a time.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newConnWriter(conn *websocket.Conn) *connWriter {
	return &connWriter{conn: conn}
}

func (w *connWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(v)
}

// sendFrame emits a typed {type, data} frame.
func (w *connWriter) sendFrame(frameType string, data any) error {
	err := w.writeJSON(map[string]any{"type": frameType, "data": data})
	if err == nil {
		metrics.FramesSent.WithLabelValues(frameType).Inc()
	}
	return err
}

// sendReady emits the one-time handshake acknowledgment.
func (w *connWriter) sendReady(sessionID string) error {
	return w.writeJSON(map[string]any{"ready": true, "session_id": sessionID})
}

// sendReconnected tells the client the upstream was transparently replaced.
func (w *connWriter) sendReconnected() error {
	return w.writeJSON(map[string]any{"reconnect": true, "data": "reconnected successfully"})
}

// sendTurnComplete emits the bare turn boundary marker.
func (w *connWriter) sendTurnComplete() error {
	err := w.writeJSON(map[string]any{"type": frameTurnComplete})
	if err == nil {
		metrics.FramesSent.WithLabelValues(frameTurnComplete).Inc()
	}
	return err
}

// sendError emits a structured error frame.
func (w *connWriter) sendError(message, action, errorType string) error {
	return w.sendFrame(frameError, map[string]any{
		"message":    message,
		"action":     action,
		"error_type": errorType,
	})
}

// close performs a best-effort close handshake with the given code and
// reason, then closes the socket.
func (w *connWriter) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	w.conn.Close()
}
