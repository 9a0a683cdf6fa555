package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rayneo/liveai-proxy/internal/logger"
)

// receiveBuffer decouples the socket reader from the consumer so that
// Receive can honor context cancellation while a read is in flight.
const receiveBuffer = 64

type liveSession struct {
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex

	recv    chan *ServerMessage
	readErr error
	done    chan struct{}

	mu     sync.Mutex
	handle string
	closed bool
}

// newLiveSession performs the setup handshake on an already-dialed socket
// and starts the reader goroutine.
func newLiveSession(conn *websocket.Conn, setup *setupPayload, log *logger.Logger) (*liveSession, error) {
	s := &liveSession{
		conn:   conn,
		logger: log,
		recv:   make(chan *ServerMessage, receiveBuffer),
		done:   make(chan struct{}),
	}

	if err := s.write(clientMessage{Setup: setup}); err != nil {
		return nil, fmt.Errorf("sending setup: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(setupTimeout))
	msg, err := s.read()
	if err != nil {
		return nil, fmt.Errorf("awaiting setup completion: %w", err)
	}
	if msg.SetupComplete == nil {
		return nil, fmt.Errorf("unexpected message before setup completion")
	}
	conn.SetReadDeadline(time.Time{})

	go s.readLoop()
	return s, nil
}

func (s *liveSession) write(msg clientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *liveSession) read() (*ServerMessage, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding upstream message: %w", err)
	}
	return &msg, nil
}

// readLoop pumps upstream messages into the receive channel until the
// socket fails or the session is closed. Resumption handles are captured
// here so they survive even if the consumer never observes the update.
func (s *liveSession) readLoop() {
	defer close(s.recv)
	for {
		msg, err := s.read()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = ErrSessionClosed
			} else {
				s.readErr = fmt.Errorf("upstream read: %w", err)
			}
			return
		}

		if u := msg.SessionResumptionUpdate; u != nil && u.Resumable && u.NewHandle != "" {
			s.mu.Lock()
			s.handle = u.NewHandle
			s.mu.Unlock()
		}

		select {
		case s.recv <- msg:
		case <-s.done:
			s.readErr = ErrSessionClosed
			return
		}
	}
}

func (s *liveSession) SendMedia(ctx context.Context, mimeType, data string, endOfTurn bool) error {
	input := &realtimeInput{
		MediaChunks: []mediaChunk{{MimeType: mimeType, Data: data}},
	}
	if endOfTurn {
		input.ActivityEnd = &struct{}{}
	}
	return s.write(clientMessage{RealtimeInput: input})
}

func (s *liveSession) SendText(ctx context.Context, text string) error {
	return s.write(clientMessage{ClientContent: &clientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}})
}

func (s *liveSession) SendToolResponse(ctx context.Context, responses []FunctionResponse) error {
	return s.write(clientMessage{ToolResponse: &toolResponse{FunctionResponses: responses}})
}

func (s *liveSession) Receive(ctx context.Context) (*ServerMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.recv:
		if !ok {
			return nil, s.readErr
		}
		return msg, nil
	}
}

func (s *liveSession) ResumptionHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *liveSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}
