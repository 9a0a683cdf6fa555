package live

import (
	"context"
	"strings"
	"sync"

	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/transcript"
)

// toolQueueDepth bounds the per-session tool queue. Tool calls beyond this
// backlog are dropped with a log line rather than stalling the upstream
// stream.
const toolQueueDepth = 32

// Session is the per-connection state shared by the pump pipelines and the
// tool consumer. The upstream handle is the only field that mutates after
// creation, and only during reconnection.
type Session struct {
	ID       string
	Info     BaseInfo
	writer   *connWriter
	producer transcript.Producer
	logger   *logger.Logger

	toolQueue chan genai.ToolCall

	mu         sync.Mutex
	upstream   genai.Session
	cancelTool context.CancelFunc
	stopped    bool

	// Per-turn transcript aggregation, touched only by the U→C pipeline.
	inputBuf  strings.Builder
	outputBuf strings.Builder
	receiving bool
}

// NewSession assembles a Session around an established upstream handle.
func NewSession(id string, info BaseInfo, upstream genai.Session, writer *connWriter, producer transcript.Producer, log *logger.Logger) *Session {
	return &Session{
		ID:        id,
		Info:      info,
		writer:    writer,
		producer:  producer,
		logger:    log,
		upstream:  upstream,
		toolQueue: make(chan genai.ToolCall, toolQueueDepth),
	}
}

// Upstream returns the current upstream handle.
func (s *Session) Upstream() genai.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// SetUpstream installs a replacement upstream handle after reconnection.
func (s *Session) SetUpstream(u genai.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = u
}

// MarkStopped records a client-initiated stop so the receive pipeline can
// tell a deliberate close from an upstream fault.
func (s *Session) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether the client asked to stop.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// setToolCancel records the cancel handle of the in-flight tool task.
func (s *Session) setToolCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTool = cancel
}

// CancelToolTask cancels the in-flight tool task, if any.
func (s *Session) CancelToolTask() {
	s.mu.Lock()
	cancel := s.cancelTool
	s.cancelTool = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// enqueueToolCall hands a tool-call batch to the consumer without blocking
// the upstream stream.
func (s *Session) enqueueToolCall(call genai.ToolCall) {
	select {
	case s.toolQueue <- call:
	default:
		s.logger.Warn("tool queue full, dropping tool call batch")
	}
}
