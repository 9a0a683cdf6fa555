// Package registry tracks live proxy sessions and their client sockets.
package registry

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/metrics"
)

// Registry is the process-wide map of session IDs to their client sockets.
// At steady state every tracked socket has a corresponding session entry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*websocket.Conn
	conns    map[*websocket.Conn]struct{}
	logger   *logger.Logger
}

// New creates an empty Registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*websocket.Conn),
		conns:    make(map[*websocket.Conn]struct{}),
		logger:   log.WithComponent("registry"),
	}
}

// Add registers a session and its socket.
func (r *Registry) Add(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sessionID] = conn
	r.conns[conn] = struct{}{}
	r.logStatus("added", sessionID)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}

// Remove deregisters a session and its socket. Removing an unknown session
// is a no-op.
func (r *Registry) Remove(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
	delete(r.conns, conn)
	r.logStatus("removed", sessionID)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}

// ActiveSessions returns the number of registered sessions.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveConnections returns the number of tracked sockets.
func (r *Registry) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) logStatus(action, sessionID string) {
	r.logger.Info("session "+action,
		slog.String("session_id", sessionID),
		slog.Int("active_sessions", len(r.sessions)),
		slog.Int("active_connections", len(r.conns)))
}
