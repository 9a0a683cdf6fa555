package live

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rayneo/liveai-proxy/internal/config"
	"github.com/rayneo/liveai-proxy/internal/gate"
	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/metrics"
	"github.com/rayneo/liveai-proxy/internal/pool"
	"github.com/rayneo/liveai-proxy/internal/registry"
	"github.com/rayneo/liveai-proxy/internal/tooling"
	"github.com/rayneo/liveai-proxy/internal/transcript"
)

// Handler serves client WebSocket connections and the HTTP sidebands.
type Handler struct {
	cfg      *config.Config
	logger   *logger.Logger
	gate     *gate.Gate
	registry *registry.Registry
	pool     *pool.Pool
	tools    *tooling.Registry
	futures  *Futures
	upgrader websocket.Upgrader
}

// NewHandler assembles the connection handler.
func NewHandler(cfg *config.Config, log *logger.Logger, g *gate.Gate, reg *registry.Registry, p *pool.Pool, tools *tooling.Registry) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   log.WithComponent("live"),
		gate:     g,
		registry: reg,
		pool:     p,
		tools:    tools,
		futures:  NewFutures(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Healthy answers the liveness probe.
func (h *Handler) Healthy(c *gin.Context) {
	c.String(http.StatusOK, "healthy\n")
}

// Fallback serves every remaining path: WebSocket upgrades become live
// sessions, anything else gets a plain acknowledgment.
func (h *Handler) Fallback(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusOK, "OK\n")
		return
	}
	h.serveSession(c)
}

func (h *Handler) serveSession(c *gin.Context) {
	ip := c.ClientIP()
	admitted := h.gate.Admit(ip)
	headerErr := gate.ValidateUpgradeHeaders(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "upgrading connection",
			slog.String("client_ip", ip))
		return
	}
	writer := newConnWriter(conn)

	// Refusals still need the upgrade to have happened so the client sees a
	// proper close code.
	if !admitted {
		h.logger.Warn("refusing banned client", slog.String("client_ip", ip))
		writer.close(websocket.ClosePolicyViolation, "Forbidden")
		return
	}
	// Gorilla's Upgrade already rejects requests missing the core handshake
	// headers with a plain 400 before we get here, so in practice this branch
	// only catches the checks the upgrader does not enforce itself (Host).
	if headerErr != nil {
		h.logger.Warn("invalid upgrade headers",
			slog.String("client_ip", ip), slog.String("reason", headerErr.Error()))
		writer.close(websocket.CloseProtocolError, "Invalid WebSocket request headers")
		return
	}

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	sessionID := uuid.NewString()
	info := ParseParam(c.Query("param"))

	ctx := logger.WithSessionID(c.Request.Context(), sessionID)
	ctx = logger.WithUserID(ctx, info.UserID)
	ctx = logger.WithClientIP(ctx, ip)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := h.logger.WithContext(ctx)
	log.Info("connection accepted", slog.String("voice", info.Voice), slog.String("location", info.Location))

	ready := h.futures.Add(sessionID)
	defer h.futures.Remove(sessionID)

	go h.prepareUpstream(ctx, ready, info)

	if err := writer.sendReady(sessionID); err != nil {
		log.LogError(ctx, err, "sending ready frame")
		return
	}

	outcome, err := ready.await(ctx, h.cfg.HandshakeTimeout)
	if err != nil || !outcome.ok {
		if err != nil {
			log.LogError(ctx, err, "awaiting upstream session")
			// A session that resolves after we gave up must still be closed.
			go h.reapLateOutcome(ready)
		}
		writer.close(websocket.ClosePolicyViolation, "Gemini initialization failed")
		return
	}

	producer := transcript.NewProducer(h.cfg.NatsURL, h.cfg.TranscriptTopic, h.logger)
	session := NewSession(sessionID, info, outcome.upstream, writer, producer, log)

	h.registry.Add(sessionID, conn)

	var cleanupOnce sync.Once
	cleanup := func() {
		session.CancelToolTask()
		session.Upstream().Close()
		outcome.client.Close()
		producer.Shutdown()
		h.registry.Remove(sessionID, conn)
		writer.close(websocket.CloseNormalClosure, "")
		cancel()
		log.Info("session cleaned up")
	}
	defer cleanupOnce.Do(cleanup)

	frames := h.startReadLoop(ctx, conn, writer, cancel)
	h.startPingLoop(ctx, conn, cancel)

	factory := func(ctx context.Context, handle string) (genai.Session, error) {
		return outcome.client.Connect(ctx, h.liveConfig(info, handle))
	}

	pump := NewPump(session, frames, factory, log)
	go pump.runToolLoop(ctx, h.tools)

	for {
		err := pump.Run(ctx)
		if errors.Is(err, errReconnected) {
			continue
		}
		if err != nil && !errors.Is(err, errClientGone) && ctx.Err() == nil {
			log.LogError(ctx, err, "pump terminated")
		}
		return
	}
}

// prepareUpstream draws a client handle from the pool, opens the live
// session, and resolves the handshake promise.
func (h *Handler) prepareUpstream(ctx context.Context, ready *Readiness, info BaseInfo) {
	client, err := h.pool.Acquire(ctx)
	if err != nil {
		h.logger.LogError(ctx, err, "acquiring upstream client")
		ready.resolve(readyOutcome{})
		return
	}

	upstream, err := client.Connect(ctx, h.liveConfig(info, ""))
	if err != nil {
		h.logger.LogError(ctx, err, "opening upstream session")
		client.Close()
		ready.resolve(readyOutcome{})
		return
	}

	ready.resolve(readyOutcome{client: client, upstream: upstream, ok: true})
}

// reapLateOutcome closes an upstream session that resolved after the
// handshake already failed.
func (h *Handler) reapLateOutcome(ready *Readiness) {
	o, err := ready.await(context.Background(), time.Minute)
	if err == nil && o.ok {
		o.upstream.Close()
		o.client.Close()
	}
}

// startReadLoop feeds client frames into a channel for the pump. The loop
// outlives individual pump runs, so frames arriving mid-reconnection are
// buffered by the channel instead of being lost.
func (h *Handler) startReadLoop(ctx context.Context, conn *websocket.Conn, writer *connWriter, cancel context.CancelFunc) <-chan inboundFrame {
	readDeadline := h.cfg.PingInterval + h.cfg.PongTimeout

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	frames := make(chan inboundFrame, 16)
	go func() {
		defer close(frames)
		defer cancel()
		for {
			var frame inboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				var netErr net.Error
				switch {
				case errors.As(err, &netErr) && netErr.Timeout():
					writer.sendError("Session timed out due to inactivity", "reconnect", "timeout")
				case websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
					writer.sendError("Connection closed unexpectedly", "reconnect", "connection_closed")
				case !isExpectedClose(err):
					h.logger.LogError(ctx, err, "reading client frame")
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(readDeadline))

			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames
}

// startPingLoop keeps the client connection alive through proxies and idle
// timeouts.
func (h *Handler) startPingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					cancel()
					return
				}
			}
		}
	}()
}

// liveConfig renders the per-connection upstream configuration, filling the
// system-instruction template from the client's context.
func (h *Handler) liveConfig(info BaseInfo, resumptionHandle string) genai.LiveConfig {
	instruction := strings.ReplaceAll(h.cfg.SystemInstruction, "{Time}", info.Date)
	instruction = strings.ReplaceAll(instruction, "{Location}", info.Location)

	return genai.LiveConfig{
		Voice:                info.Voice,
		LanguageCode:         h.cfg.LanguageCode,
		SystemInstruction:    instruction,
		ResumptionHandle:     resumptionHandle,
		FunctionDeclarations: h.tools.Declarations(),
	}
}

// isExpectedClose reports whether a read error is a routine client
// disconnect rather than a fault worth logging.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
