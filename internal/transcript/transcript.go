// Package transcript publishes finished conversation turns to the message
// bus for downstream chat-log consumers.
package transcript

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/metrics"
)

const (
	// fallbackUserID stands in when the client never supplied a user ID.
	fallbackUserID = 123456

	// assistantID identifies the voice assistant in downstream chat logs.
	assistantID = "99999999"

	cmType      = "text_chat"
	messageType = "text"

	connectTimeout = 5 * time.Second
	flushTimeout   = 3 * time.Second
)

// MessageBody is the chat-log envelope consumed downstream. CreatedTime is
// epoch milliseconds.
type MessageBody struct {
	MessageID   string `json:"messageId"`
	UserID      int64  `json:"userId"`
	Role        string `json:"role"`
	MessageType string `json:"messageType"`
	Content     string `json:"content"`
	CreatedTime int64  `json:"createdTime"`
	AssistantID string `json:"assistantId"`
	CmType      string `json:"cmType"`
}

// NewMessageBody builds a chat-log envelope for one finished turn. A zero
// userID falls back to the shared anonymous ID.
func NewMessageBody(userID int64, role, content string) MessageBody {
	if userID == 0 {
		userID = fallbackUserID
	}
	return MessageBody{
		MessageID:   uuid.NewString(),
		UserID:      userID,
		Role:        role,
		MessageType: messageType,
		Content:     content,
		CreatedTime: time.Now().UnixMilli(),
		AssistantID: assistantID,
		CmType:      cmType,
	}
}

// Producer publishes transcript envelopes. Implementations must be safe for
// concurrent use.
type Producer interface {
	// SendSync publishes one envelope and reports whether it was accepted
	// by the bus. Failures are logged, never fatal: losing a chat-log entry
	// must not disturb the live session.
	SendSync(body MessageBody) bool

	// Shutdown flushes and closes the underlying connection.
	Shutdown()
}

// natsProducer publishes envelopes to a NATS subject. The connection is
// established lazily on first publish so that a bus outage at startup does
// not block serving.
type natsProducer struct {
	url     string
	subject string
	logger  *logger.Logger

	mu sync.Mutex
	nc *nats.Conn
}

// NewProducer creates a transcript producer for the given NATS URL and
// subject. An empty URL yields a disabled producer whose SendSync always
// reports false.
func NewProducer(url, subject string, log *logger.Logger) Producer {
	l := log.WithComponent("transcript")
	if url == "" {
		l.Warn("transcript publishing disabled: no bus URL configured")
		return &disabledProducer{logger: l}
	}
	return &natsProducer{url: url, subject: subject, logger: l}
}

// conn returns the live connection, dialing on first use.
func (p *natsProducer) conn() (*nats.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nc != nil && p.nc.IsConnected() {
		return p.nc, nil
	}
	if p.nc != nil {
		p.nc.Close()
		p.nc = nil
	}

	nc, err := nats.Connect(p.url,
		nats.Timeout(connectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	p.nc = nc
	return nc, nil
}

func (p *natsProducer) SendSync(body MessageBody) bool {
	nc, err := p.conn()
	if err != nil {
		p.logger.LogError(context.Background(), err, "connecting to message bus")
		return false
	}

	data, err := json.Marshal(body)
	if err != nil {
		p.logger.LogError(context.Background(), err, "encoding transcript body")
		return false
	}

	msg := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header: nats.Header{
			"Keys": []string{body.MessageID},
			"Tags": []string{body.Role},
		},
	}
	if err := nc.PublishMsg(msg); err != nil {
		p.logger.LogError(context.Background(), err, "publishing transcript")
		return false
	}
	if err := nc.FlushTimeout(flushTimeout); err != nil {
		p.logger.LogError(context.Background(), err, "flushing transcript publish")
		return false
	}

	metrics.TranscriptsPublished.WithLabelValues(body.Role).Inc()
	p.logger.Debug("transcript published",
		slog.String("message_id", body.MessageID),
		slog.String("role", body.Role),
		slog.Int("content_length", len(body.Content)))
	return true
}

func (p *natsProducer) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.nc.Close()
		p.nc = nil
	}
}

type disabledProducer struct {
	logger *logger.Logger
}

func (d *disabledProducer) SendSync(body MessageBody) bool {
	d.logger.Debug("transcript dropped: publishing disabled",
		slog.String("role", body.Role))
	return false
}

func (d *disabledProducer) Shutdown() {}
