// Package genai provides the upstream Gemini Live client used by the proxy.
//
// A Client is a cheap, reusable handle that can open live sessions. Opening
// the handle is the expensive part (credential loading and token exchange for
// Vertex mode), which is why clients are pre-warmed in a pool. A Session is
// one bidirectional stream speaking the BidiGenerateContent wire protocol
// over a WebSocket.
package genai

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by Receive after the session has been closed
// locally or the upstream completed a clean close.
var ErrSessionClosed = errors.New("genai: session closed")

// ConfigurationError reports a startup-time misconfiguration (missing project
// ID, missing credentials). It is fatal for the affected connection.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("genai: configuration error: %s", e.Reason)
}

// Options selects the upstream mode and carries its credentials.
type Options struct {
	// UseVertex selects the Vertex AI endpoint (project + location +
	// service-account credentials). When false the developer endpoint is
	// used with an API key against the v1alpha API.
	UseVertex bool

	ProjectID             string
	Location              string
	ServiceAccountKeyPath string

	APIKey string

	// Model is the live model resource name.
	Model string
}

// Client is a handle able to open live sessions against the upstream.
// Implementations are safe for concurrent use.
type Client interface {
	// Connect opens a live session configured by cfg.
	Connect(ctx context.Context, cfg LiveConfig) (Session, error)

	// Ping performs a lightweight liveness check of the handle. For Vertex
	// mode it refreshes the access token; the developer mode has no cheap
	// probe and reports healthy.
	Ping(ctx context.Context) error

	// Close releases resources held by the handle.
	Close() error
}

// Session is one live bidirectional stream. All methods are safe for
// concurrent use; Receive is intended for a single consumer.
type Session interface {
	// SendMedia forwards a base64-encoded media chunk. endOfTurn marks the
	// client's turn as finished for media types that do not rely on voice
	// activity detection.
	SendMedia(ctx context.Context, mimeType, data string, endOfTurn bool) error

	// SendText forwards a user text turn. The turn is always marked
	// complete, prompting a model response.
	SendText(ctx context.Context, text string) error

	// SendToolResponse posts the consolidated results of a tool-call batch.
	SendToolResponse(ctx context.Context, responses []FunctionResponse) error

	// Receive returns the next upstream message. It returns
	// ErrSessionClosed after a clean close and a wrapped transport error
	// after an abnormal one.
	Receive(ctx context.Context) (*ServerMessage, error)

	// ResumptionHandle returns the most recent session-resumption handle
	// delivered by the upstream, if any.
	ResumptionHandle() string

	// Close terminates the stream. Safe to call multiple times.
	Close() error
}
