package genai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rayneo/liveai-proxy/internal/logger"
)

const (
	devEndpoint    = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	vertexEndpoint = "wss://%s-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent"

	dialTimeout = 10 * time.Second

	// setupTimeout bounds the wait for setupComplete after dialing.
	setupTimeout = 10 * time.Second
)

type client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *logger.Logger
}

// NewClient validates opts and returns a session-opening handle. For Vertex
// mode the service-account credentials are loaded eagerly so that
// misconfiguration surfaces here rather than on the first Connect.
func NewClient(ctx context.Context, opts Options, log *logger.Logger) (Client, error) {
	if opts.UseVertex {
		if opts.ProjectID == "" {
			return nil, &ConfigurationError{Reason: "GOOGLE_CLOUD_PROJECT is required in Vertex mode"}
		}
		if _, err := serviceAccountCredentials(ctx, opts.ServiceAccountKeyPath); err != nil {
			return nil, &ConfigurationError{Reason: err.Error()}
		}
	} else if opts.APIKey == "" {
		return nil, &ConfigurationError{Reason: "GOOGLE_API_KEY is required in developer mode"}
	}

	return &client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
		logger: log.WithComponent("genai"),
	}, nil
}

func (c *client) Connect(ctx context.Context, cfg LiveConfig) (Session, error) {
	url, header, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing upstream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing upstream: %w", err)
	}

	model := c.opts.Model
	if c.opts.UseVertex {
		model = fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
			c.opts.ProjectID, c.opts.Location, c.opts.Model)
	}

	sess, err := newLiveSession(conn, buildSetup(model, cfg), c.logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// endpoint returns the dial URL and headers for the configured mode.
func (c *client) endpoint(ctx context.Context) (string, http.Header, error) {
	if !c.opts.UseVertex {
		return devEndpoint + "?key=" + c.opts.APIKey, nil, nil
	}

	tok, err := accessToken(ctx, c.opts.ServiceAccountKeyPath)
	if err != nil {
		return "", nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.AccessToken)
	return fmt.Sprintf(vertexEndpoint, c.opts.Location), header, nil
}

func (c *client) Ping(ctx context.Context) error {
	if !c.opts.UseVertex {
		return nil
	}
	_, err := accessToken(ctx, c.opts.ServiceAccountKeyPath)
	return err
}

func (c *client) Close() error {
	return nil
}
