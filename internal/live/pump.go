package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/metrics"
)

// errReconnected unwinds both pump pipelines after a transparent upstream
// replacement. The outer handler loops on it and re-enters the pump with the
// new upstream; cleanup runs only on other exits.
var errReconnected = errors.New("upstream reconnected")

// errClientGone signals that the client socket stopped delivering frames.
var errClientGone = errors.New("client connection closed")

// UpstreamFactory creates a replacement upstream session during
// reconnection, resuming from handle when the upstream granted one.
type UpstreamFactory func(ctx context.Context, handle string) (genai.Session, error)

// Pump runs the two concurrent pipelines of one session: client frames
// flowing upstream and upstream messages flowing back to the client.
type Pump struct {
	session     *Session
	frames      <-chan inboundFrame
	newUpstream UpstreamFactory
	logger      *logger.Logger

	// redialed guards the fault-recovery redial. It arms after one redial
	// and disarms on the next healthy receive, so a replacement upstream
	// that fails immediately surfaces instead of looping.
	redialed bool
}

// NewPump wires a pump over an established session. frames is the
// long-lived channel fed by the socket read loop; it survives pump restarts
// so no client frame is lost across reconnections.
func NewPump(session *Session, frames <-chan inboundFrame, newUpstream UpstreamFactory, log *logger.Logger) *Pump {
	return &Pump{
		session:     session,
		frames:      frames,
		newUpstream: newUpstream,
		logger:      log,
	}
}

// Run executes both pipelines until one of them exits. It returns
// errReconnected when the upstream was transparently replaced and the caller
// should re-enter, nil on a clean stop, and the underlying error otherwise.
func (p *Pump) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.clientToUpstream(ctx) })
	g.Go(func() error { return p.upstreamToClient(ctx) })
	return g.Wait()
}

// clientToUpstream forwards client frames to the current upstream session.
func (p *Pump) clientToUpstream(ctx context.Context) error {
	for {
		var frame inboundFrame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-p.frames:
			if !ok {
				return errClientGone
			}
			frame = f
		}

		metrics.FramesReceived.WithLabelValues(frame.Type).Inc()

		if frame.empty() {
			p.session.writer.sendFrame(frameText, "data is null")
			return errClientGone
		}

		upstream := p.session.Upstream()
		data := frame.dataString()

		switch frame.Type {
		case frameAudio:
			if err := upstream.SendMedia(ctx, "audio/pcm", data, true); err != nil {
				return err
			}
		case frameImage:
			if err := upstream.SendMedia(ctx, "image/jpeg", data, false); err != nil {
				return err
			}
		case frameText:
			if err := upstream.SendText(ctx, data); err != nil {
				return err
			}
		case frameEnd:
			p.logger.Info("client ended input stream")
		case frameState:
			switch data {
			case stateStop:
				p.logger.Info("client requested stop")
				p.session.MarkStopped()
				p.session.Upstream().Close()
				return nil
			case stateReconnect:
				// Closing the upstream makes the receive pipeline observe a
				// clean close and run the reconnection path.
				p.logger.Info("client requested reconnect")
				p.session.Upstream().Close()
			default:
				p.logger.Warn("unknown state command", slog.String("data", data))
			}
		default:
			p.logger.Warn("unknown frame type", slog.String("type", frame.Type))
		}
	}
}

// upstreamToClient consumes the upstream stream and forwards content to the
// client, routing tool calls to the queue and handling go-away signals.
func (p *Pump) upstreamToClient(ctx context.Context) error {
	for {
		msg, err := p.session.Upstream().Receive(ctx)
		if err != nil {
			return p.handleReceiveError(ctx, err)
		}
		p.redialed = false

		switch {
		case msg.ToolCall != nil:
			p.session.enqueueToolCall(*msg.ToolCall)

		case msg.SessionResumptionUpdate != nil:
			if u := msg.SessionResumptionUpdate; u.Resumable && u.NewHandle != "" {
				p.logger.Debug("session resumption handle updated")
			}

		case msg.GoAway != nil:
			if msg.GoAway.TimeLeft <= 0 {
				p.logger.Info("go-away without time budget, ignoring")
				continue
			}
			p.logger.Info("upstream going away, reconnecting",
				slog.Duration("time_left", time.Duration(msg.GoAway.TimeLeft)))
			p.session.Upstream().Close()
			return p.reconnect(ctx)

		case msg.ServerContent != nil:
			if err := p.processContent(msg.ServerContent); err != nil {
				return err
			}
		}
	}
}

// handleReceiveError classifies an upstream receive failure. A deliberate
// stop exits cleanly, a closed or abruptly dropped stream triggers
// transparent reconnection, and quota exhaustion surfaces to the client as a
// structured error.
func (p *Pump) handleReceiveError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, genai.ErrSessionClosed) {
		if p.session.Stopped() {
			return nil
		}
		p.logger.Info("upstream closed, attempting transparent reconnect")
		return p.reconnect(ctx)
	}

	if strings.Contains(err.Error(), "Quota exceeded") {
		p.session.writer.sendError(
			"The service is at capacity right now. Please try again later.",
			"retry_later", "quota_exceeded")
		p.session.writer.sendFrame(frameText, "⚠️ The service is busy, please try again later.")
		return err
	}

	// Any other upstream fault (abrupt close, transport error) gets one
	// transparent redial before the session is torn down.
	if !p.redialed {
		p.redialed = true
		p.logger.LogError(ctx, err, "upstream failed, attempting transparent reconnect")
		p.session.Upstream().Close()
		return p.reconnect(ctx)
	}
	return err
}

// reconnect replaces the upstream session behind the live client connection.
func (p *Pump) reconnect(ctx context.Context) error {
	handle := p.session.Upstream().ResumptionHandle()

	p.session.writer.sendFrame(frameState, stateStartReconnect)

	upstream, err := p.newUpstream(ctx, handle)
	if err != nil {
		p.logger.LogError(ctx, err, "creating replacement upstream session")
		return err
	}

	p.session.SetUpstream(upstream)
	p.session.writer.sendReconnected()
	metrics.Reconnections.Inc()
	p.logger.Info("upstream reconnected", slog.Bool("resumed", handle != ""))
	return errReconnected
}
