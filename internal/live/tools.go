package live

import (
	"context"
	"log/slog"

	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/tooling"
)

// startLiveVideoChatTool hands control to the client app instead of the
// model, so no synthetic upstream acknowledgment is sent for it.
const startLiveVideoChatTool = "startLiveVideoChat"

// runToolLoop serially executes tool-call batches from the session queue.
// It runs for the lifetime of the connection, across pump restarts, so an
// in-flight tool is not lost to a reconnection.
func (p *Pump) runToolLoop(ctx context.Context, tools *tooling.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-p.session.toolQueue:
			p.handleToolCall(ctx, tools, call)
		}
	}
}

// handleToolCall executes one batch in order and posts the consolidated
// responses upstream. Tool failures are folded into the per-call response
// and never tear down the session.
func (p *Pump) handleToolCall(ctx context.Context, tools *tooling.Registry, call genai.ToolCall) {
	s := p.session

	var batch []genai.FunctionResponse
	var lastName string

	for _, fc := range call.FunctionCalls {
		toolCtx, cancel := context.WithCancel(ctx)
		s.setToolCancel(cancel)

		p.logger.Info("executing tool",
			slog.String("tool", fc.Name), slog.String("call_id", fc.ID))

		s.writer.sendFrame(frameFunctionCall, map[string]any{
			"name": fc.Name,
			"args": fc.Args,
		})

		resp := tools.Execute(toolCtx, fc)
		s.writer.sendFrame(frameFunctionResponse, resp.Response)

		batch = append(batch, genai.FunctionResponse{
			Name:     fc.Name,
			ID:       fc.ID,
			Response: map[string]any{"result": "ok"},
		})
		lastName = fc.Name

		cancel()
		s.setToolCancel(nil)
	}

	if len(batch) == 0 || lastName == startLiveVideoChatTool {
		return
	}

	if err := s.Upstream().SendToolResponse(ctx, batch); err != nil {
		p.logger.LogError(ctx, err, "sending tool responses upstream")
	}
}
