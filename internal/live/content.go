package live

import (
	"encoding/base64"
	"log/slog"

	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/textutil"
	"github.com/rayneo/liveai-proxy/internal/transcript"
)

// processContent forwards one server-content increment to the client and
// aggregates transcripts for publication at the turn boundary.
func (p *Pump) processContent(sc *genai.ServerContent) error {
	s := p.session

	if sc.Interrupted {
		s.receiving = false
		if err := s.writer.sendFrame(frameInterrupted, map[string]any{
			"message": "Response interrupted by user input",
		}); err != nil {
			return err
		}
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData != nil {
				s.receiving = true
				encoded := base64.StdEncoding.EncodeToString(part.InlineData.Data)
				if err := s.writer.sendFrame(frameAudio, textutil.CleanQuotes(encoded)); err != nil {
					return err
				}
			}
			if part.Text != "" {
				s.receiving = true
				cleaned := textutil.CleanQuotes(textutil.CleanSpaces(part.Text))
				if err := s.writer.sendFrame(frameText, cleaned); err != nil {
					return err
				}
			}
		}
	}

	if sc.InputTranscription != nil {
		s.inputBuf.WriteString(textutil.CleanSpaces(sc.InputTranscription.Text))
	}

	if sc.OutputTranscription != nil {
		cleaned := textutil.CleanSpaces(sc.OutputTranscription.Text)
		s.outputBuf.WriteString(cleaned)
		if cleaned != "" {
			if err := s.writer.sendFrame(frameText, cleaned); err != nil {
				return err
			}
		}
	}

	if sc.TurnComplete {
		if err := s.writer.sendTurnComplete(); err != nil {
			return err
		}
		p.publishTranscripts()
	}

	return nil
}

// publishTranscripts flushes the per-turn buffers to the durable producer,
// one envelope per non-empty role.
func (p *Pump) publishTranscripts() {
	s := p.session
	userID := s.Info.UserIDInt()

	if content := s.inputBuf.String(); content != "" {
		ok := s.producer.SendSync(transcript.NewMessageBody(userID, "user", content))
		p.logger.Debug("published user transcript",
			slog.Bool("ok", ok), slog.Int("length", len(content)))
	}
	if content := s.outputBuf.String(); content != "" {
		ok := s.producer.SendSync(transcript.NewMessageBody(userID, "assistant", content))
		p.logger.Debug("published assistant transcript",
			slog.Bool("ok", ok), slog.Int("length", len(content)))
	}

	s.inputBuf.Reset()
	s.outputBuf.Reset()
	s.receiving = false
}
