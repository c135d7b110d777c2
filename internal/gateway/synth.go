package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// handleSynthesis serves the long-lived synthesis socket: every {text}
// request is answered with one audio clip followed by an end marker.
func (s *Server) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	c, release, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer release()
	logger := s.logger.With(slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
	logger.Info("synthesis client connected")
	defer logger.Info("synthesis client disconnected")

	send := func(ev protocol.Event) bool {
		if err := c.Send(c.ctx, ev); err != nil {
			if c.ctx.Err() == nil {
				logger.Warn("send failed", slogError(err))
			}
			return false
		}
		return true
	}

	for {
		data, err := c.read()
		if err != nil {
			if c.ctx.Err() == nil && !isExpectedClose(err) {
				logger.Warn("read failed", slogError(err))
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if !send(protocol.NewFailure("Malformed message.")) {
				return
			}
			continue
		}
		switch {
		case msg.Type == protocol.TypePing:
			if !send(protocol.NewSignal(protocol.TypePong)) {
				return
			}
			continue
		case msg.Type == protocol.TypeClose:
			return
		case strings.TrimSpace(msg.Text) == "":
			logger.Debug("synthesis request without text", slog.String("type", msg.Type))
			if !send(protocol.NewFailure("Request carries no text.")) {
				return
			}
			continue
		}

		if s.deps.Synth == nil {
			if !send(protocol.NewFailure("Speech synthesis is not available.")) {
				return
			}
			continue
		}
		audio, err := s.deps.Synth.Synthesize(c.ctx, tts.SynthRequest{Text: msg.Text, Voice: s.cfg.TTS.Voice})
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Warn("synthesis failed", slogError(err))
			if !send(protocol.NewFailure(err.Error())) {
				return
			}
			continue
		}
		if len(audio) > 0 && !send(protocol.NewAudioClip(audio)) {
			return
		}
		if !send(protocol.NewSignal(protocol.TypeEnd)) {
			return
		}
	}
}
