package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

type chatStreamRequest struct {
	Question    string         `json:"question"`
	ChatHistory []historyEntry `json:"chat_history"`
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleChatStream answers one question as server-sent events:
// data: {"content": ...} per fragment, then data: [DONE].
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var body chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	question := strings.TrimSpace(body.Question)
	if question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	turns := make([]session.Turn, 0, len(body.ChatHistory))
	for _, h := range body.ChatHistory {
		turns = append(turns, session.Turn{Role: session.Role(h.Role), Text: h.Content})
	}
	req := orchestrator.Request{
		SessionID: "http-" + uuid.NewString(),
		RequestID: uuid.NewString(),
		Question:  question,
		History:   session.FormatHistory(turns, s.cfg.LLM.HistoryTurns),
	}
	s.deps.Registry.SetCurrentRequest(req.SessionID, req.RequestID)
	defer s.deps.Registry.Clear(req.SessionID)

	out := &sseSender{w: w, flusher: flusher}
	if _, err := s.deps.Responder.Respond(r.Context(), req, out); err != nil && r.Context().Err() == nil {
		s.logger.Warn("stream response failed", slogError(err), slog.String("request_id", req.RequestID))
	}
}

// sseSender renders orchestrator events as server-sent events.
type sseSender struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	chunks  int
}

func (s *sseSender) Send(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := ev.(type) {
	case protocol.ResponseChunk:
		s.chunks++
		return s.data(map[string]string{"content": e.Content})
	case protocol.Notice:
		if e.Type == protocol.TypeError {
			return s.data(map[string]string{"error": e.Message})
		}
	case protocol.ResponseEnd:
		if s.chunks == 0 && e.FullResponse != "" {
			if err := s.data(map[string]string{"content": e.FullResponse}); err != nil {
				return err
			}
		}
		return s.raw("[DONE]")
	}
	return nil
}

func (s *sseSender) data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(string(payload))
}

func (s *sseSender) raw(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
