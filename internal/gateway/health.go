package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthReport struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	ActiveConnections int64     `json:"active_connections"`
	RAGReady          bool      `json:"rag_ready"`
	VoiceReady        bool      `json:"voice_ready"`
	TTSReady          bool      `json:"tts_ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := healthReport{
		Status:            "healthy",
		Timestamp:         time.Now().UTC(),
		ActiveConnections: s.active.Load(),
		RAGReady:          s.deps.Responder != nil && (s.deps.RetrievalOK == nil || s.deps.RetrievalOK()),
		VoiceReady:        s.deps.Decoder != nil,
		TTSReady:          s.deps.Synth != nil,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
