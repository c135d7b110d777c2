package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/convstore"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

// chatSession is the state of one chat or realtime speech socket.
type chatSession struct {
	srv    *Server
	c      *conn
	sess   *session.Session
	logger *slog.Logger

	requests sync.WaitGroup
	reqMu    sync.Mutex
	inflight map[string]struct{}

	recogMu sync.Mutex
	recog   *stt.Session
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	c, release, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer release()

	cs := &chatSession{srv: s, c: c, sess: session.New(""), inflight: make(map[string]struct{})}
	cs.logger = s.logger.With(slog.String("session_id", cs.sess.ID), slog.String("path", r.URL.Path))
	cs.logger.Info("client connected", slog.String("remote", r.RemoteAddr))
	if s.deps.Store != nil {
		if err := s.deps.Store.StartSession(c.ctx, cs.sess.ID, r.RemoteAddr); err != nil {
			cs.logger.Warn("failed to record session", slogError(err))
		}
	}
	defer cs.cleanup()

	for {
		data, err := c.read()
		if err != nil {
			if c.ctx.Err() == nil && !isExpectedClose(err) {
				cs.logger.Warn("read failed", slogError(err))
			}
			return
		}
		if !cs.dispatch(data) {
			return
		}
	}
}

// dispatch handles one client frame; false ends the connection.
func (cs *chatSession) dispatch(data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		cs.logger.Debug("malformed frame", slogError(err))
		cs.send(protocol.NewError("Malformed message."))
		return true
	}

	switch msg.Type {
	case protocol.TypeSendMessage:
		cs.ask(msg.QuestionText(), msg.RequestID, cs.autoTTS(msg))
	case protocol.TypeSendAudio:
		cs.askByVoice(msg)
	case protocol.TypeRecognitionStart, protocol.TypeStart:
		cs.startRecognition()
	case protocol.TypeRecognitionAudio, protocol.TypeAudio:
		cs.pushAudio(msg)
	case protocol.TypeRecognitionEnd, protocol.TypeEnd:
		cs.endRecognition()
	case protocol.TypeStop:
		cs.srv.deps.Registry.Interrupt(cs.sess.ID)
		cs.logger.Info("client stopped the current response")
	case protocol.TypePing:
		cs.send(protocol.NewSignal(protocol.TypePong))
	case protocol.TypeClose:
		return false
	default:
		cs.send(protocol.NewError("Unknown message type: " + msg.Type))
	}
	return true
}

func (cs *chatSession) send(ev protocol.Event) {
	if err := cs.c.Send(cs.c.ctx, ev); err != nil && cs.c.ctx.Err() == nil {
		cs.logger.Warn("send failed", slogError(err), slog.String("type", ev.EventType()))
	}
}

func (cs *chatSession) autoTTS(msg protocol.Inbound) bool {
	if cs.srv.deps.Synth == nil {
		return false
	}
	if msg.AutoTTS != nil {
		return *msg.AutoTTS
	}
	return cs.srv.cfg.Response.AutoTTS
}

// begin claims requestID (generating one when empty) and makes it the
// session's current request. It runs on the read loop so a later frame always
// supersedes an earlier one. An id that is still in flight is rejected.
func (cs *chatSession) begin(requestID string) (string, bool) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	cs.reqMu.Lock()
	_, busy := cs.inflight[requestID]
	if !busy {
		cs.inflight[requestID] = struct{}{}
	}
	cs.reqMu.Unlock()
	if busy {
		cs.send(protocol.NewError("Request id is already in use: " + requestID))
		return "", false
	}
	if cs.srv.deps.Registry.SetCurrentRequest(cs.sess.ID, requestID) {
		cs.logger.Info("new request supersedes the previous one", slog.String("request_id", requestID))
	}
	return requestID, true
}

func (cs *chatSession) done(requestID string) {
	cs.reqMu.Lock()
	delete(cs.inflight, requestID)
	cs.reqMu.Unlock()
}

// ask answers a typed question in the background.
func (cs *chatSession) ask(question, requestID string, autoTTS bool) {
	question = strings.TrimSpace(question)
	if question == "" {
		cs.send(protocol.NewError("Question is empty."))
		return
	}
	requestID, ok := cs.begin(requestID)
	if !ok {
		return
	}
	cs.requests.Add(1)
	go func() {
		defer cs.requests.Done()
		defer cs.done(requestID)
		cs.answer(question, requestID, autoTTS, false)
	}()
}

// answer records the question and streams the response. The caller owns
// requestID through begin.
func (cs *chatSession) answer(question, requestID string, autoTTS, voice bool) {
	history := session.FormatHistory(cs.sess.History(), cs.srv.cfg.LLM.HistoryTurns)
	turn := cs.sess.Append(session.RoleUser, question, voice)
	cs.record(convstore.Turn{RequestID: requestID, Role: turn.Role, Text: turn.Text, Voice: voice, CreatedAt: turn.Timestamp})

	cs.respond(orchestrator.Request{
		SessionID: cs.sess.ID,
		RequestID: requestID,
		Question:  question,
		History:   history,
		AutoTTS:   autoTTS,
	})
}

func (cs *chatSession) respond(req orchestrator.Request) {
	res, err := cs.srv.deps.Responder.Respond(cs.c.ctx, req, cs.c)
	if err != nil {
		if cs.c.ctx.Err() == nil {
			cs.logger.Warn("response failed", slogError(err), slog.String("request_id", req.RequestID))
		}
		return
	}
	if res.Answer != "" {
		turn := cs.sess.Append(session.RoleAssistant, res.Answer, false)
		cs.record(convstore.Turn{
			RequestID:   req.RequestID,
			Role:        turn.Role,
			Text:        turn.Text,
			Interrupted: res.Interrupted,
			Sources:     res.Sources,
			CreatedAt:   turn.Timestamp,
		})
	}
	cs.publish(protocol.SubjectResponseEnd, protocol.TurnSummary{
		SessionID:   req.SessionID,
		RequestID:   req.RequestID,
		Question:    req.Question,
		Answer:      res.Answer,
		Sources:     res.Sources,
		Interrupted: res.Interrupted,
		NoResults:   res.NoResults,
		Timestamp:   time.Now().UTC(),
	})
}

// askByVoice transcribes a recorded question and answers it with audio. The
// request takes over the session before transcription starts, so the previous
// answer goes quiet at once and a newer frame can still supersede it.
func (cs *chatSession) askByVoice(msg protocol.Inbound) {
	decoder := cs.srv.deps.Decoder
	if decoder == nil {
		cs.send(protocol.NewError("Speech recognition is not available."))
		return
	}
	raw, err := decodeAudio(msg.AudioData)
	if err != nil {
		cs.send(protocol.NewError("Invalid audio payload."))
		return
	}
	autoTTS := cs.srv.deps.Synth != nil
	requestID, ok := cs.begin(msg.RequestID)
	if !ok {
		return
	}

	cs.requests.Add(1)
	go func() {
		defer cs.requests.Done()
		defer cs.done(requestID)
		pcm, err := stt.UnwrapFrame(raw)
		if err != nil {
			cs.send(protocol.NewError("Unsupported audio container."))
			return
		}
		text, err := stt.Transcribe(cs.c.ctx, decoder, pcm)
		if err != nil {
			if cs.c.ctx.Err() == nil {
				cs.logger.Warn("transcription failed", slogError(err))
				cs.send(protocol.NewError("Speech recognition failed: " + err.Error()))
			}
			return
		}
		cs.send(protocol.NewTranscription(text))
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if current, _ := cs.srv.deps.Registry.CurrentRequest(cs.sess.ID); current != requestID {
			cs.logger.Info("spoken question superseded during transcription", slog.String("request_id", requestID))
			return
		}
		cs.answer(text, requestID, autoTTS, true)
	}()
}

func (cs *chatSession) startRecognition() {
	decoder := cs.srv.deps.Decoder
	if decoder == nil {
		cs.send(protocol.NewError("Speech recognition is not available."))
		return
	}
	cs.recogMu.Lock()
	if cs.recog == nil {
		cfg := cs.srv.cfg.STT
		cs.recog = stt.NewSession(cs.c.ctx, decoder, cs.onRecognition, stt.SessionOptions{
			SilenceTimeout: cfg.SilenceTimeout(),
			WatchInterval:  cfg.WatchInterval(),
			StrideBytes:    cfg.StrideBytes(),
			Logger:         cs.logger,
			Metrics:        cs.srv.deps.STTMetrics,
		})
	}
	recog := cs.recog
	cs.recogMu.Unlock()

	recog.Start()
	cs.send(protocol.NewStatus("Recognition started."))
}

func (cs *chatSession) onRecognition(ev stt.Event) {
	if !ev.Final {
		cs.send(protocol.NewInterim(ev.Text))
		return
	}
	cs.send(protocol.NewFinal(ev.Text))
	cs.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: cs.sess.ID,
		Text:      ev.Text,
		Timestamp: time.Now().UTC(),
	})
}

func (cs *chatSession) recognition() *stt.Session {
	cs.recogMu.Lock()
	defer cs.recogMu.Unlock()
	return cs.recog
}

func (cs *chatSession) pushAudio(msg protocol.Inbound) {
	payload := msg.Audio
	if payload == "" {
		payload = msg.AudioData
	}
	frame, err := decodeAudio(payload)
	if err != nil {
		cs.send(protocol.NewError("Invalid audio payload."))
		return
	}
	recog := cs.recognition()
	if recog == nil {
		cs.logger.Debug("audio frame before recognition start")
		return
	}
	switch err := recog.PushFrame(frame); {
	case err == nil:
	case errors.Is(err, stt.ErrNotStreaming):
		cs.logger.Debug("audio frame while recognition is idle")
	case errors.Is(err, stt.ErrInvalidContainer):
		cs.send(protocol.NewError("Unsupported audio container."))
	default:
		cs.logger.Warn("audio frame rejected", slogError(err))
	}
}

func (cs *chatSession) endRecognition() {
	if recog := cs.recognition(); recog != nil {
		if err := recog.End(); err != nil && !errors.Is(err, stt.ErrNotStreaming) {
			cs.logger.Warn("recognition end failed", slogError(err))
		}
	}
	cs.send(protocol.NewStatus("Recognition ended."))
}

func (cs *chatSession) record(turn convstore.Turn) {
	if cs.srv.deps.Store == nil {
		return
	}
	turn.SessionID = cs.sess.ID
	if err := cs.srv.deps.Store.AppendTurn(context.WithoutCancel(cs.c.ctx), turn); err != nil {
		cs.logger.Warn("failed to record turn", slogError(err))
	}
}

func (cs *chatSession) publish(subject string, v any) {
	if cs.srv.deps.Bus == nil {
		return
	}
	if err := cs.srv.deps.Bus.Publish(subject, v); err != nil {
		cs.logger.Warn("bus publish failed", slogError(err), slog.String("subject", subject))
	}
}

// cleanup runs when the socket closes: in-flight requests are cancelled and
// awaited before the session's registry entry is dropped.
func (cs *chatSession) cleanup() {
	cs.c.cancel()
	cs.requests.Wait()
	if recog := cs.recognition(); recog != nil {
		recog.Close()
	}
	cs.srv.deps.Registry.Clear(cs.sess.ID)
	if cs.srv.deps.Store != nil {
		if err := cs.srv.deps.Store.EndSession(context.Background(), cs.sess.ID); err != nil {
			cs.logger.Warn("failed to close session record", slogError(err))
		}
	}
	cs.logger.Info("client disconnected")
}
