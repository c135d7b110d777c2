// Package protocol defines the JSON messages exchanged with clients and
// published on the bus.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/retrieval"
)

// Inbound message types. The realtime speech socket uses the short
// start/audio/end names; the chat socket accepts both spellings.
const (
	TypeSendMessage      = "send_message"
	TypeSendAudio        = "send_audio"
	TypeRecognitionStart = "recognition_start"
	TypeRecognitionAudio = "recognition_audio"
	TypeRecognitionEnd   = "recognition_end"
	TypeStart            = "start"
	TypeAudio            = "audio"
	TypeEnd              = "end"
	TypeStop             = "stop"
	TypePing             = "ping"
	TypeClose            = "close"
)

// Outbound message types.
const (
	TypeResponseStart = "response_start"
	TypeResponseChunk = "response_chunk"
	TypeAudioChunk    = "audio_chunk"
	TypeResponseEnd   = "response_end"
	TypeTranscription = "transcription"
	TypeInterim       = "interim"
	TypeFinal         = "final"
	TypeStatus        = "status"
	TypeError         = "error"
	TypePong          = "pong"
)

// Bus subjects.
const (
	SubjectResponseEnd     = "voice.response.end"
	SubjectTranscriptFinal = "voice.transcript.final"
)

var ErrMalformed = errors.New("malformed message")

// Inbound is any client message. Only the fields relevant to Type are set.
type Inbound struct {
	Type      string `json:"type"`
	Question  string `json:"question,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Text      string `json:"text,omitempty"`
	AutoTTS   *bool  `json:"autoTts,omitempty"`
}

// Decode parses a client frame. Frames without a type are accepted when they
// carry text, which is how the TTS socket is addressed.
func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" && msg.Text == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// QuestionText returns the question, accepting the legacy message field.
func (m Inbound) QuestionText() string {
	if q := strings.TrimSpace(m.Question); q != "" {
		return q
	}
	return strings.TrimSpace(m.Message)
}

// Event is an outbound message.
type Event interface {
	EventType() string
}

type ResponseStart struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

type ResponseChunk struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
}

// AudioChunk carries one synthesized sentence; Audio is base64 on the wire.
type AudioChunk struct {
	Type      string `json:"type"`
	Audio     []byte `json:"audio"`
	RequestID string `json:"requestId"`
}

type ResponseEnd struct {
	Type          string             `json:"type"`
	FullResponse  string             `json:"fullResponse"`
	Sources       []retrieval.Source `json:"sources"`
	RequestID     string             `json:"requestId"`
	IsInterrupted bool               `json:"isInterrupted"`
	Timestamp     time.Time          `json:"timestamp"`
}

// TextEvent covers transcription, interim and final results.
type TextEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notice covers status and error messages.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Signal is a bare typed message such as pong or end.
type Signal struct {
	Type string `json:"type"`
}

// AudioClip and Failure are the replies of the stand-alone synthesis socket.
type AudioClip struct {
	Type  string `json:"type"`
	Audio []byte `json:"audio"`
}

type Failure struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (e ResponseStart) EventType() string { return e.Type }
func (e ResponseChunk) EventType() string { return e.Type }
func (e AudioChunk) EventType() string    { return e.Type }
func (e ResponseEnd) EventType() string   { return e.Type }
func (e TextEvent) EventType() string     { return e.Type }
func (e Notice) EventType() string        { return e.Type }
func (e Signal) EventType() string        { return e.Type }
func (e AudioClip) EventType() string     { return e.Type }
func (e Failure) EventType() string       { return e.Type }

func NewResponseStart(requestID string) ResponseStart {
	return ResponseStart{Type: TypeResponseStart, RequestID: requestID, Timestamp: time.Now().UTC()}
}

func NewResponseChunk(requestID, content string) ResponseChunk {
	return ResponseChunk{Type: TypeResponseChunk, Content: content, RequestID: requestID}
}

func NewAudioChunk(requestID string, audio []byte) AudioChunk {
	return AudioChunk{Type: TypeAudioChunk, Audio: audio, RequestID: requestID}
}

func NewResponseEnd(requestID, full string, sources []retrieval.Source, interrupted bool) ResponseEnd {
	if sources == nil {
		sources = []retrieval.Source{}
	}
	return ResponseEnd{
		Type:          TypeResponseEnd,
		FullResponse:  full,
		Sources:       sources,
		RequestID:     requestID,
		IsInterrupted: interrupted,
		Timestamp:     time.Now().UTC(),
	}
}

func NewTranscription(text string) TextEvent { return TextEvent{Type: TypeTranscription, Text: text} }
func NewInterim(text string) TextEvent       { return TextEvent{Type: TypeInterim, Text: text} }
func NewFinal(text string) TextEvent         { return TextEvent{Type: TypeFinal, Text: text} }
func NewStatus(message string) Notice        { return Notice{Type: TypeStatus, Message: message} }
func NewError(message string) Notice         { return Notice{Type: TypeError, Message: message} }
func NewSignal(kind string) Signal           { return Signal{Type: kind} }
func NewAudioClip(audio []byte) AudioClip    { return AudioClip{Type: TypeAudio, Audio: audio} }
func NewFailure(message string) Failure      { return Failure{Type: TypeError, Error: message} }

// TurnSummary is published when a response completes.
type TurnSummary struct {
	SessionID   string             `json:"session_id"`
	RequestID   string             `json:"request_id"`
	Question    string             `json:"question"`
	Answer      string             `json:"answer"`
	Sources     []retrieval.Source `json:"sources"`
	Interrupted bool               `json:"interrupted"`
	NoResults   bool               `json:"no_results"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Transcript is published for every final recognition result.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
