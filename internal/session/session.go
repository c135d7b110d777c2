// Package session holds per-connection conversation state.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Voice     bool      `json:"voice,omitempty"`
}

// Session is owned by its connection handler; the history is guarded so
// request goroutines can append concurrently.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu    sync.Mutex
	turns []Turn
}

// New creates a session; an empty id is replaced by a random UUID.
func New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, CreatedAt: time.Now().UTC()}
}

func (s *Session) Append(role Role, text string, voice bool) Turn {
	turn := Turn{Role: role, Text: text, Timestamp: time.Now().UTC(), Voice: voice}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	return turn
}

// History returns a copy of the turns so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// FormatHistory renders the last limit turns as "User: ..." / "Assistant: ..." lines.
func FormatHistory(turns []Turn, limit int) string {
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		prefix := "User: "
		if t.Role == RoleAssistant {
			prefix = "Assistant: "
		}
		lines = append(lines, prefix+t.Text)
	}
	return strings.Join(lines, "\n")
}
