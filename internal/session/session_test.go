package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestNewAssignsID(t *testing.T) {
	if s := New(""); s.ID == "" {
		t.Fatalf("expected generated id")
	}
	if s := New("abc"); s.ID != "abc" {
		t.Fatalf("expected explicit id, got %q", s.ID)
	}
}

func TestFormatHistoryWindow(t *testing.T) {
	s := New("s")
	for i := 0; i < 12; i++ {
		s.Append(RoleUser, fmt.Sprintf("q%d", i), false)
		s.Append(RoleAssistant, fmt.Sprintf("a%d", i), false)
	}
	out := FormatHistory(s.History(), 10)
	lines := strings.Split(out, "\n")
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(lines))
	}
	if lines[0] != "User: q7" || lines[9] != "Assistant: a11" {
		t.Fatalf("unexpected window %q ... %q", lines[0], lines[9])
	}
	if FormatHistory(nil, 10) != "" {
		t.Fatalf("expected empty history")
	}
}

func TestHistoryIsCopy(t *testing.T) {
	s := New("s")
	s.Append(RoleUser, "hi", true)
	h := s.History()
	h[0].Text = "changed"
	if s.History()[0].Text != "hi" {
		t.Fatalf("history must be a copy")
	}
	if !s.History()[0].Voice {
		t.Fatalf("expected voice flag")
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := New("s")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Append(RoleUser, "x", false)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 500 {
		t.Fatalf("expected 500 turns, got %d", s.Len())
	}
}
