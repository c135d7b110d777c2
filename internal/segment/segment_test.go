package segment

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		sentences []string
		remainder string
	}{
		{"empty", "", nil, ""},
		{"no terminator", "今天天气不错", nil, "今天天气不错"},
		{"double byte", "你好，世界。今天", []string{"你好，", "世界。"}, "今天"},
		{"single byte", "Hi there. How are you? Fine", []string{"Hi there.", "How are you?"}, "Fine"},
		{"semicolons", "一；二;三", []string{"一；", "二;"}, "三"},
		{"trailing terminator", "结束！", []string{"结束！"}, ""},
		{"bare terminator", "。", []string{"。"}, ""},
		{"whitespace only span", "  ", nil, "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentences, remainder := Extract(tt.in)
			if !reflect.DeepEqual(sentences, tt.sentences) {
				t.Fatalf("sentences: expected %q, got %q", tt.sentences, sentences)
			}
			if remainder != tt.remainder {
				t.Fatalf("remainder: expected %q, got %q", tt.remainder, remainder)
			}
		})
	}
}

func TestSplitRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"你好，世界。今天天气不错",
		"  leading space. trailing   ",
		"a.b.c.",
		"混合 mixed! 文本？ ok",
		"\n\n第一段。\n第二段！\n",
	}
	for _, in := range inputs {
		spans, remainder := Split(in)
		if got := strings.Join(spans, "") + remainder; got != in {
			t.Fatalf("round trip mismatch: expected %q, got %q", in, got)
		}
		for _, span := range spans {
			if !strings.ContainsAny(span, Terminators) {
				t.Fatalf("span %q carries no terminator", span)
			}
		}
		if strings.ContainsAny(remainder, Terminators) {
			t.Fatalf("remainder %q still holds a terminator", remainder)
		}
	}
}

func TestBufferStreaming(t *testing.T) {
	var b Buffer
	var got []string
	for _, fragment := range []string{"你好，", "世界。", "今天天气不错"} {
		got = append(got, b.Add(fragment)...)
	}
	if !reflect.DeepEqual(got, []string{"你好，", "世界。"}) {
		t.Fatalf("unexpected sentences %q", got)
	}
	if rest := b.Flush(); rest != "今天天气不错" {
		t.Fatalf("unexpected remainder %q", rest)
	}
	if b.Pending() != "" {
		t.Fatalf("expected empty buffer after flush")
	}
}

func TestBufferSentenceAcrossFragments(t *testing.T) {
	var b Buffer
	if s := b.Add("The quick "); s != nil {
		t.Fatalf("expected no sentence yet, got %q", s)
	}
	if s := b.Add("fox jumps. It"); !reflect.DeepEqual(s, []string{"The quick fox jumps."}) {
		t.Fatalf("unexpected sentences %q", s)
	}
	if b.Pending() != "It" {
		t.Fatalf("unexpected pending %q", b.Pending())
	}
}
