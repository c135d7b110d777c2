package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Response.DrainTimeout() != 60*time.Second {
		t.Fatalf("expected 60s drain timeout, got %s", cfg.Response.DrainTimeout())
	}
	if cfg.STT.SilenceTimeout() != 2*time.Second {
		t.Fatalf("expected 2s silence timeout, got %s", cfg.STT.SilenceTimeout())
	}
	if cfg.Response.PollInterval() != 500*time.Millisecond {
		t.Fatalf("expected 500ms poll interval, got %s", cfg.Response.PollInterval())
	}
	if cfg.LLM.HistoryTurns != 10 {
		t.Fatalf("expected 10 history turns, got %d", cfg.LLM.HistoryTurns)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
http:
  port: 9100
retrieval:
  mode: pgvector
  database_url: postgres://localhost/loqa
  top_k: 6
response:
  drain_timeout_ms: 1500
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", cfg.HTTP.Port)
	}
	if cfg.Retrieval.Mode != "pgvector" || cfg.Retrieval.TopK != 6 {
		t.Fatalf("unexpected retrieval config: %+v", cfg.Retrieval)
	}
	if cfg.Response.DrainTimeout() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s drain timeout, got %s", cfg.Response.DrainTimeout())
	}
	// untouched sections keep defaults
	if cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.STT.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_LLM_MODE", "ollama")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.9")
	t.Setenv("LOQA_STT_SILENCE_TIMEOUT_MS", "1200")
	t.Setenv("LOQA_RESPONSE_AUTO_TTS", "false")
	t.Setenv("LOQA_RESPONSE_DRAIN_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus override, got %+v", cfg.Bus)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store override, got %+v", cfg.EventStore)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Temperature != 0.9 {
		t.Fatalf("expected llm override, got %+v", cfg.LLM)
	}
	if cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected sample ratio override, got %v", cfg.Telemetry.TraceSampleRatio)
	}
	if cfg.STT.SilenceTimeout() != 1200*time.Millisecond {
		t.Fatalf("expected silence override, got %s", cfg.STT.SilenceTimeout())
	}
	if cfg.Response.AutoTTS {
		t.Fatal("expected auto tts disabled")
	}
	if cfg.Response.DrainTimeout() != 5*time.Second {
		t.Fatalf("expected drain override, got %s", cfg.Response.DrainTimeout())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.RuntimeName = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }},
		{"bad log level", func(c *Config) { c.Telemetry.LogLevel = "loud" }},
		{"bad retrieval mode", func(c *Config) { c.Retrieval.Mode = "milvus" }},
		{"pgvector without url", func(c *Config) { c.Retrieval.Mode = "pgvector"; c.Retrieval.DatabaseURL = "" }},
		{"exec tts without command", func(c *Config) { c.TTS.Mode = "exec" }},
		{"exec stt without command", func(c *Config) { c.STT.Mode = "exec" }},
		{"zero drain timeout", func(c *Config) { c.Response.DrainTimeoutMS = 0 }},
		{"zero poll", func(c *Config) { c.Response.PollIntervalMS = 0 }},
		{"sample ratio above one", func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 }},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestStrideBytes(t *testing.T) {
	cfg := Default().STT
	// 16 kHz mono 16-bit, 600 ms
	if got := cfg.StrideBytes(); got != 19200 {
		t.Fatalf("expected 19200 bytes, got %d", got)
	}
}
