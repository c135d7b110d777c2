package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	MetricsPath   string `yaml:"metrics_path"`
	StdoutTracing bool   `yaml:"stdout_tracing"`

	// TraceSampleRatio is the fraction of root spans kept, 0..1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Retrieval   RetrievalConfig  `yaml:"retrieval"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Response    ResponseConfig   `yaml:"response"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RetrievalConfig struct {
	Mode              string `yaml:"mode"` // static, pgvector
	CorpusPath        string `yaml:"corpus_path"`
	DatabaseURL       string `yaml:"database_url"`
	Table             string `yaml:"table"`
	TopK              int    `yaml:"top_k"`
	EmbeddingEndpoint string `yaml:"embedding_endpoint"`
	EmbeddingModel    string `yaml:"embedding_model"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
}

type STTConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"`
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	Language         string `yaml:"language"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	ChunkStrideMS    int    `yaml:"chunk_stride_ms"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	WatchIntervalMS  int    `yaml:"watch_interval_ms"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, ollama, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
	HistoryTurns int     `yaml:"history_turns"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// ResponseConfig tunes the streaming response path.
type ResponseConfig struct {
	AutoTTS          bool   `yaml:"auto_tts"`
	DrainTimeoutMS   int    `yaml:"drain_timeout_ms"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	CancelGraceMS    int    `yaml:"cancel_grace_ms"`
	NoResultsMessage string `yaml:"no_results_message"`
}

func (r ResponseConfig) DrainTimeout() time.Duration {
	return time.Duration(r.DrainTimeoutMS) * time.Millisecond
}

func (r ResponseConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMS) * time.Millisecond
}

func (r ResponseConfig) CancelGrace() time.Duration {
	return time.Duration(r.CancelGraceMS) * time.Millisecond
}

func (s STTConfig) SilenceTimeout() time.Duration {
	return time.Duration(s.SilenceTimeoutMS) * time.Millisecond
}

func (s STTConfig) WatchInterval() time.Duration {
	return time.Duration(s.WatchIntervalMS) * time.Millisecond
}

// StrideBytes is the amount of 16-bit PCM that triggers an interim decode pass.
func (s STTConfig) StrideBytes() int {
	return s.SampleRate * s.Channels * 2 * s.ChunkStrideMS / 1000
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogMaxSizeMB:     100,
			LogMaxBackups:    5,
			LogMaxAgeDays:    14,
			OTLPInsecure:     true,
			MetricsPath:      "/metrics",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Retrieval: RetrievalConfig{
			Mode:              "static",
			CorpusPath:        "./data/corpus.yaml",
			Table:             "document_chunks",
			TopK:              4,
			EmbeddingEndpoint: "http://localhost:11434",
			EmbeddingModel:    "nomic-embed-text",
			CacheTTLSeconds:   300,
		},
		STT: STTConfig{
			Enabled:          true,
			Mode:             "mock",
			SampleRate:       16000,
			Channels:         1,
			ChunkStrideMS:    600,
			SilenceTimeoutMS: 2000,
			WatchIntervalMS:  500,
		},
		LLM: LLMConfig{
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "qwen3:4b",
			MaxTokens:    1024,
			Temperature:  0.3,
			HistoryTurns: 10,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "zh-CN-XiaoxiaoNeural",
			SampleRate: 24000,
			Channels:   1,
		},
		Response: ResponseConfig{
			AutoTTS:          true,
			DrainTimeoutMS:   60000,
			PollIntervalMS:   500,
			CancelGraceMS:    1000,
			NoResultsMessage: "Sorry, I could not find anything relevant in the knowledge base.",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTracing, "LOQA_TELEMETRY_STDOUT_TRACING")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Retrieval.Mode, "LOQA_RETRIEVAL_MODE")
	overrideString(&cfg.Retrieval.CorpusPath, "LOQA_RETRIEVAL_CORPUS_PATH")
	overrideString(&cfg.Retrieval.DatabaseURL, "LOQA_RETRIEVAL_DATABASE_URL")
	overrideString(&cfg.Retrieval.Table, "LOQA_RETRIEVAL_TABLE")
	overrideInt(&cfg.Retrieval.TopK, "LOQA_RETRIEVAL_TOP_K")
	overrideString(&cfg.Retrieval.EmbeddingEndpoint, "LOQA_RETRIEVAL_EMBEDDING_ENDPOINT")
	overrideString(&cfg.Retrieval.EmbeddingModel, "LOQA_RETRIEVAL_EMBEDDING_MODEL")
	overrideInt(&cfg.Retrieval.CacheTTLSeconds, "LOQA_RETRIEVAL_CACHE_TTL_SECONDS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.ChunkStrideMS, "LOQA_STT_CHUNK_STRIDE_MS")
	overrideInt(&cfg.STT.SilenceTimeoutMS, "LOQA_STT_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.STT.WatchIntervalMS, "LOQA_STT_WATCH_INTERVAL_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.HistoryTurns, "LOQA_LLM_HISTORY_TURNS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideBool(&cfg.Response.AutoTTS, "LOQA_RESPONSE_AUTO_TTS")
	overrideInt(&cfg.Response.DrainTimeoutMS, "LOQA_RESPONSE_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Response.PollIntervalMS, "LOQA_RESPONSE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Response.CancelGraceMS, "LOQA_RESPONSE_CANCEL_GRACE_MS")
	overrideString(&cfg.Response.NoResultsMessage, "LOQA_RESPONSE_NO_RESULTS_MESSAGE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Retrieval.Mode {
	case "static":
		if cfg.Retrieval.CorpusPath == "" {
			return errors.New("retrieval.corpus_path must be set when mode=static")
		}
	case "pgvector":
		if cfg.Retrieval.DatabaseURL == "" {
			return errors.New("retrieval.database_url must be set when mode=pgvector")
		}
		if cfg.Retrieval.EmbeddingEndpoint == "" {
			return errors.New("retrieval.embedding_endpoint must be set when mode=pgvector")
		}
	default:
		return errors.New("retrieval.mode must be one of static|pgvector")
	}
	if cfg.Retrieval.TopK <= 0 {
		return errors.New("retrieval.top_k must be positive")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SilenceTimeoutMS <= 0 || cfg.STT.WatchIntervalMS <= 0 {
			return errors.New("stt.silence_timeout_ms and stt.watch_interval_ms must be positive")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.HistoryTurns < 0 {
		return errors.New("llm.history_turns must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Response.DrainTimeoutMS <= 0 {
		return errors.New("response.drain_timeout_ms must be positive")
	}
	if cfg.Response.PollIntervalMS <= 0 {
		return errors.New("response.poll_interval_ms must be positive")
	}
	return nil
}
