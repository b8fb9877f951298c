package bridge

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Vendors       VendorsConfig         `mapstructure:"vendors"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	Interrupt     InterruptConfig       `mapstructure:"interrupt"`
	Turn          TurnConfig            `mapstructure:"turn"`
	STT           STTProcessingConfig   `mapstructure:"stt"`
	RAG           RAGConfig             `mapstructure:"rag"`
	LLM           LLMLimitsConfig       `mapstructure:"llm"`
	Call          CallConfig            `mapstructure:"call"`
	Tools         ToolsConfig           `mapstructure:"tools"`
	Agent         AgentConfig           `mapstructure:"agent"`
	Stores        StoresConfig          `mapstructure:"stores"`
	Webhooks      WebhooksConfig        `mapstructure:"webhooks"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT      VendorConfig `mapstructure:"stt"`
	TTS      VendorConfig `mapstructure:"tts"`
	LLM      VendorConfig `mapstructure:"llm"`
	Embedder VendorConfig `mapstructure:"embedder"`
	Vector   VendorConfig `mapstructure:"vector"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// InterruptConfig maps the barge-in detector keys.
type InterruptConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MinEnergy       int     `mapstructure:"min_energy"`
	BaselineFactor  float64 `mapstructure:"baseline_factor"`
	MinSpeechMS     int     `mapstructure:"min_speech_ms"`
	DebounceMS      int     `mapstructure:"debounce_ms"`
	RequiredSamples int     `mapstructure:"required_samples"`
	VADTimeoutMS    int     `mapstructure:"vad_timeout_ms"`
}

// TurnConfig maps the end-of-turn gate keys.
type TurnConfig struct {
	SilenceThresholdSec      float64 `mapstructure:"silence_threshold_sec"`
	InterimProcessingEnabled bool    `mapstructure:"interim_processing_enabled"`
	InterimMinLength         int     `mapstructure:"interim_min_length"`
	InterimSilenceSec        float64 `mapstructure:"interim_silence_sec"`
	PartialGapMS             int     `mapstructure:"partial_gap_ms"`
	TickMS                   int     `mapstructure:"tick_ms"`
}

// STTProcessingConfig carries transcript normalization replacements
// for domain terms the recogniser tends to mangle.
type STTProcessingConfig struct {
	Replacements map[string]string `mapstructure:"replacements"`
}

type RAGConfig struct {
	K                  int     `mapstructure:"k"`
	RelevanceThreshold float64 `mapstructure:"relevance_threshold"`
	ContextTop         int     `mapstructure:"context_top"`
}

type LLMLimitsConfig struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	HistoryWindow int `mapstructure:"history_window"`
}

type CallConfig struct {
	InactivityTimeoutSec int `mapstructure:"inactivity_timeout_sec"`
}

type ToolsConfig struct {
	Concurrency       int  `mapstructure:"concurrency"`
	TimeoutMS         int  `mapstructure:"timeout_ms"`
	Retries           int  `mapstructure:"retries"`
	RetryBackoffMS    int  `mapstructure:"retry_backoff_ms"`
	SerializeByStream bool `mapstructure:"serialize_by_stream"`
}

// AgentConfig is the read-only agent profile a session runs with.
// InterruptEnabled and SilenceThresholdSec override the global keys
// per agent when set.
type AgentConfig struct {
	Name                string   `mapstructure:"name"`
	SystemPrompt        string   `mapstructure:"system_prompt"`
	FirstMessage        string   `mapstructure:"first_message"`
	VoiceID             string   `mapstructure:"voice_id"`
	ModelName           string   `mapstructure:"model_name"`
	InterruptEnabled    *bool    `mapstructure:"interrupt_enabled"`
	SilenceThresholdSec *float64 `mapstructure:"silence_threshold_sec"`
}

type StoresConfig struct {
	// DatabaseURL enables the Postgres-backed history and vector
	// stores; empty keeps the in-memory defaults.
	DatabaseURL string `mapstructure:"database_url"`
}

type WebhooksConfig struct {
	URL string `mapstructure:"url"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
	Prometheus    bool   `mapstructure:"prometheus"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads layered configuration: defaults, then an optional
// config file, then environment variables (INTERRUPT_MIN_ENERGY maps
// to interrupt.min_energy, and so on).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Flat aliases for the keys operators know by their short names.
	_ = v.BindEnv("turn.silence_threshold_sec", "SILENCE_THRESHOLD_SEC", "TURN_SILENCE_THRESHOLD_SEC")
	_ = v.BindEnv("turn.interim_processing_enabled", "INTERIM_PROCESSING_ENABLED", "TURN_INTERIM_PROCESSING_ENABLED")
	_ = v.BindEnv("turn.interim_min_length", "INTERIM_MIN_LENGTH", "TURN_INTERIM_MIN_LENGTH")
	_ = v.BindEnv("llm.history_window", "HISTORY_WINDOW", "LLM_HISTORY_WINDOW")

	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stagebuffer", 128)
	v.SetDefault("pipeline.highcapacity", 256)
	v.SetDefault("pipeline.lowcapacity", 512)
	v.SetDefault("pipeline.fairnessratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("engine.samplerate", 8000)
	v.SetDefault("engine.stt_replay_chunks", 50)

	v.SetDefault("interrupt.enabled", true)
	v.SetDefault("interrupt.min_energy", 500)
	v.SetDefault("interrupt.baseline_factor", 2.0)
	v.SetDefault("interrupt.min_speech_ms", 100)
	v.SetDefault("interrupt.debounce_ms", 300)
	v.SetDefault("interrupt.required_samples", 2)
	v.SetDefault("interrupt.vad_timeout_ms", 2000)

	v.SetDefault("turn.silence_threshold_sec", 0.8)
	v.SetDefault("turn.interim_processing_enabled", false)
	v.SetDefault("turn.interim_min_length", 5)
	v.SetDefault("turn.interim_silence_sec", 0.05)
	v.SetDefault("turn.partial_gap_ms", 300)
	v.SetDefault("turn.tick_ms", 50)

	v.SetDefault("rag.k", 6)
	v.SetDefault("rag.relevance_threshold", 1.0)
	v.SetDefault("rag.context_top", 3)

	v.SetDefault("llm.max_tokens", 1200)
	v.SetDefault("llm.history_window", 6)

	v.SetDefault("call.inactivity_timeout_sec", 30)

	v.SetDefault("tools.concurrency", 4)
	v.SetDefault("tools.timeout_ms", 6000)
	v.SetDefault("tools.retries", 1)
	v.SetDefault("tools.retry_backoff_ms", 200)
	v.SetDefault("tools.serialize_by_stream", true)

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.prometheus", true)
	v.SetDefault("privacy.redact_pii", true)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var raw struct {
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			StageBuffer   int    `mapstructure:"stagebuffer"`
			HighCapacity  int    `mapstructure:"highcapacity"`
			LowCapacity   int    `mapstructure:"lowcapacity"`
			FairnessRatio int    `mapstructure:"fairnessratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
		Engine        pipeline.EngineConfig `mapstructure:"engine"`
		Vendors       VendorsConfig         `mapstructure:"vendors"`
		Transports    TransportsConfig      `mapstructure:"transports"`
		Interrupt     InterruptConfig       `mapstructure:"interrupt"`
		Turn          TurnConfig            `mapstructure:"turn"`
		STT           STTProcessingConfig   `mapstructure:"stt"`
		RAG           RAGConfig             `mapstructure:"rag"`
		LLM           LLMLimitsConfig       `mapstructure:"llm"`
		Call          CallConfig            `mapstructure:"call"`
		Tools         ToolsConfig           `mapstructure:"tools"`
		Agent         AgentConfig           `mapstructure:"agent"`
		Stores        StoresConfig          `mapstructure:"stores"`
		Webhooks      WebhooksConfig        `mapstructure:"webhooks"`
		Environment   string                `mapstructure:"environment"`
		LogLevel      string                `mapstructure:"log_level"`
		LogFormat     string                `mapstructure:"log_format"`
		Observability ObservabilityConfig   `mapstructure:"observability"`
		Privacy       PrivacyConfig         `mapstructure:"privacy"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         raw.Pipeline.Async,
			StageBuffer:   raw.Pipeline.StageBuffer,
			HighCapacity:  raw.Pipeline.HighCapacity,
			LowCapacity:   raw.Pipeline.LowCapacity,
			FairnessRatio: raw.Pipeline.FairnessRatio,
			Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
		},
		Engine:        raw.Engine,
		Vendors:       raw.Vendors,
		Transports:    raw.Transports,
		Interrupt:     raw.Interrupt,
		Turn:          raw.Turn,
		STT:           raw.STT,
		RAG:           raw.RAG,
		LLM:           raw.LLM,
		Call:          raw.Call,
		Tools:         raw.Tools,
		Agent:         raw.Agent,
		Stores:        raw.Stores,
		Webhooks:      raw.Webhooks,
		Environment:   raw.Environment,
		LogLevel:      raw.LogLevel,
		LogFormat:     raw.LogFormat,
		Observability: raw.Observability,
		Privacy:       raw.Privacy,
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Turn.SilenceThresholdSec < 0 || c.Turn.SilenceThresholdSec > 5 {
		return fmt.Errorf("turn.silence_threshold_sec out of range")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.Embedder.Settings = expandSettings(cfg.Vendors.Embedder.Settings)
	cfg.Vendors.Vector.Settings = expandSettings(cfg.Vendors.Vector.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
