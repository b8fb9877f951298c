package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/vocera-labs/voicebridge/pkg/adapters/stt"
	"github.com/vocera-labs/voicebridge/pkg/adapters/tts"
	"github.com/vocera-labs/voicebridge/pkg/configutil"
	"github.com/vocera-labs/voicebridge/pkg/llm"
	"github.com/vocera-labs/voicebridge/pkg/providers/deepgram"
	"github.com/vocera-labs/voicebridge/pkg/providers/elevenlabs"
	"github.com/vocera-labs/voicebridge/pkg/providers/mock"
	"github.com/vocera-labs/voicebridge/pkg/providers/openai"
	"github.com/vocera-labs/voicebridge/pkg/rag"
)

// RegisterDefaultProviders wires the built-in vendor adapters into the
// registry under their canonical names.
func RegisterDefaultProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", buildDeepgramSTT)
	reg.RegisterSTT("mock", buildMockSTT)
	reg.RegisterTTS("elevenlabs", buildElevenLabsTTS)
	reg.RegisterTTS("mock", buildMockTTS)
	reg.RegisterLLM("openai", buildOpenAILLM)
	reg.RegisterLLM("mock", func(Config) (llm.LLMAdapter, error) {
		return mock.NewLLMAdapter(mock.LLMConfig{}), nil
	})
	reg.RegisterEmbedder("hash", func(Config) (rag.Embedder, error) {
		return rag.NewHashEmbedder(256), nil
	})
	reg.RegisterVectorStore("memory", func(Config) (rag.VectorStore, error) {
		return rag.NewMemoryStore(), nil
	})
	reg.RegisterVectorStore("postgres", func(cfg Config) (rag.VectorStore, error) {
		url := strings.TrimSpace(cfg.Stores.DatabaseURL)
		if url == "" {
			return nil, fmt.Errorf("stores.database_url is required for the postgres vector store")
		}
		return rag.NewPostgresStore(context.Background(), url)
	})
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func buildDeepgramSTT(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	var s deepgramSettings
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = "nova-2"
	}
	if s.Language == "" {
		s.Language = "en-US"
	}
	utteranceEnd := s.UtteranceEndMS
	if utteranceEnd <= 0 {
		utteranceEnd = int(cfg.Turn.SilenceThresholdSec * 1000)
	}
	return func(callSID, streamID string) stt.StreamingSTT {
		return deepgram.New(deepgram.Config{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Language:   s.Language,
			SampleRate: 16000,
			Encoding:   "linear16",
			Interim:    true,
			VADEvents:  true,
			StreamID:   streamID,
			CallSID:    callSID,
			TraceID:    traceID,
			Params: deepgram.DeepgramParams{
				UtteranceEndMS: utteranceEnd,
			},
		})
	}, nil
}

func buildMockSTT(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	var s struct {
		Transcript        string `mapstructure:"transcript"`
		InterimTranscript string `mapstructure:"interim_transcript"`
		EmitInterim       bool   `mapstructure:"emit_interim"`
	}
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
		return nil, err
	}
	return func(callSID, streamID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{
			StreamID:          streamID,
			CallSID:           callSID,
			TraceID:           traceID,
			Transcript:        s.Transcript,
			InterimTranscript: s.InterimTranscript,
			EmitInterim:       s.EmitInterim,
		})
	}, nil
}

type elevenLabsSettings struct {
	APIKey  string `mapstructure:"api_key"`
	VoiceID string `mapstructure:"voice_id"`
	ModelID string `mapstructure:"model_id"`
}

func buildElevenLabsTTS(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
	var s elevenLabsSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return nil, err
	}
	voiceID := s.VoiceID
	if cfg.Agent.VoiceID != "" {
		voiceID = cfg.Agent.VoiceID
	}
	if err := configutil.RequireString(voiceID, "vendors.tts.settings.voice_id"); err != nil {
		return nil, err
	}
	return func(callSID, streamID string) tts.StreamingTTS {
		// 16kHz linear PCM; the TTS streamer resamples to the carrier
		// rate and µ-law encodes.
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      voiceID,
			ModelID:      s.ModelID,
			OutputFormat: "pcm_16000",
			SampleRate:   16000,
			StreamID:     streamID,
			CallSID:      callSID,
		})
	}, nil
}

func buildMockTTS(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
	return func(callSID, streamID string) tts.StreamingTTS {
		return mock.NewTTS(mock.TTSConfig{
			StreamID:       streamID,
			CallSID:        callSID,
			SampleRate:     16000,
			Channels:       1,
			EmitAudioReady: true,
		})
	}, nil
}

type openAISettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

func buildOpenAILLM(cfg Config) (llm.LLMAdapter, error) {
	var s openAISettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.llm.settings.api_key"); err != nil {
		return nil, err
	}
	model := s.Model
	if cfg.Agent.ModelName != "" {
		model = cfg.Agent.ModelName
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	adapter := openai.NewAdapter(s.APIKey, model)
	if s.BaseURL != "" {
		adapter.BaseURL = s.BaseURL
	}
	return adapter, nil
}
