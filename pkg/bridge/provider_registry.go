package bridge

import (
	"fmt"
	"strings"

	"github.com/vocera-labs/voicebridge/pkg/adapters/stt"
	"github.com/vocera-labs/voicebridge/pkg/adapters/tts"
	"github.com/vocera-labs/voicebridge/pkg/llm"
	"github.com/vocera-labs/voicebridge/pkg/rag"
)

type STTFactoryBuilder func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error)
type TTSFactoryBuilder func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error)
type LLMFactory func(cfg Config) (llm.LLMAdapter, error)
type EmbedderFactory func(cfg Config) (rag.Embedder, error)
type VectorStoreFactory func(cfg Config) (rag.VectorStore, error)

type ProviderRegistry struct {
	stt      map[string]STTFactoryBuilder
	tts      map[string]TTSFactoryBuilder
	llm      map[string]LLMFactory
	embedder map[string]EmbedderFactory
	vector   map[string]VectorStoreFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:      make(map[string]STTFactoryBuilder),
		tts:      make(map[string]TTSFactoryBuilder),
		llm:      make(map[string]LLMFactory),
		embedder: make(map[string]EmbedderFactory),
		vector:   make(map[string]VectorStoreFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterEmbedder(name string, factory EmbedderFactory) {
	r.embedder[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterVectorStore(name string, factory VectorStoreFactory) {
	r.vector[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	fn := r.stt[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
	fn := r.tts[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildEmbedder(provider string, cfg Config) (rag.Embedder, error) {
	fn := r.embedder[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("embedder provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildVectorStore(provider string, cfg Config) (rag.VectorStore, error) {
	fn := r.vector[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("vector store provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
