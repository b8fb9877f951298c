package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/history"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/rag"
	mocktransport "github.com/vocera-labs/voicebridge/pkg/transports/mock"
)

func testConfig() Config {
	return Config{
		Pipeline: pipeline.Config{
			Async:         true,
			StageBuffer:   128,
			HighCapacity:  256,
			LowCapacity:   512,
			FairnessRatio: 3,
		},
		Engine: pipeline.EngineConfig{SampleRate: 8000, STTReplayChunks: 50},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock", Settings: map[string]any{
				"transcript": "what services do you provide",
			}},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock"},
		},
		Transports: TransportsConfig{Provider: "mock"},
		Interrupt: InterruptConfig{
			Enabled:         true,
			MinEnergy:       500,
			BaselineFactor:  2.0,
			MinSpeechMS:     100,
			DebounceMS:      300,
			RequiredSamples: 2,
		},
		Turn: TurnConfig{
			SilenceThresholdSec: 0.1,
			PartialGapMS:        50,
			TickMS:              10,
		},
		RAG:         RAGConfig{K: 6, RelevanceThreshold: 1.0, ContextTop: 3},
		LLM:         LLMLimitsConfig{MaxTokens: 1200, HistoryWindow: 6},
		Call:        CallConfig{InactivityTimeoutSec: 30},
		Tools:       ToolsConfig{Concurrency: 2, TimeoutMS: 1000, Retries: 0, RetryBackoffMS: 50},
		Environment: "test",
		LogLevel:    "error",
	}
}

func mediaFrame(callSID, streamID string, payload []byte) frames.AudioFrame {
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  callSID,
		frames.MetaEncoding: "mulaw",
		frames.MetaCodec:    "ulaw",
	}
	return frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta)
}

// Simple QA end to end over the mock transport: inbound audio drives
// the mock recogniser, the gate fires, generation answers from the
// vector store, and synthesised media frames reach the carrier before
// any further turn.
func TestEngineSimpleQA(t *testing.T) {
	transport := mocktransport.New()
	providers := NewProviderRegistry()
	RegisterDefaultProviders(providers)

	vectorStore := rag.NewMemoryStore()
	vectorStore.SetFixedResults([]rag.Chunk{
		{Text: "We provide Salesforce consulting.", Distance: 0.8},
	})
	store := history.NewMemoryStore()

	engine := NewEngine(EngineOptions{
		Config:       testConfig(),
		Providers:    providers,
		Transport:    transport,
		HistoryStore: store,
		VectorStore:  vectorStore,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	callSID, streamID := "CA-test-1", "MZ-test-1"
	startMeta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaCallSID:    callSID,
		frames.MetaFromNumber: "+15550100",
	}
	transport.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", startMeta))

	// Feed 20ms µ-law frames at the carrier cadence.
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for i := 0; i < 150; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			transport.Push(mediaFrame(callSID, streamID, payload))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	var sawMedia bool
	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case f, ok := <-transport.Sent():
			if !ok {
				break wait
			}
			if f.Kind() == frames.KindAudio {
				sawMedia = true
				break wait
			}
		case <-deadline:
			break wait
		}
	}
	if !sawMedia {
		t.Fatalf("no media frames reached the carrier")
	}

	turnsDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(turnsDeadline) {
		turns, _ := store.Recent(context.Background(), callSID, 10)
		if len(turns) > 0 {
			if turns[0].User != "what services do you provide" {
				t.Fatalf("unexpected transcript user text: %q", turns[0].User)
			}
			cancel()
			<-feedDone
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("transcript row never appended")
}

// On stream stop the session persists a conversation record with a
// terminal status.
func TestEngineDisconnectPersistsRecord(t *testing.T) {
	transport := mocktransport.New()
	providers := NewProviderRegistry()
	RegisterDefaultProviders(providers)
	store := history.NewMemoryStore()

	engine := NewEngine(EngineOptions{
		Config:       testConfig(),
		Providers:    providers,
		Transport:    transport,
		HistoryStore: store,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	callSID, streamID := "CA-test-2", "MZ-test-2"
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  callSID,
	}
	transport.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}
	for i := 0; i < 5; i++ {
		transport.Push(mediaFrame(callSID, streamID, payload))
		time.Sleep(20 * time.Millisecond)
	}
	endMeta := map[string]string{
		frames.MetaStreamID:      streamID,
		frames.MetaCallSID:       callSID,
		frames.MetaCallEndReason: "completed",
	}
	transport.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", endMeta))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if record, ok := store.Conversation(callSID); ok {
			if record.Status != history.StatusCompleted {
				t.Fatalf("expected completed status, got %s", record.Status)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("conversation record never persisted")
}
