package processors

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/history"
	mockllm "github.com/vocera-labs/voicebridge/pkg/providers/mock"
	"github.com/vocera-labs/voicebridge/pkg/rag"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

type captureScheduler struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (c *captureScheduler) Schedule(meta map[string]string) {
	c.mu.Lock()
	c.calls = append(c.calls, meta)
	c.mu.Unlock()
}

func (c *captureScheduler) Calls() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func newTestController(t *testing.T) *turn.Controller {
	t.Helper()
	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	if err := ctrl.Transition(turn.PhaseListening, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return ctrl
}

func utteranceFrame(text string) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA1",
		frames.MetaSource:   "turn",
		frames.MetaIsFinal:  "true",
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func startFrame() frames.SystemFrame {
	meta := map[string]string{
		frames.MetaStreamID:   "stream-1",
		frames.MetaCallSID:    "CA1",
		frames.MetaFromNumber: "+15550100",
	}
	return frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_start", meta)
}

func drainQueue(q *turn.SentenceQueue) []turn.Sentence {
	var out []turn.Sentence
	for {
		s, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func TestGenerationSimpleQA(t *testing.T) {
	ctrl := newTestController(t)
	store := history.NewMemoryStore()
	vectorStore := rag.NewMemoryStore()
	vectorStore.SetFixedResults([]rag.Chunk{{Text: "We provide Salesforce consulting.", Distance: 0.8}})
	retriever := rag.NewRetriever(rag.NewHashEmbedder(32), vectorStore, rag.Config{})
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		StreamChunks: []string{"We provide Salesforce ", "consulting services."},
	})
	proc := NewGenerationProcessor(adapter, retriever, store, ctrl, AgentProfile{SystemPrompt: "You help."}, GenerationConfig{})

	if _, err := proc.Process(startFrame()); err != nil {
		t.Fatalf("call_start: %v", err)
	}
	if err := ctrl.BeginResponse("utterance"); err != nil {
		t.Fatalf("begin response: %v", err)
	}
	if _, err := proc.Process(utteranceFrame("what services do you provide")); err != nil {
		t.Fatalf("process: %v", err)
	}

	sentences := drainQueue(ctrl.Queue())
	if len(sentences) != 2 {
		t.Fatalf("expected sentence + sentinel, got %d: %+v", len(sentences), sentences)
	}
	if sentences[0].Text != "We provide Salesforce consulting services." {
		t.Fatalf("unexpected sentence: %q", sentences[0].Text)
	}
	if sentences[1].Meta[SentenceMetaEndOfResponse] != "true" {
		t.Fatalf("expected end-of-response sentinel")
	}

	turns, _ := store.Recent(context.Background(), "CA1", 10)
	if len(turns) != 1 {
		t.Fatalf("expected one history turn, got %d", len(turns))
	}
	if turns[0].User != "what services do you provide" {
		t.Fatalf("unexpected user text: %q", turns[0].User)
	}
	if turns[0].Assistant != "We provide Salesforce consulting services." {
		t.Fatalf("unexpected assistant text: %q", turns[0].Assistant)
	}
}

func TestGenerationGoodbyeShortCircuitsRAG(t *testing.T) {
	ctrl := newTestController(t)
	store := history.NewMemoryStore()
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{StreamChunks: []string{"should never stream"}})
	proc := NewGenerationProcessor(adapter, nil, store, ctrl, AgentProfile{}, GenerationConfig{})

	_, _ = proc.Process(startFrame())
	_ = ctrl.BeginResponse("utterance")
	if _, err := proc.Process(utteranceFrame("okay, goodbye")); err != nil {
		t.Fatalf("process: %v", err)
	}

	sentences := drainQueue(ctrl.Queue())
	if len(sentences) != 2 {
		t.Fatalf("expected farewell + sentinel, got %d", len(sentences))
	}
	if sentences[0].Text != "Goodbye, take care." {
		t.Fatalf("unexpected farewell: %q", sentences[0].Text)
	}
	if sentences[1].Meta[frames.MetaCallEndReason] != "user_goodbye" {
		t.Fatalf("expected end reason on sentinel, got %+v", sentences[1].Meta)
	}
	turns, _ := store.Recent(context.Background(), "CA1", 10)
	if len(turns) != 1 || turns[0].Assistant != "Goodbye, take care." {
		t.Fatalf("farewell not recorded: %+v", turns)
	}
}

func TestGenerationConfirmedToolFlow(t *testing.T) {
	ctrl := newTestController(t)
	store := history.NewMemoryStore()
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		StreamChunks: []string{`I'll transfer you to sales. [CONFIRM_TOOL:transfer_call(department="sales")]`},
	})
	proc := NewGenerationProcessor(adapter, nil, store, ctrl, AgentProfile{}, GenerationConfig{})
	scheduler := &captureScheduler{}
	proc.SetToolScheduler(scheduler)

	_, _ = proc.Process(startFrame())
	_ = ctrl.BeginResponse("utterance")
	if _, err := proc.Process(utteranceFrame("transfer me please to sales")); err != nil {
		t.Fatalf("process: %v", err)
	}

	sentences := drainQueue(ctrl.Queue())
	if len(sentences) == 0 || sentences[0].Text != "I'll transfer you to sales." {
		t.Fatalf("expected marker-stripped sentence, got %+v", sentences)
	}
	for _, s := range sentences {
		if strings.Contains(s.Text, "CONFIRM_TOOL") {
			t.Fatalf("marker leaked into speech: %q", s.Text)
		}
	}
	if ctrl.Phase() != turn.PhaseAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", ctrl.Phase())
	}
	if len(scheduler.Calls()) != 0 {
		t.Fatalf("tool must not run before confirmation")
	}

	// The user confirms; the stashed tool is dispatched with its params.
	if err := ctrl.BeginResponse("utterance"); err != nil {
		t.Fatalf("begin response: %v", err)
	}
	if _, err := proc.Process(utteranceFrame("yes please")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	calls := scheduler.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(calls))
	}
	if calls[0][frames.MetaToolName] != "transfer_call" {
		t.Fatalf("unexpected tool: %q", calls[0][frames.MetaToolName])
	}
	if !strings.Contains(calls[0][frames.MetaToolArgs], `"department":"sales"`) {
		t.Fatalf("unexpected args: %q", calls[0][frames.MetaToolArgs])
	}
}

func TestGenerationDenyDiscardsPendingTool(t *testing.T) {
	ctrl := newTestController(t)
	store := history.NewMemoryStore()
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		StreamChunks: []string{`Sure. [CONFIRM_TOOL:transfer_call(department="sales")]`},
	})
	proc := NewGenerationProcessor(adapter, nil, store, ctrl, AgentProfile{}, GenerationConfig{})
	scheduler := &captureScheduler{}
	proc.SetToolScheduler(scheduler)

	_, _ = proc.Process(startFrame())
	_ = ctrl.BeginResponse("utterance")
	_, _ = proc.Process(utteranceFrame("please transfer me over to sales"))
	drainQueue(ctrl.Queue())

	_ = ctrl.BeginResponse("utterance")
	_, _ = proc.Process(utteranceFrame("no thanks"))
	if len(scheduler.Calls()) != 0 {
		t.Fatalf("denied tool must not run")
	}
	sentences := drainQueue(ctrl.Queue())
	if len(sentences) == 0 || sentences[0].Text == "" {
		t.Fatalf("expected a spoken acknowledgement")
	}
	if ctrl.HasPendingTool() {
		t.Fatalf("pending tool should be discarded")
	}
}

func TestGenerationToolResultIsSpoken(t *testing.T) {
	ctrl := newTestController(t)
	store := history.NewMemoryStore()
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{})
	proc := NewGenerationProcessor(adapter, nil, store, ctrl, AgentProfile{}, GenerationConfig{})

	_, _ = proc.Process(startFrame())
	meta := map[string]string{
		frames.MetaStreamID:   "stream-1",
		frames.MetaCallSID:    "CA1",
		frames.MetaToolName:   "transfer_call",
		frames.MetaToolResult: "Transferring you to sales now.",
		frames.MetaToolStatus: "ok",
	}
	sf := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "tool_result", meta)
	if _, err := proc.Process(sf); err != nil {
		t.Fatalf("tool_result: %v", err)
	}
	sentences := drainQueue(ctrl.Queue())
	if len(sentences) != 2 || sentences[0].Text != "Transferring you to sales now." {
		t.Fatalf("expected spoken tool result, got %+v", sentences)
	}
	turns, _ := store.Recent(context.Background(), "CA1", 10)
	if len(turns) != 1 || turns[0].ToolName != "transfer_call" {
		t.Fatalf("tool result not recorded with tool name: %+v", turns)
	}
}

func TestGenerationFailedToolSpeaksApology(t *testing.T) {
	ctrl := newTestController(t)
	proc := NewGenerationProcessor(mockllm.NewLLMAdapter(mockllm.LLMConfig{}), nil, history.NewMemoryStore(), ctrl, AgentProfile{}, GenerationConfig{})
	_, _ = proc.Process(startFrame())
	meta := map[string]string{
		frames.MetaStreamID:   "stream-1",
		frames.MetaCallSID:    "CA1",
		frames.MetaToolName:   "call_webhook",
		frames.MetaToolResult: "",
		frames.MetaToolStatus: "error",
		frames.MetaToolError:  "boom",
	}
	sf := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "tool_result", meta)
	_, _ = proc.Process(sf)
	sentences := drainQueue(ctrl.Queue())
	if len(sentences) == 0 || sentences[0].Text != "I wasn't able to do that." {
		t.Fatalf("expected apology, got %+v", sentences)
	}
}

func TestGenerationAtMostOneActive(t *testing.T) {
	ctrl := newTestController(t)
	proc := NewGenerationProcessor(mockllm.NewLLMAdapter(mockllm.LLMConfig{}), nil, history.NewMemoryStore(), ctrl, AgentProfile{}, GenerationConfig{})
	_, _ = proc.Process(startFrame())
	_ = ctrl.BeginResponse("utterance")
	if !ctrl.TryBeginGeneration() {
		t.Fatalf("claim failed")
	}
	// With a generator already live, a second utterance is dropped.
	_, _ = proc.Process(utteranceFrame("hello again there"))
	if got := drainQueue(ctrl.Queue()); len(got) != 0 {
		t.Fatalf("expected no output while another generator is live, got %+v", got)
	}
	ctrl.EndGeneration()
}
