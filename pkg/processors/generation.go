package processors

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/aggregators"
	"github.com/vocera-labs/voicebridge/pkg/errorsx"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/history"
	"github.com/vocera-labs/voicebridge/pkg/llm"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/rag"
	"github.com/vocera-labs/voicebridge/pkg/redact"
	"github.com/vocera-labs/voicebridge/pkg/resilience"
	"github.com/vocera-labs/voicebridge/pkg/toolmarker"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

// SentenceMetaEndOfResponse marks the sentinel queued after the last
// sentence of a response; the TTS drainer uses it to close the turn.
const SentenceMetaEndOfResponse = "end_of_response"

// AgentProfile is the read-only agent configuration one session runs with.
type AgentProfile struct {
	ID           string
	Name         string
	SystemPrompt string
	FirstMessage string
	VoiceID      string
	ModelName    string
	DynamicVars  map[string]string
}

// ToolScheduler accepts parsed tool markers for asynchronous execution.
type ToolScheduler interface {
	Schedule(meta map[string]string)
}

// GenerationConfig tunes the retrieval-augmented generation turn.
type GenerationConfig struct {
	HistoryWindow     int
	MaxTokens         int
	SentenceSoftLimit int
	MaxSentences      int
	QueuePushTimeout  time.Duration
	Farewell          string
	Apology           string
	ToolApology       string
	DenyAck           string
}

func (c GenerationConfig) withDefaults() GenerationConfig {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 6
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1200
	}
	if c.SentenceSoftLimit <= 0 {
		c.SentenceSoftLimit = 200
	}
	if c.MaxSentences <= 0 {
		c.MaxSentences = 10
	}
	if c.QueuePushTimeout <= 0 {
		c.QueuePushTimeout = 2 * time.Second
	}
	if c.Farewell == "" {
		c.Farewell = "Goodbye, take care."
	}
	if c.Apology == "" {
		c.Apology = "Sorry, I'm having trouble responding right now. Could you repeat that?"
	}
	if c.ToolApology == "" {
		c.ToolApology = "I wasn't able to do that."
	}
	if c.DenyAck == "" {
		c.DenyAck = "Understood, I won't do that. How else can I help?"
	}
	return c
}

// GenerationProcessor runs one RAG turn per fired utterance: intent
// gate, retrieval, token streaming, sentence segmentation, tool-marker
// scanning and sentence enqueueing. Every suspension point checks the
// session cancel signal.
type GenerationProcessor struct {
	adapter   llm.LLMAdapter
	retriever *rag.Retriever
	store     history.Store
	ctrl      *turn.Controller
	tools     ToolScheduler
	agent     AgentProfile
	cfg       GenerationConfig
	ctx       context.Context
	obs       metrics.Observer
	logger    *slog.Logger

	mu     sync.Mutex
	callID string
	from   string
}

func NewGenerationProcessor(adapter llm.LLMAdapter, retriever *rag.Retriever, store history.Store, ctrl *turn.Controller, agent AgentProfile, cfg GenerationConfig) *GenerationProcessor {
	return &GenerationProcessor{
		adapter:   adapter,
		retriever: retriever,
		store:     store,
		ctrl:      ctrl,
		agent:     agent,
		cfg:       cfg.withDefaults(),
		ctx:       context.Background(),
		logger:    logging.NewComponentLogger(slog.Default(), "generation"),
	}
}

func (p *GenerationProcessor) Name() string { return "generation" }

func (p *GenerationProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *GenerationProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetToolScheduler wires the asynchronous tool dispatcher.
func (p *GenerationProcessor) SetToolScheduler(s ToolScheduler) { p.tools = s }

func (p *GenerationProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		meta := sf.Meta()
		switch sf.Name() {
		case "call_start":
			p.mu.Lock()
			p.callID = meta[frames.MetaCallSID]
			p.from = meta[frames.MetaFromNumber]
			p.mu.Unlock()
		case "tool_result":
			p.onToolResult(sf)
		}
		return []frames.Frame{f}, nil
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] == "turn" {
			p.respond(tf)
			return []frames.Frame{f}, nil
		}
	}
	return []frames.Frame{f}, nil
}

func (p *GenerationProcessor) respond(tf frames.TextFrame) {
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return
	}
	if !p.ctrl.TryBeginGeneration() {
		p.logger.Warn("generation_already_active", slog.String("stream_id", tf.Meta()[frames.MetaStreamID]))
		return
	}
	defer p.ctrl.EndGeneration()

	meta := tf.Meta()
	streamID := meta[frames.MetaStreamID]
	traceID := meta[frames.MetaTraceID]
	intent := classifyIntent(text)
	p.logger.Info("utterance_received",
		slog.String("stream_id", streamID),
		slog.String("intent", intent.String()),
		slog.String("text", clipText(redact.Text(text))))
	p.record("intent_"+intent.String(), streamID, traceID)

	if pending, ok := p.ctrl.TakePendingTool(); ok {
		switch intent {
		case IntentConfirm:
			p.scheduleTool(pending.Name, pending.Params, meta)
			return
		case IntentDeny:
			p.speak(p.cfg.DenyAck, meta)
			p.appendHistory(text, p.cfg.DenyAck, "")
			p.finishResponse(meta, "")
			return
		default:
			// Anything else is a new utterance; the pending tool is
			// discarded and the turn proceeds normally.
			p.logger.Info("pending_tool_discarded", slog.String("tool", pending.Name))
		}
	}

	if intent == IntentGoodbye {
		farewell := p.cfg.Farewell
		p.speak(farewell, meta)
		p.appendHistory(text, farewell, "")
		p.finishResponse(meta, "user_goodbye")
		return
	}

	// Bind the upstream LLM call to the cancel signal so barge-in
	// reaches into a mid-stream read.
	turnCtx, cancelTurn := context.WithCancel(p.ctx)
	defer cancelTurn()
	cancelCh := p.ctrl.CancelDone()
	go func() {
		select {
		case <-cancelCh:
			cancelTurn()
		case <-turnCtx.Done():
		}
	}()

	contextBlock := ""
	if p.retriever != nil {
		contextBlock = p.retriever.ContextBlock(turnCtx, text)
	}
	turns := p.recentTurns()
	prompt := BuildPrompt(PromptConfig{
		SystemPrompt:  p.agent.SystemPrompt,
		DynamicVars:   p.agent.DynamicVars,
		HistoryWindow: p.cfg.HistoryWindow,
	}, turns, contextBlock, text)
	prompt.MaxTokens = p.cfg.MaxTokens

	stream, err := p.adapter.Stream(turnCtx, prompt)
	if err != nil {
		reason := errorsx.ReasonLLMStream
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		err = errorsx.Wrap(err, reason)
		p.logger.Error("llm_stream_error", "stream_id", streamID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.speak(p.cfg.Apology, meta)
		p.appendHistory(text, p.cfg.Apology, "")
		p.finishResponse(meta, "")
		return
	}

	splitter := aggregators.NewTextAggregator(aggregators.SplitterConfig{
		SoftLimit:    p.cfg.SentenceSoftLimit,
		MaxSentences: p.cfg.MaxSentences,
	})
	var full strings.Builder
	first := true
	cancelled := false
	for tok := range stream {
		if p.ctrl.Cancelled() {
			cancelled = true
			break
		}
		if first {
			first = false
			p.record("llm_first_token", streamID, traceID)
		}
		full.WriteString(tok)
		for _, sentence := range splitter.AddToken(tok) {
			if !p.handleSentence(sentence, meta) {
				cancelled = true
				break
			}
		}
		if cancelled {
			break
		}
	}
	if cancelled || p.ctrl.Cancelled() {
		p.record("llm_cancelled", streamID, traceID)
		return
	}
	if tail := splitter.Flush(); tail != "" {
		if !p.handleSentence(tail, meta) {
			return
		}
	}

	clean := toolmarker.Scan(full.String()).Clean
	if clean != "" || full.Len() > 0 {
		p.appendHistory(text, clean, "")
	}
	p.record("llm_done", streamID, traceID)
	p.recordWithFields("llm_output_text", streamID, traceID, map[string]any{"text": redact.Text(clean)})
	p.finishResponse(meta, "")
}

// handleSentence scans one completed sentence for tool markers, strips
// them, schedules the tools and enqueues the residual text for
// synthesis. Returns false when cancelled.
func (p *GenerationProcessor) handleSentence(sentence string, meta map[string]string) bool {
	res := toolmarker.Scan(sentence)
	for _, raw := range res.Malformed {
		p.logger.Warn("malformed_tool_marker",
			slog.String("stream_id", meta[frames.MetaStreamID]),
			slog.String("marker", clipText(raw)))
	}
	for _, m := range res.Markers {
		if m.Confirm {
			if err := p.ctrl.StashPendingTool(turn.PendingTool{
				Name:    m.Name,
				Params:  m.Params,
				Created: time.Now(),
			}); err != nil {
				p.logger.Warn("pending_tool_stash_failed", "error", err.Error())
			}
			continue
		}
		p.scheduleTool(m.Name, m.Params, meta)
	}
	spoken := normalizeForTTS(res.Clean)
	if spoken == "" {
		return !p.ctrl.Cancelled()
	}
	return p.speak(spoken, meta)
}

// speak enqueues one sentence, blocking briefly on a full queue.
func (p *GenerationProcessor) speak(text string, meta map[string]string) bool {
	sMeta := map[string]string{frames.MetaSource: "llm"}
	for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID, frames.MetaLanguage} {
		if v := meta[k]; v != "" {
			sMeta[k] = v
		}
	}
	ok := p.ctrl.Queue().Push(turn.Sentence{Text: text, Meta: sMeta}, p.cfg.QueuePushTimeout, p.ctrl.CancelDone())
	if !ok && !p.ctrl.Cancelled() {
		p.logger.Warn("sentence_queue_full", slog.String("stream_id", meta[frames.MetaStreamID]))
	}
	return ok
}

// finishResponse queues the end-of-response sentinel. endReason, when
// set, asks the TTS drainer to end the call after the queue drains.
func (p *GenerationProcessor) finishResponse(meta map[string]string, endReason string) {
	sMeta := map[string]string{SentenceMetaEndOfResponse: "true"}
	for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID} {
		if v := meta[k]; v != "" {
			sMeta[k] = v
		}
	}
	if endReason != "" {
		sMeta[frames.MetaCallEndReason] = endReason
	}
	p.ctrl.Queue().Push(turn.Sentence{Meta: sMeta}, p.cfg.QueuePushTimeout, p.ctrl.CancelDone())
}

func (p *GenerationProcessor) scheduleTool(name string, params map[string]string, meta map[string]string) {
	if p.tools == nil {
		p.logger.Warn("tool_scheduler_missing", slog.String("tool", name))
		p.speak(p.cfg.ToolApology, meta)
		p.finishResponse(meta, "")
		return
	}
	args, _ := json.Marshal(params)
	tMeta := map[string]string{
		frames.MetaToolName: name,
		frames.MetaToolArgs: string(args),
	}
	for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID} {
		if v := meta[k]; v != "" {
			tMeta[k] = v
		}
	}
	p.logger.Info("tool_scheduled",
		slog.String("tool", name),
		slog.String("stream_id", meta[frames.MetaStreamID]))
	p.record("tool_scheduled", meta[frames.MetaStreamID], meta[frames.MetaTraceID])
	p.tools.Schedule(tMeta)
}

// onToolResult speaks the executor's result as a synthetic assistant
// sentence and appends it to history with the tool name.
func (p *GenerationProcessor) onToolResult(sf frames.SystemFrame) {
	meta := sf.Meta()
	name := meta[frames.MetaToolName]
	result := strings.TrimSpace(meta[frames.MetaToolResult])
	status := meta[frames.MetaToolStatus]
	if status != "" && status != "ok" {
		p.logger.Warn("tool_failed",
			slog.String("tool", name),
			slog.String("status", status),
			slog.String("error", meta[frames.MetaToolError]))
		result = p.cfg.ToolApology
	}
	if result == "" {
		return
	}
	if p.ctrl.Phase() == turn.PhaseListening {
		if err := p.ctrl.BeginResponse("tool_result"); err != nil {
			return
		}
	}
	p.speak(result, meta)
	p.appendHistory("", result, name)
	endReason := ""
	if name == "end_call" && (status == "" || status == "ok") {
		endReason = "tool_end_call"
	}
	p.finishResponse(meta, endReason)
}

func (p *GenerationProcessor) recentTurns() []history.Turn {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	callID := p.callID
	p.mu.Unlock()
	turns, err := p.store.Recent(p.ctx, callID, p.cfg.HistoryWindow)
	if err != nil {
		p.logger.Warn("history_fetch_failed", "error", err.Error())
		return nil
	}
	return turns
}

func (p *GenerationProcessor) appendHistory(user, assistant, toolName string) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	callID := p.callID
	p.mu.Unlock()
	err := p.store.AppendTurn(p.ctx, callID, history.Turn{
		User:      user,
		Assistant: assistant,
		ToolName:  toolName,
		Timestamp: time.Now(),
	})
	if err != nil {
		p.logger.Warn("history_append_failed", "error", err.Error())
	}
}

func (p *GenerationProcessor) record(name, streamID, traceID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "generation"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.adapter != nil {
		tags["provider"] = p.adapter.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (p *GenerationProcessor) recordWithFields(name, streamID, traceID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "generation"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags, Fields: fields})
}

var _ pipeline.FrameProcessor = (*GenerationProcessor)(nil)
