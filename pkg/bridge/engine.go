package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/audio"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/history"
	"github.com/vocera-labs/voicebridge/pkg/llm"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/observers"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/processors"
	"github.com/vocera-labs/voicebridge/pkg/rag"
	"github.com/vocera-labs/voicebridge/pkg/redact"
	"github.com/vocera-labs/voicebridge/pkg/runner"
	"github.com/vocera-labs/voicebridge/pkg/transports"
	"github.com/vocera-labs/voicebridge/pkg/turn"
	"github.com/vocera-labs/voicebridge/pkg/vad"
)

type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	store     history.Store
	webhooks  *WebhookSender
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	sessions    map[string]*Session
	lastSendErr map[string]time.Time
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Injected collaborators; nil picks the configured/default ones.
	HistoryStore history.Store
	Embedder     rag.Embedder
	VectorStore  rag.VectorStore
	ToolExecutor processors.ToolExecutor
	// Optional extra stages.
	PreProcessors  []pipeline.FrameProcessor
	PostProcessors []pipeline.FrameProcessor
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("voicebridge_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	var costObs *observers.CostObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if cfg.Observability.Prometheus {
		obsList = append(obsList, observers.NewPrometheusObserver("voicebridge"))
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		costObs = observers.NewCostObserver(dir)
		obsList = append(obsList, timelineObs, costObs)
	}
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	e := &Engine{
		cfg:         cfg,
		transport:   opts.Transport,
		providers:   providers,
		asyncObs:    asyncObs,
		webhooks:    NewWebhookSender(cfg.Webhooks.URL),
		sessions:    make(map[string]*Session),
		lastSendErr: make(map[string]time.Time),
	}
	e.store = e.buildHistoryStore(opts)
	embedder, vectorStore := e.buildRAGBackends(opts)
	retriever := rag.NewRetriever(embedder, vectorStore, rag.Config{
		K:                  cfg.RAG.K,
		RelevanceThreshold: cfg.RAG.RelevanceThreshold,
		ContextTop:         cfg.RAG.ContextTop,
	})
	executor := opts.ToolExecutor
	if executor == nil {
		executor = &processors.BuiltinExecutor{Transfer: e.transferFunc()}
	}

	sink := e.buildSink()

	registry := pipeline.NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (pipeline.Orchestrator, error) {
		return e.buildCallPipeline(ctx, callSID, streamID, traceID, retriever, executor, sink)
	})
	e.registry = registry

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "VoiceBridge Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if costObs != nil {
				_ = costObs.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		e.mu.Lock()
		sessions := make([]*Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()
		for _, s := range sessions {
			s.End(history.StatusDisconnected)
		}
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	e.runner = pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// buildCallPipeline assembles one call's processor chain and turn
// controller. The seven call-level workers are the orchestrator stage
// goroutines plus the assembler ticker, the TTS drainer and the
// session watchdog/cancel observer pair.
func (e *Engine) buildCallPipeline(ctx context.Context, callSID, streamID, traceID string, retriever *rag.Retriever, executor processors.ToolExecutor, sink func(frames.Frame)) (pipeline.Orchestrator, error) {
	cfg := e.cfg

	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	ctrl.SetStreamID(streamID)
	ring := audio.NewRing(cfg.Engine.STTReplayChunks)
	stats := vad.NewEnergyStats(8)
	det := vad.NewDetector(e.detectorConfig(), stats)

	intake := processors.NewMediaIntakeProcessor(ctrl, det, ring)
	intake.SetObserver(e.asyncObs)

	sttFactory, err := e.providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
	if err != nil {
		return nil, err
	}
	sttProc := processors.NewSTTProcessor(sttFactory, ring)
	sttProc.SetObserver(e.asyncObs)
	sttProc.SetContext(ctx)

	dtmf := processors.NewDTMFDisambiguator(processors.DTMFDisambiguatorConfig{PreferDTMF: true})
	normalizer := processors.NewTextNormalizer(processors.TextNormalizerConfig{
		Replacements: cfg.STT.Replacements,
	})

	assembler := processors.NewTurnAssembler(ctrl, processors.TurnAssemblerConfig{
		Gate: e.gateConfig(),
		Tick: time.Duration(cfg.Turn.TickMS) * time.Millisecond,
	})
	assembler.SetObserver(e.asyncObs)
	assembler.SetContext(ctx)

	baseAdapter, err := e.providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return nil, err
	}
	llmAdapter := llm.NewCircuitBreakerAdapter(baseAdapter, nil)
	llmAdapter.SetObserver(e.asyncObs)
	generation := processors.NewGenerationProcessor(llmAdapter, retriever, e.store, ctrl, e.agentProfile(), processors.GenerationConfig{
		HistoryWindow: cfg.LLM.HistoryWindow,
		MaxTokens:     cfg.LLM.MaxTokens,
	})
	generation.SetObserver(e.asyncObs)
	generation.SetContext(ctx)

	dispatcher := processors.NewToolDispatcher(executor, nil, processors.ToolDispatcherOptions{
		Concurrency:       cfg.Tools.Concurrency,
		Timeout:           time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond,
		Retries:           cfg.Tools.Retries,
		RetryBackoff:      time.Duration(cfg.Tools.RetryBackoffMS) * time.Millisecond,
		SerializeByStream: cfg.Tools.SerializeByStream,
	})
	dispatcher.SetContext(ctx)
	generation.SetToolScheduler(dispatcher)

	recovery := processors.NewRecoveryProcessor(ctrl, processors.RecoveryConfig{})

	ttsFactory, err := e.providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, err
	}
	ttsProc := processors.NewTTSProcessor(ttsFactory, ctrl, processors.TTSStreamConfig{})
	ttsProc.SetObserver(e.asyncObs)
	if ttsSink := e.ttsSink(); ttsSink != nil {
		ttsProc.SetSink(ttsSink)
	}
	ttsProc.SetContext(ctx)

	builder := pipeline.NewVoiceAgentBuilder().
		WithAcoustic(intake).
		WithSTT(sttProc).
		WithProcessor(dtmf).
		WithProcessor(normalizer).
		WithTurnManager(assembler).
		WithProcessor(recovery).
		WithLLM(generation).
		WithProcessor(dispatcher).
		WithTTS(ttsProc)

	orch := builder.Build(cfg.Pipeline)
	orch.SetContext(ctx)
	orch.SetObserver(e.asyncObs)
	orch.SetSink(sink)
	dispatcher.SetInput(orch.In())

	session := NewSession(SessionOptions{
		CallID:     callSID,
		StreamID:   streamID,
		TraceID:    traceID,
		Agent:      e.agentProfile(),
		Ctrl:       ctrl,
		Store:      e.store,
		Webhooks:   e.webhooks,
		Transport:  e.transport,
		Inactivity: time.Duration(cfg.Call.InactivityTimeoutSec) * time.Second,
		OnEnd: func() {
			e.removeSession(callSID)
		},
	})
	e.mu.Lock()
	e.sessions[callSID] = session
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		sttProc.CloseAll()
	}()

	return orch, nil
}

func (e *Engine) detectorConfig() vad.Config {
	cfg := e.cfg
	enabled := cfg.Interrupt.Enabled
	if cfg.Agent.InterruptEnabled != nil {
		enabled = *cfg.Agent.InterruptEnabled
	}
	return vad.Config{
		Enabled:         enabled,
		MinEnergy:       cfg.Interrupt.MinEnergy,
		BaselineFactor:  cfg.Interrupt.BaselineFactor,
		MinSpeech:       time.Duration(cfg.Interrupt.MinSpeechMS) * time.Millisecond,
		Debounce:        time.Duration(cfg.Interrupt.DebounceMS) * time.Millisecond,
		RequiredSamples: cfg.Interrupt.RequiredSamples,
		VADTimeout:      time.Duration(cfg.Interrupt.VADTimeoutMS) * time.Millisecond,
	}
}

func (e *Engine) gateConfig() turn.GateConfig {
	cfg := e.cfg
	silence := cfg.Turn.SilenceThresholdSec
	if cfg.Agent.SilenceThresholdSec != nil {
		silence = *cfg.Agent.SilenceThresholdSec
	}
	return turn.GateConfig{
		SilenceThreshold: time.Duration(silence * float64(time.Second)),
		InterimEnabled:   cfg.Turn.InterimProcessingEnabled,
		InterimMinLength: cfg.Turn.InterimMinLength,
		InterimSilence:   time.Duration(cfg.Turn.InterimSilenceSec * float64(time.Second)),
		PartialGap:       time.Duration(cfg.Turn.PartialGapMS) * time.Millisecond,
	}
}

func (e *Engine) agentProfile() processors.AgentProfile {
	a := e.cfg.Agent
	return processors.AgentProfile{
		Name:         a.Name,
		SystemPrompt: a.SystemPrompt,
		FirstMessage: a.FirstMessage,
		VoiceID:      a.VoiceID,
		ModelName:    a.ModelName,
	}
}

func (e *Engine) buildHistoryStore(opts EngineOptions) history.Store {
	if opts.HistoryStore != nil {
		return opts.HistoryStore
	}
	if url := strings.TrimSpace(e.cfg.Stores.DatabaseURL); url != "" {
		store, err := history.NewPostgresStore(context.Background(), url)
		if err == nil {
			return store
		}
		slog.Error("history_store_connect_failed", "error", err.Error())
	}
	return history.NewMemoryStore()
}

func (e *Engine) buildRAGBackends(opts EngineOptions) (rag.Embedder, rag.VectorStore) {
	embedder := opts.Embedder
	if embedder == nil {
		if provider := e.cfg.Vendors.Embedder.Provider; provider != "" {
			if built, err := e.providers.BuildEmbedder(provider, e.cfg); err == nil {
				embedder = built
			} else {
				slog.Error("embedder_build_failed", "provider", provider, "error", err.Error())
			}
		}
	}
	if embedder == nil {
		embedder = rag.NewHashEmbedder(256)
	}
	store := opts.VectorStore
	if store == nil {
		if provider := e.cfg.Vendors.Vector.Provider; provider != "" {
			if built, err := e.providers.BuildVectorStore(provider, e.cfg); err == nil {
				store = built
			} else {
				slog.Error("vector_store_build_failed", "provider", provider, "error", err.Error())
			}
		}
	}
	if store == nil {
		if url := strings.TrimSpace(e.cfg.Stores.DatabaseURL); url != "" {
			if pg, err := rag.NewPostgresStore(context.Background(), url); err == nil {
				store = pg
			} else {
				slog.Error("vector_store_connect_failed", "error", err.Error())
			}
		}
	}
	if store == nil {
		store = rag.NewMemoryStore()
	}
	return embedder, store
}

func (e *Engine) transferFunc() processors.TransferFunc {
	return func(ctx context.Context, callSID, department string) error {
		t, ok := e.transport.(transports.CallTransferrer)
		if !ok {
			return fmt.Errorf("transport %s cannot transfer calls", e.transport.Name())
		}
		return t.TransferCall(ctx, callSID, department)
	}
}

// deliver forwards one frame to the transport with outbound accounting
// and end_call interception. It returns the transport's error verbatim
// (including transports.ErrBackpressure) so the TTS streamer can wait
// out a saturated carrier instead of losing frames.
func (e *Engine) deliver(f frames.Frame) error {
	meta := f.Meta()
	callSID := meta[frames.MetaCallSID]
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == "end_call" {
			e.endCall(callSID, history.StatusCompleted)
		}
		return nil
	}
	if f.Kind() == frames.KindAudio {
		e.mu.Lock()
		session := e.sessions[callSID]
		e.mu.Unlock()
		if session != nil {
			session.MarkProgress()
		}
		if e.asyncObs != nil {
			af := f.(frames.AudioFrame)
			fields := map[string]any{
				"sample_rate": af.Rate(),
				"channels":    af.Channels(),
			}
			if e.cfg.Observability.RecordAudio {
				fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
			}
			e.asyncObs.RecordEvent(metrics.MetricsEvent{
				Name: "audio_out",
				Time: time.Now(),
				Tags: map[string]string{
					frames.MetaStreamID: meta[frames.MetaStreamID],
					frames.MetaTraceID:  meta[frames.MetaTraceID],
					frames.MetaCallSID:  callSID,
					"component":         "transport",
				},
				Fields: fields,
			})
		}
	}
	return e.transport.Send(f)
}

// buildSink is the orchestrator-facing sink: control and heartbeat
// frames may be shed under backpressure, while hard send failures feed
// the degradation ladder.
func (e *Engine) buildSink() func(frames.Frame) {
	if e.transport == nil {
		return nil
	}
	return func(f frames.Frame) {
		if err := e.deliver(f); err != nil && !errors.Is(err, transports.ErrBackpressure) {
			e.onSendError(f.Meta()[frames.MetaCallSID], f.Meta()[frames.MetaStreamID], err)
		}
	}
}

// ttsSink is the media-facing sink: backpressure is surfaced to the
// TTS streamer, which waits and aborts the sentence on timeout.
func (e *Engine) ttsSink() func(frames.Frame) error {
	if e.transport == nil {
		return nil
	}
	return func(f frames.Frame) error {
		err := e.deliver(f)
		if err != nil && !errors.Is(err, transports.ErrBackpressure) {
			e.onSendError(f.Meta()[frames.MetaCallSID], f.Meta()[frames.MetaStreamID], err)
		}
		return err
	}
}

// onSendError cancels the current response like a barge-in; a second
// failure within one second ends the session as failed.
func (e *Engine) onSendError(callSID, streamID string, err error) {
	slog.Warn("transport_send_error", "call_sid", callSID, "stream_id", streamID, "error", err.Error())
	e.mu.Lock()
	last, seen := e.lastSendErr[callSID]
	e.lastSendErr[callSID] = time.Now()
	session := e.sessions[callSID]
	e.mu.Unlock()
	if session == nil {
		return
	}
	if seen && time.Since(last) < time.Second {
		e.endCall(callSID, history.StatusFailed)
		return
	}
	session.Ctrl.Cancel("transport_send_error")
}

func (e *Engine) endCall(callSID string, status history.Status) {
	if callSID == "" {
		return
	}
	e.mu.Lock()
	session := e.sessions[callSID]
	e.mu.Unlock()
	if session != nil {
		session.End(status)
		return
	}
	e.registry.Remove(callSID)
}

func (e *Engine) removeSession(callSID string) {
	e.mu.Lock()
	delete(e.sessions, callSID)
	delete(e.lastSendErr, callSID)
	e.mu.Unlock()
	e.registry.Remove(callSID)
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			streamID := meta[frames.MetaStreamID]
			traceID := meta[frames.MetaTraceID]
			if callSID == "" || streamID == "" {
				// Frame before the carrier start event; it is
				// dropped, never fatal.
				continue
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == "call_end" {
					e.endCall(callSID, statusFromReason(meta[frames.MetaCallEndReason]))
					continue
				}
			}
			sess, created, err := e.registry.GetOrCreate(callSID, streamID, traceID)
			if err != nil {
				slog.Error("session_create_failed", "call_sid", callSID, "error", err.Error())
				continue
			}
			e.mu.Lock()
			callSession := e.sessions[callSID]
			e.mu.Unlock()
			if callSession != nil {
				callSession.MarkActivity()
				if created {
					if from := meta[frames.MetaFromNumber]; from != "" {
						callSession.phoneNumber = from
					}
					callSession.Start(sess.Ctx)
				}
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

func statusFromReason(reason string) history.Status {
	switch reason {
	case "completed", "":
		return history.StatusCompleted
	case "failed", "busy", "no_answer":
		return history.StatusFailed
	default:
		return history.StatusDisconnected
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func SetDefaultLogger(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }

func (e *Engine) HistoryStore() history.Store { return e.store }

// Session returns the live session for a call, if any.
func (e *Engine) Session(callSID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[callSID]
	return s, ok
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
