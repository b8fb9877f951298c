package processors

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/adapters/tts"
	"github.com/vocera-labs/voicebridge/pkg/audio"
	"github.com/vocera-labs/voicebridge/pkg/errorsx"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/redact"
	"github.com/vocera-labs/voicebridge/pkg/resilience"
	"github.com/vocera-labs/voicebridge/pkg/transports"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

// TTSStreamConfig tunes the synthesis-to-carrier path.
type TTSStreamConfig struct {
	// InputRate is the PCM rate requested from the synthesis provider.
	InputRate int
	// OutputRate is the carrier rate after resampling.
	OutputRate int
	// FrameBytes is one carrier frame (160 µ-law bytes = 20ms at 8kHz).
	FrameBytes int
	// BackpressureTimeout aborts a sentence when the outbound channel
	// stays full this long.
	BackpressureTimeout time.Duration
	// StartTimeout bounds the wait for the first synthesis chunk.
	StartTimeout time.Duration
	// IdleTimeout ends a sentence after this long without a new chunk.
	IdleTimeout time.Duration
}

func (c TTSStreamConfig) withDefaults() TTSStreamConfig {
	if c.InputRate <= 0 {
		c.InputRate = 16000
	}
	if c.OutputRate <= 0 {
		c.OutputRate = 8000
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = 160
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = 500 * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 3 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 400 * time.Millisecond
	}
	return c
}

// TTSProcessor is the single per-session worker draining the sentence
// queue. Each sentence gets its own streaming synthesis channel; PCM is
// resampled to the carrier rate, µ-law encoded and emitted in 20ms
// frames as soon as enough audio is buffered. The cancel signal is
// checked between frames.
type TTSProcessor struct {
	factory   func(callSID, streamID string) tts.StreamingTTS
	ctrl      *turn.Controller
	cfg       TTSStreamConfig
	sink      func(frames.Frame) error
	out       chan frames.Frame
	resampler *audio.Resampler
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryPolicy
	ctx       context.Context
	obs       metrics.Observer
	logger    *slog.Logger

	mu         sync.Mutex
	started    bool
	firstAudio bool
	provider   string
}

func NewTTSProcessor(factory func(callSID, streamID string) tts.StreamingTTS, ctrl *turn.Controller, cfg TTSStreamConfig) *TTSProcessor {
	cfg = cfg.withDefaults()
	return &TTSProcessor{
		factory:   factory,
		ctrl:      ctrl,
		cfg:       cfg,
		out:       make(chan frames.Frame, 512),
		resampler: audio.NewResampler(cfg.InputRate, cfg.OutputRate),
		breaker:   resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:     resilience.NewRetryPolicy(2, 200*time.Millisecond),
		ctx:       context.Background(),
		logger:    logging.NewComponentLogger(slog.Default(), "tts_streamer"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_streamer" }

// SetSink routes synthesised frames straight to the transport so
// playback never waits on upstream pipeline stages. The sink must
// return transports.ErrBackpressure when the carrier cannot accept a
// frame, so the streamer can wait and, on timeout, abort the sentence.
// Without a sink, frames surface on the next Process call instead.
func (p *TTSProcessor) SetSink(sink func(frames.Frame) error) { p.sink = sink }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

// SetContext binds the drainer to the session lifetime and starts it.
func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	p.ctx = ctx
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.drainLoop(ctx)
}

// Process forwards pipeline frames and flushes any synthesised audio
// accumulated since the previous frame. Inbound audio arrives every
// 20ms, so the flush cadence tracks the carrier clock.
func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	out := p.drain()
	out = append(out, f)
	return append(out, p.drain()...), nil
}

func (p *TTSProcessor) drain() []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f := <-p.out:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (p *TTSProcessor) drainLoop(ctx context.Context) {
	for {
		sentence, ok := p.ctrl.Queue().Pop(ctx.Done())
		if !ok {
			return
		}
		if sentence.Meta[SentenceMetaEndOfResponse] == "true" {
			p.onEndOfResponse(sentence)
			continue
		}
		if p.ctrl.Cancelled() {
			// Stale sentence that raced the cancel drain.
			continue
		}
		p.synthesize(ctx, sentence)
	}
}

func (p *TTSProcessor) onEndOfResponse(s turn.Sentence) {
	p.mu.Lock()
	p.firstAudio = false
	p.mu.Unlock()
	if reason := s.Meta[frames.MetaCallEndReason]; reason != "" {
		meta := map[string]string{frames.MetaCallEndReason: reason, frames.MetaSource: "tts"}
		for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID} {
			if v := s.Meta[k]; v != "" {
				meta[k] = v
			}
		}
		p.emit(frames.NewSystemFrame(s.Meta[frames.MetaStreamID], time.Now().UnixNano(), "end_call", meta))
		return
	}
	p.ctrl.ResponseComplete()
}

func (p *TTSProcessor) synthesize(ctx context.Context, s turn.Sentence) {
	streamID := s.Meta[frames.MetaStreamID]
	callSID := s.Meta[frames.MetaCallSID]
	cancelCh := p.ctrl.CancelDone()

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		p.logger.Warn("tts_circuit_open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
		return
	}

	p.logger.Info("tts_sentence",
		slog.String("stream_id", streamID),
		slog.String("text", clipText(redact.Text(s.Text))))

	var session tts.StreamingTTS
	err := p.retry.Do(func() error {
		session = p.factory(callSID, streamID)
		if err := session.Start(p.ctx); err != nil {
			return err
		}
		if sender, ok := session.(flushSender); ok {
			return sender.SendTextWithOptions(s.Text, true)
		}
		return session.SendText(s.Text)
	})
	if err != nil {
		// Drop this sentence and move on to the next in queue.
		err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		p.logger.Error("tts_sentence_failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.breaker.OnError(err)
		p.record("tts_sentence_dropped", streamID)
		return
	}
	p.breaker.OnSuccess()
	defer session.Close()
	p.mu.Lock()
	if p.provider == "" {
		p.provider = session.Name()
	}
	p.mu.Unlock()

	var ulawBuf []byte
	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()
	gotAudio := false

	flushFrames := func(final bool) bool {
		for len(ulawBuf) >= p.cfg.FrameBytes {
			chunk := ulawBuf[:p.cfg.FrameBytes]
			ulawBuf = ulawBuf[p.cfg.FrameBytes:]
			if !p.emitMedia(chunk, s.Meta, cancelCh) {
				return false
			}
		}
		if final && len(ulawBuf) > 0 {
			chunk := make([]byte, p.cfg.FrameBytes)
			for i := range chunk {
				chunk[i] = audio.ULawSilence
			}
			copy(chunk, ulawBuf)
			ulawBuf = nil
			return p.emitMedia(chunk, s.Meta, cancelCh)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cancelCh:
			// Barge-in: close upstream immediately, drop buffered bytes.
			p.record("tts_cancelled", streamID)
			return
		case f, ok := <-session.Results():
			if !ok {
				flushFrames(true)
				return
			}
			af, isAudio := f.(frames.AudioFrame)
			if !isAudio {
				if cf, isCtrl := f.(frames.ControlFrame); isCtrl && cf.Code() == frames.ControlAudioReady {
					flushFrames(true)
					return
				}
				continue
			}
			raw := af.RawPayload()
			if len(raw) == 0 {
				continue
			}
			if af.Meta()[frames.MetaEncoding] == "mulaw" {
				ulawBuf = append(ulawBuf, raw...)
			} else {
				pcm8 := p.resampler.Process(raw)
				ulawBuf = append(ulawBuf, audio.EncodeULaw(pcm8)...)
			}
			if !gotAudio {
				gotAudio = true
				p.recordFirstAudio(streamID)
			}
			if !flushFrames(false) {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.IdleTimeout)
		case <-timer.C:
			// Synthesis went quiet; drain residual bytes and finish.
			flushFrames(true)
			if !gotAudio {
				p.logger.Warn("tts_no_audio", slog.String("stream_id", streamID))
				p.record("tts_sentence_dropped", streamID)
			}
			return
		}
	}
}

// emitMedia pushes one µ-law frame toward the transport, honoring the
// backpressure timeout. A timeout cancels the rest of the response.
func (p *TTSProcessor) emitMedia(chunk []byte, meta map[string]string, cancelCh <-chan struct{}) bool {
	fMeta := map[string]string{
		frames.MetaEncoding: "mulaw",
		frames.MetaCodec:    "ulaw",
		frames.MetaSource:   "tts",
	}
	for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID} {
		if v := meta[k]; v != "" {
			fMeta[k] = v
		}
	}
	streamID := meta[frames.MetaStreamID]
	af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk, p.cfg.OutputRate, 1, fMeta)
	if p.sink != nil {
		deadline := time.Now().Add(p.cfg.BackpressureTimeout)
		for {
			select {
			case <-cancelCh:
				return false
			default:
			}
			err := p.sink(af)
			if err == nil {
				return true
			}
			if !errors.Is(err, transports.ErrBackpressure) {
				// Hard send failure; the engine's send-error ladder
				// already cancelled or ended the call.
				return false
			}
			if time.Now().After(deadline) {
				return p.abortForBackpressure(streamID)
			}
			timer := time.NewTimer(20 * time.Millisecond)
			select {
			case <-cancelCh:
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
	}
	timer := time.NewTimer(p.cfg.BackpressureTimeout)
	defer timer.Stop()
	select {
	case p.out <- af:
		return true
	case <-cancelCh:
		return false
	case <-timer.C:
		return p.abortForBackpressure(streamID)
	}
}

// abortForBackpressure treats a saturated carrier as a cancellation of
// the rest of the response.
func (p *TTSProcessor) abortForBackpressure(streamID string) bool {
	p.logger.Warn("tts_backpressure_abort", slog.String("stream_id", streamID))
	p.record("tts_backpressure_abort", streamID)
	p.ctrl.Cancel("backpressure")
	return false
}

func (p *TTSProcessor) emit(f frames.Frame) {
	if p.sink != nil {
		if err := p.sink(f); err != nil {
			p.logger.Warn("tts_emit_failed", slog.String("error", err.Error()))
		}
		return
	}
	select {
	case p.out <- f:
	default:
	}
}

func (p *TTSProcessor) recordFirstAudio(streamID string) {
	p.mu.Lock()
	if p.firstAudio {
		p.mu.Unlock()
		return
	}
	p.firstAudio = true
	p.mu.Unlock()
	p.record("tts_first_audio", streamID)
}

func (p *TTSProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "tts"}
	p.mu.Lock()
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.mu.Unlock()
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
