package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/adapters/stt"
	"github.com/vocera-labs/voicebridge/pkg/audio"
	"github.com/vocera-labs/voicebridge/pkg/errorsx"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/redact"
	"github.com/vocera-labs/voicebridge/pkg/resilience"
)

// STTProcessor forwards inbound µ-law audio to the streaming STT
// upstream (decoded and resampled to 16kHz linear PCM) and drains
// recognition events back into the pipeline. A bounded replay ring is
// resent after a reconnect so the tail of the utterance survives a
// transient upstream failure.
type STTProcessor struct {
	mu        sync.Mutex
	sessions  map[string]stt.StreamingSTT
	factory   func(callSID, streamID string) stt.StreamingSTT
	upsample  map[string]*audio.Resampler
	ring      *audio.Ring
	ctx       context.Context
	obs       metrics.Observer
	trace     map[string]string
	retry     resilience.RetryPolicy
	breaker   *resilience.CircuitBreaker
	logger    *slog.Logger
	provider  string
	openState bool
}

func NewSTTProcessor(factory func(callSID, streamID string) stt.StreamingSTT, ring *audio.Ring) *STTProcessor {
	return &STTProcessor{
		sessions: make(map[string]stt.StreamingSTT),
		factory:  factory,
		upsample: make(map[string]*audio.Resampler),
		ring:     ring,
		trace:    make(map[string]string),
		retry:    resilience.RetryPolicy{MaxRetries: 0, Backoff: 200 * time.Millisecond},
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:   logging.NewComponentLogger(slog.Default(), "stt_processor"),
	}
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			if streamID := sf.Meta()[frames.MetaStreamID]; streamID != "" {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}

	if !p.breaker.Allow() {
		p.setBreakerOpen(true, streamID)
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setBreakerOpen(false, streamID)

	session, err := p.getOrCreate(streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		p.logger.Warn("stt_session_error",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.breaker.OnError(err)
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setProviderFromSession(session)

	upstream := p.toUpstreamFrame(streamID, af)
	if err := session.SendAudio(upstream); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		p.logger.Warn("stt_send_error",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		// Close and reopen once, replaying the buffered tail; on a
		// second failure fall back to the spoken apology path.
		replayed := false
		retryErr := p.retry.Do(func() error {
			p.CloseStream(streamID)
			session, err = p.getOrCreate(streamID, callSID)
			if err != nil {
				return err
			}
			if !replayed {
				p.replayToSession(streamID, session)
				replayed = true
			}
			return session.SendAudio(p.toUpstreamFrame(streamID, af))
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonSTTRetry)
			p.logger.Warn("stt_retry_error",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(retryErr))),
				slog.String("error", retryErr.Error()))
			p.breaker.OnError(retryErr)
			frames.ReleaseAudioFrame(f)
			return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
		}
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(f)

	// Heartbeat keeps downstream drains ticking at the carrier rate.
	heartbeat := frames.NewSystemFrame(streamID, af.PTS(), "heartbeat", nil)
	out := []frames.Frame{heartbeat}
	out = append(out, p.drainResults(session.Results(), streamID)...)
	return out, nil
}

// toUpstreamFrame converts a µ-law 8kHz carrier frame into the 16kHz
// linear PCM the recognition upstream expects.
func (p *STTProcessor) toUpstreamFrame(streamID string, af frames.AudioFrame) frames.AudioFrame {
	raw := af.RawPayload()
	if af.Meta()[frames.MetaEncoding] != "mulaw" {
		return af
	}
	pcm8 := audio.DecodeULaw(raw)
	p.mu.Lock()
	rs := p.upsample[streamID]
	if rs == nil {
		rs = audio.NewResampler(8000, 16000)
		p.upsample[streamID] = rs
	}
	p.mu.Unlock()
	pcm16 := rs.Process(pcm8)
	meta := af.Meta()
	meta[frames.MetaEncoding] = "linear16"
	delete(meta, frames.MetaCodec)
	return frames.NewAudioFrame(streamID, af.PTS(), pcm16, 16000, 1, meta)
}

func (p *STTProcessor) getOrCreate(streamID, callSID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if session, ok := p.sessions[streamID]; ok {
		return session, nil
	}
	session := p.factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := session.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[streamID] = session
	return session, nil
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if session, ok := p.sessions[streamID]; ok {
		_ = session.Close()
		delete(p.sessions, streamID)
	}
	delete(p.trace, streamID)
	delete(p.upsample, streamID)
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, session := range p.sessions {
		_ = session.Close()
		delete(p.sessions, id)
	}
	p.trace = make(map[string]string)
	p.upsample = make(map[string]*audio.Resampler)
}

// replayToSession resends the buffered µ-law tail after a reconnect.
func (p *STTProcessor) replayToSession(streamID string, session stt.StreamingSTT) {
	if p.ring == nil || session == nil {
		return
	}
	for _, chunk := range p.ring.Snapshot() {
		meta := map[string]string{
			frames.MetaStreamID: streamID,
			frames.MetaEncoding: "mulaw",
		}
		af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk, 8000, 1, meta)
		_ = session.SendAudio(p.toUpstreamFrame(streamID, af))
	}
}

func (p *STTProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() == frames.KindText {
				tf := f.(frames.TextFrame)
				if tf.Meta()[frames.MetaIsFinal] == "true" {
					p.logFinal(streamID, tf.Text())
					p.record("stt_final", streamID)
				}
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)

func (p *STTProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *STTProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *STTProcessor) setProviderFromSession(session stt.StreamingSTT) {
	if session == nil || p.provider != "" {
		return
	}
	p.provider = session.Name()
}

func (p *STTProcessor) setBreakerOpen(open bool, streamID string) {
	if p.openState == open {
		return
	}
	p.openState = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		p.logger.Warn("stt_circuit_open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonSTTCircuitOpen)))
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}

func (p *STTProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "stt"}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (p *STTProcessor) logFinal(streamID, text string) {
	safe := redact.Text(text)
	p.logger.Info("stt_final",
		slog.String("stream_id", streamID),
		slog.String("trace_id", p.getTrace(streamID)),
		slog.String("text", clipText(safe)))
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}
