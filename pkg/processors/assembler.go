package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/redact"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

// TurnAssemblerConfig tunes the end-of-turn gate.
type TurnAssemblerConfig struct {
	Gate turn.GateConfig
	// Tick is the gate evaluation period (at most 50ms).
	Tick time.Duration
}

// TurnAssembler folds STT partial/final events into the session's
// TurnBuffer and fires the utterance when the end-of-turn gate opens.
// The gate runs on its own ticker; fired utterances surface on the
// emit channel and are drained into the pipeline on the next frame.
type TurnAssembler struct {
	cfg    TurnAssemblerConfig
	ctrl   *turn.Controller
	emitCh chan frames.Frame
	obs    metrics.Observer
	logger *slog.Logger

	mu       sync.Mutex
	lastMeta map[string]string
	started  bool
}

func NewTurnAssembler(ctrl *turn.Controller, cfg TurnAssemblerConfig) *TurnAssembler {
	if cfg.Tick <= 0 || cfg.Tick > 50*time.Millisecond {
		cfg.Tick = 50 * time.Millisecond
	}
	return &TurnAssembler{
		cfg:    cfg,
		ctrl:   ctrl,
		emitCh: make(chan frames.Frame, 8),
		logger: logging.NewComponentLogger(slog.Default(), "turn_assembler"),
	}
}

func (p *TurnAssembler) Name() string { return "turn_assembler" }

func (p *TurnAssembler) SetObserver(obs metrics.Observer) { p.obs = obs }

// SetContext starts the gate ticker bound to the session lifetime.
func (p *TurnAssembler) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.tickLoop(ctx)
}

func (p *TurnAssembler) Process(f frames.Frame) ([]frames.Frame, error) {
	var out []frames.Frame
	out = append(out, p.drain()...)

	if f.Kind() == frames.KindText {
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] == "stt" {
			p.onSTTEvent(tf)
			// STT events terminate here; the assembled utterance is
			// what travels further down the pipeline.
			out = append(out, p.drain()...)
			return out, nil
		}
	}

	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlDTMF {
			// DTMF is an out-of-band confirm/deny channel; fold the
			// digit into the buffer as a committed recognition.
			if digit := cf.Meta()[frames.MetaDTMFDigit]; digit != "" {
				p.mu.Lock()
				p.lastMeta = cf.Meta()
				p.mu.Unlock()
				p.ctrl.Buffer().OnFinal("DTMF input: "+digit, time.Now())
			}
		}
	}

	out = append(out, f)
	out = append(out, p.drain()...)
	return out, nil
}

func (p *TurnAssembler) onSTTEvent(tf frames.TextFrame) {
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return
	}
	meta := tf.Meta()
	p.mu.Lock()
	p.lastMeta = meta
	p.mu.Unlock()

	now := time.Now()
	buf := p.ctrl.Buffer()
	if isFinal(meta) {
		buf.OnFinal(text, now)
	} else {
		buf.OnPartial(text, now)
	}
}

func (p *TurnAssembler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.evaluate(now)
		}
	}
}

func (p *TurnAssembler) evaluate(now time.Time) {
	switch p.ctrl.Phase() {
	case turn.PhaseListening, turn.PhaseAwaitingConfirmation:
	default:
		return
	}
	if !p.ctrl.Buffer().ShouldFire(p.cfg.Gate, now) {
		return
	}
	utterance := p.ctrl.Buffer().Take()
	if utterance == "" {
		return
	}
	if err := p.ctrl.BeginResponse("utterance"); err != nil {
		p.logger.Warn("utterance_transition_failed", "error", err.Error())
		return
	}

	p.mu.Lock()
	src := p.lastMeta
	p.mu.Unlock()
	meta := map[string]string{
		frames.MetaSource:  "turn",
		frames.MetaIsFinal: "true",
	}
	for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID, frames.MetaFromNumber, frames.MetaLanguage} {
		if v := src[k]; v != "" {
			meta[k] = v
		}
	}
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		streamID = p.ctrl.StreamID()
		meta[frames.MetaStreamID] = streamID
	}
	p.logger.Info("utterance_fired",
		slog.String("stream_id", streamID),
		slog.String("text", clipText(redact.Text(utterance))))
	p.record("utterance", streamID, meta[frames.MetaTraceID])

	select {
	case p.emitCh <- frames.NewTextFrame(streamID, now.UnixNano(), utterance, meta):
	default:
		p.logger.Warn("utterance_emit_dropped", slog.String("stream_id", streamID))
	}
}

func (p *TurnAssembler) drain() []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f := <-p.emitCh:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (p *TurnAssembler) record(name, streamID, traceID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "assembler"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func isFinal(meta map[string]string) bool {
	v := strings.ToLower(meta[frames.MetaIsFinal])
	return v == "true" || v == "1" || v == "yes"
}

var _ pipeline.FrameProcessor = (*TurnAssembler)(nil)
