package processors

import (
	"sync"

	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

type RecoveryConfig struct {
	// MaxAttempts bounds spoken apologies per stream; beyond it the
	// fallback stays silent.
	MaxAttempts int
	PromptText  string
}

// RecoveryProcessor turns upstream fallback signals (STT circuit open,
// reconnect exhausted) into a short spoken apology instead of an
// engineering-flavoured error, then returns the session to listening.
type RecoveryProcessor struct {
	cfg    RecoveryConfig
	ctrl   *turn.Controller
	mu     sync.Mutex
	counts map[string]int
}

func NewRecoveryProcessor(ctrl *turn.Controller, cfg RecoveryConfig) *RecoveryProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.PromptText == "" {
		cfg.PromptText = "Sorry, I'm having a little trouble hearing you. Could you say that again?"
	}
	return &RecoveryProcessor{
		cfg:    cfg,
		ctrl:   ctrl,
		counts: make(map[string]int),
	}
}

func (r *RecoveryProcessor) Name() string { return "recovery" }

func (r *RecoveryProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		return []frames.Frame{f}, nil
	}
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			r.reset(streamID)
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFallback && r.bump(streamID) {
			r.speakApology(cf.Meta())
		}
	}
	return []frames.Frame{f}, nil
}

func (r *RecoveryProcessor) speakApology(meta map[string]string) {
	if r.ctrl.Phase() == turn.PhaseListening {
		if err := r.ctrl.BeginResponse("recovery"); err != nil {
			return
		}
	}
	sMeta := map[string]string{frames.MetaSource: "system", frames.MetaRecoveryReason: "fallback"}
	for _, k := range []string{frames.MetaStreamID, frames.MetaCallSID, frames.MetaTraceID} {
		if v := meta[k]; v != "" {
			sMeta[k] = v
		}
	}
	r.ctrl.Queue().Push(turn.Sentence{Text: r.cfg.PromptText, Meta: sMeta}, 0, nil)
	end := map[string]string{SentenceMetaEndOfResponse: "true", frames.MetaStreamID: sMeta[frames.MetaStreamID]}
	r.ctrl.Queue().Push(turn.Sentence{Meta: end}, 0, nil)
}

func (r *RecoveryProcessor) bump(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[streamID]++
	return r.counts[streamID] <= r.cfg.MaxAttempts
}

func (r *RecoveryProcessor) reset(streamID string) {
	r.mu.Lock()
	delete(r.counts, streamID)
	r.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*RecoveryProcessor)(nil)
