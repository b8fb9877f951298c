package processors

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/audio"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
	"github.com/vocera-labs/voicebridge/pkg/turn"
	"github.com/vocera-labs/voicebridge/pkg/vad"
)

// MediaIntakeProcessor is the first pipeline stage. For every inbound
// µ-law frame it computes RMS energy, maintains the background-noise
// baseline while the agent is silent, and drives the barge-in detector
// while the agent speaks. On barge-in it runs the controller's cancel
// handler; it emits no control frames itself (the session's cancel
// observer pushes the carrier clear).
type MediaIntakeProcessor struct {
	ctrl   *turn.Controller
	det    *vad.Detector
	ring   *audio.Ring
	obs    metrics.Observer
	logger *slog.Logger
}

func NewMediaIntakeProcessor(ctrl *turn.Controller, det *vad.Detector, ring *audio.Ring) *MediaIntakeProcessor {
	p := &MediaIntakeProcessor{
		ctrl:   ctrl,
		det:    det,
		ring:   ring,
		logger: logging.NewComponentLogger(slog.Default(), "media_intake"),
	}
	// Arm the detector only while the agent is speaking; it re-arms on
	// every transition into the responding phase.
	ctrl.AddListener(phaseListenerFunc(func(ev turn.PhaseChange) {
		switch ev.ToPhase {
		case turn.PhaseResponding:
			det.Arm()
		case turn.PhaseAwaitingConfirmation:
			// Stays armed: the agent keeps speaking while it waits
			// for the user's yes/no.
		default:
			det.Disarm()
		}
	}))
	return p
}

func (p *MediaIntakeProcessor) Name() string { return "media_intake" }

func (p *MediaIntakeProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *MediaIntakeProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		// Frame arrived before the carrier's start event; discard.
		frames.ReleaseAudioFrame(f)
		return nil, nil
	}
	p.ctrl.SetStreamID(streamID)

	payload := af.RawPayload()
	if p.ring != nil {
		p.ring.Push(payload)
	}

	energy := audio.ULawEnergy(payload)
	meta[frames.MetaEnergy] = strconv.Itoa(energy)
	now := time.Now()

	switch p.ctrl.Phase() {
	case turn.PhaseResponding, turn.PhaseAwaitingConfirmation:
		if p.det.Observe(energy, now) {
			p.logger.Info("barge_in_detected",
				slog.String("stream_id", streamID),
				slog.Int("energy", energy),
				slog.Float64("threshold", p.det.Threshold()))
			p.record("barge_in", streamID, meta[frames.MetaTraceID])
			// Cancel fires the session signal, drains the sentence
			// queue and returns the phase to listening; the session's
			// cancel observer pushes the carrier clear.
			p.ctrl.Cancel("barge_in")
		}
	default:
		p.det.Stats().UpdateBaseline(energy)
	}

	// Re-emit with the energy tag so downstream stages see it.
	return []frames.Frame{frames.NewAudioFrame(streamID, af.PTS(), payload, af.Rate(), af.Channels(), meta)}, nil
}

func (p *MediaIntakeProcessor) record(name, streamID, traceID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "intake"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

type phaseListenerFunc func(turn.PhaseChange)

func (f phaseListenerFunc) OnPhaseChange(ev turn.PhaseChange) { f(ev) }

var _ pipeline.FrameProcessor = (*MediaIntakeProcessor)(nil)
