package processors

import (
	"bytes"
	"testing"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/audio"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/metrics"
	"github.com/vocera-labs/voicebridge/pkg/turn"
	"github.com/vocera-labs/voicebridge/pkg/vad"
)

func loudULawFrame() frames.AudioFrame {
	// µ-law 0x00 decodes to the most negative sample; the RMS is huge.
	payload := bytes.Repeat([]byte{0x00}, 160)
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA1",
		frames.MetaEncoding: "mulaw",
	}
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), payload, 8000, 1, meta)
}

func quietULawFrame() frames.AudioFrame {
	payload := bytes.Repeat([]byte{audio.ULawSilence}, 160)
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA1",
		frames.MetaEncoding: "mulaw",
	}
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), payload, 8000, 1, meta)
}

func newIntakeUnderTest(t *testing.T) (*MediaIntakeProcessor, *turn.Controller, *vad.Detector) {
	t.Helper()
	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	det := vad.NewDetector(vad.Config{
		Enabled:         true,
		MinEnergy:       500,
		BaselineFactor:  2.0,
		MinSpeech:       time.Nanosecond,
		Debounce:        300 * time.Millisecond,
		RequiredSamples: 2,
	}, vad.NewEnergyStats(8))
	intake := NewMediaIntakeProcessor(ctrl, det, audio.NewRing(10))
	if err := ctrl.Transition(turn.PhaseListening, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return intake, ctrl, det
}

func TestIntakeBargeInCancelsResponse(t *testing.T) {
	intake, ctrl, _ := newIntakeUnderTest(t)
	obs := metrics.NewMemoryObserver()
	intake.SetObserver(obs)
	if err := ctrl.BeginResponse("utterance"); err != nil {
		t.Fatalf("begin response: %v", err)
	}
	ctrl.Queue().Push(turn.Sentence{Text: "queued"}, 0, nil)

	// Sustained loud speech while the agent talks trips the detector.
	for i := 0; i < 5 && ctrl.Phase() == turn.PhaseResponding; i++ {
		if _, err := intake.Process(loudULawFrame()); err != nil {
			t.Fatalf("process: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if ctrl.Phase() != turn.PhaseListening {
		t.Fatalf("expected listening after barge-in, got %s", ctrl.Phase())
	}
	if ctrl.Queue().Len() != 0 {
		t.Fatalf("sentence queue not drained on barge-in")
	}
	if !ctrl.Cancelled() {
		t.Fatalf("cancel signal not latched")
	}
	sawEvent := false
	for _, ev := range obs.Events {
		if ev.Name == "barge_in" {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Fatalf("barge_in event not recorded")
	}
}

func TestIntakeUpdatesBaselineWhileListening(t *testing.T) {
	intake, _, det := newIntakeUnderTest(t)
	before := det.Stats().Baseline()
	for i := 0; i < 50; i++ {
		if _, err := intake.Process(loudULawFrame()); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if det.Stats().Baseline() <= before {
		t.Fatalf("baseline did not rise with loud input while listening")
	}
}

func TestIntakeDetectorRearmsPerResponse(t *testing.T) {
	intake, ctrl, _ := newIntakeUnderTest(t)
	_ = ctrl.BeginResponse("turn-1")
	for i := 0; i < 5 && ctrl.Phase() == turn.PhaseResponding; i++ {
		_, _ = intake.Process(loudULawFrame())
		time.Sleep(time.Millisecond)
	}
	if ctrl.Phase() != turn.PhaseListening {
		t.Fatalf("first barge-in did not fire")
	}
	// Next turn re-arms the detector after the debounce window.
	time.Sleep(350 * time.Millisecond)
	_ = ctrl.BeginResponse("turn-2")
	for i := 0; i < 5 && ctrl.Phase() == turn.PhaseResponding; i++ {
		_, _ = intake.Process(loudULawFrame())
		time.Sleep(time.Millisecond)
	}
	if ctrl.Phase() != turn.PhaseListening {
		t.Fatalf("detector did not re-arm for the second response")
	}
}

func TestIntakeDiscardsFramesWithoutStream(t *testing.T) {
	intake, _, _ := newIntakeUnderTest(t)
	af := frames.NewAudioFrame("", time.Now().UnixNano(), bytes.Repeat([]byte{0xFF}, 160), 8000, 1, nil)
	out, err := intake.Process(af)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected frame discarded before stream start")
	}
}

func TestIntakeTagsEnergyAndBuffersRing(t *testing.T) {
	ctrl := turn.NewController(turn.ControllerOptions{})
	ring := audio.NewRing(10)
	det := vad.NewDetector(vad.Config{Enabled: true}, vad.NewEnergyStats(8))
	intake := NewMediaIntakeProcessor(ctrl, det, ring)
	_ = ctrl.Transition(turn.PhaseListening, "test")

	out, err := intake.Process(quietULawFrame())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected passthrough frame")
	}
	if out[0].Meta()[frames.MetaEnergy] != "0" {
		t.Fatalf("expected energy tag, got %q", out[0].Meta()[frames.MetaEnergy])
	}
	if ring.Len() != 1 {
		t.Fatalf("expected ring to buffer the frame")
	}
}
