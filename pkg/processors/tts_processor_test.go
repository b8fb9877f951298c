package processors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/adapters/tts"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	mocktts "github.com/vocera-labs/voicebridge/pkg/providers/mock"
	"github.com/vocera-labs/voicebridge/pkg/transports"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *frameCollector) sink(f frames.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *frameCollector) audio() []frames.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frames.AudioFrame
	for _, f := range c.frames {
		if af, ok := f.(frames.AudioFrame); ok {
			out = append(out, af)
		}
	}
	return out
}

func (c *frameCollector) systems() []frames.SystemFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frames.SystemFrame
	for _, f := range c.frames {
		if sf, ok := f.(frames.SystemFrame); ok {
			out = append(out, sf)
		}
	}
	return out
}

func mockTTSFactory(callSID, streamID string) tts.StreamingTTS {
	return mocktts.NewTTS(mocktts.TTSConfig{
		StreamID:       streamID,
		CallSID:        callSID,
		SampleRate:     16000,
		Channels:       1,
		EmitAudioReady: true,
	})
}

func sentenceMeta() map[string]string {
	return map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA1",
		frames.MetaSource:   "llm",
	}
}

func TestTTSStreamerEmitsCarrierFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	_ = ctrl.Transition(turn.PhaseListening, "test")
	_ = ctrl.BeginResponse("utterance")

	collector := &frameCollector{}
	proc := NewTTSProcessor(mockTTSFactory, ctrl, TTSStreamConfig{})
	proc.SetSink(collector.sink)
	proc.SetContext(ctx)

	ctrl.Queue().Push(turn.Sentence{Text: "Hello caller.", Meta: sentenceMeta()}, time.Second, nil)
	ctrl.Queue().Push(turn.Sentence{Meta: map[string]string{
		SentenceMetaEndOfResponse: "true",
		frames.MetaStreamID:       "stream-1",
	}}, time.Second, nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(collector.audio()) > 0 && ctrl.Phase() == turn.PhaseListening {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	audio := collector.audio()
	if len(audio) == 0 {
		t.Fatalf("no carrier frames emitted")
	}
	for _, af := range audio {
		if len(af.RawPayload()) != 160 {
			t.Fatalf("expected 160-byte frames, got %d", len(af.RawPayload()))
		}
		if af.Rate() != 8000 {
			t.Fatalf("expected 8kHz frames, got %d", af.Rate())
		}
		if af.Meta()[frames.MetaEncoding] != "mulaw" {
			t.Fatalf("expected mulaw frames")
		}
	}
	if ctrl.Phase() != turn.PhaseListening {
		t.Fatalf("expected listening after drain, got %s", ctrl.Phase())
	}
}

func TestTTSStreamerEndOfCallSentinel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	_ = ctrl.Transition(turn.PhaseListening, "test")
	_ = ctrl.BeginResponse("utterance")

	collector := &frameCollector{}
	proc := NewTTSProcessor(mockTTSFactory, ctrl, TTSStreamConfig{})
	proc.SetSink(collector.sink)
	proc.SetContext(ctx)

	ctrl.Queue().Push(turn.Sentence{Meta: map[string]string{
		SentenceMetaEndOfResponse: "true",
		frames.MetaStreamID:       "stream-1",
		frames.MetaCallSID:        "CA1",
		frames.MetaCallEndReason:  "user_goodbye",
	}}, time.Second, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(collector.systems()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	systems := collector.systems()
	if len(systems) != 1 || systems[0].Name() != "end_call" {
		t.Fatalf("expected end_call frame, got %+v", systems)
	}
	if systems[0].Meta()[frames.MetaCallEndReason] != "user_goodbye" {
		t.Fatalf("expected end reason preserved")
	}
}

// A carrier that keeps refusing frames must abort the sentence within
// the backpressure timeout and cancel the rest of the response.
func TestTTSStreamerBackpressureAbortsAndCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	_ = ctrl.Transition(turn.PhaseListening, "test")
	_ = ctrl.BeginResponse("utterance")

	delivered := 0
	proc := NewTTSProcessor(mockTTSFactory, ctrl, TTSStreamConfig{
		BackpressureTimeout: 60 * time.Millisecond,
	})
	proc.SetSink(func(f frames.Frame) error {
		if f.Kind() == frames.KindAudio {
			return transports.ErrBackpressure
		}
		delivered++
		return nil
	})
	proc.SetContext(ctx)

	ctrl.Queue().Push(turn.Sentence{Text: "Hello caller.", Meta: sentenceMeta()}, time.Second, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Cancelled() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ctrl.Cancelled() {
		t.Fatalf("backpressure did not cancel the response")
	}
	if ctrl.Phase() != turn.PhaseListening {
		t.Fatalf("expected listening after backpressure abort, got %s", ctrl.Phase())
	}
	if delivered != 0 {
		t.Fatalf("no non-audio frames expected, got %d", delivered)
	}
}

func TestTTSStreamerSkipsStaleSentenceAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := turn.NewController(turn.ControllerOptions{QueueCapacity: 8})
	_ = ctrl.Transition(turn.PhaseListening, "test")
	_ = ctrl.BeginResponse("utterance")

	collector := &frameCollector{}
	proc := NewTTSProcessor(mockTTSFactory, ctrl, TTSStreamConfig{})
	proc.SetSink(collector.sink)

	// Cancel first, then start the drainer: the already-queued
	// sentence must be discarded, not spoken.
	ctrl.Queue().Push(turn.Sentence{Text: "stale", Meta: sentenceMeta()}, time.Second, nil)
	ctrl.Cancel("barge_in")
	ctrl.Queue().Push(turn.Sentence{Text: "stale two", Meta: sentenceMeta()}, time.Second, nil)
	proc.SetContext(ctx)

	time.Sleep(300 * time.Millisecond)
	if got := collector.audio(); len(got) != 0 {
		t.Fatalf("stale sentences were spoken: %d frames", len(got))
	}
}
