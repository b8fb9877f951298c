package turn

import (
	"testing"
	"time"
)

func TestCancelIsIdempotentPerResponse(t *testing.T) {
	c := NewController(ControllerOptions{QueueCapacity: 8})
	if err := c.Transition(PhaseListening, "start"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := c.BeginResponse("utterance"); err != nil {
		t.Fatalf("begin response: %v", err)
	}
	c.Queue().Push(Sentence{Text: "one"}, 0, nil)
	c.Queue().Push(Sentence{Text: "two"}, 0, nil)

	fired := 0
	for i := 0; i < 5; i++ {
		if c.Cancel("barge_in") {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("expected exactly one cancel, got %d", fired)
	}
	if c.Phase() != PhaseListening {
		t.Fatalf("expected listening after cancel, got %s", c.Phase())
	}
	if c.Queue().Len() != 0 {
		t.Fatalf("expected drained queue, got %d", c.Queue().Len())
	}
}

func TestCancelOutsideResponseIsNoop(t *testing.T) {
	c := NewController(ControllerOptions{})
	_ = c.Transition(PhaseListening, "start")
	if c.Cancel("barge_in") {
		t.Fatalf("cancel fired while listening")
	}
}

func TestCancelRearmsOnNextTurn(t *testing.T) {
	c := NewController(ControllerOptions{})
	_ = c.Transition(PhaseListening, "start")
	_ = c.BeginResponse("turn-1")
	if !c.Cancel("barge_in") {
		t.Fatalf("expected first cancel to fire")
	}
	if !c.Cancelled() {
		t.Fatalf("signal should stay latched until re-armed")
	}
	_ = c.BeginResponse("turn-2")
	if c.Cancelled() {
		t.Fatalf("signal should be re-armed on a new turn")
	}
	if !c.Cancel("barge_in") {
		t.Fatalf("expected cancel to fire again on the new turn")
	}
}

func TestCancelDoneObservableAcrossTurns(t *testing.T) {
	c := NewController(ControllerOptions{})
	_ = c.Transition(PhaseListening, "start")
	_ = c.BeginResponse("turn")
	done := c.CancelDone()
	select {
	case <-done:
		t.Fatalf("signal fired early")
	default:
	}
	c.Cancel("barge_in")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("done channel never closed")
	}
}

func TestBufferResetOnListeningEntry(t *testing.T) {
	c := NewController(ControllerOptions{})
	_ = c.Transition(PhaseListening, "start")
	c.Buffer().OnFinal("hello", time.Now())
	_ = c.BeginResponse("utterance")
	_ = c.Transition(PhaseListening, "tts_drained")
	if text, _, _, _ := c.Buffer().Snapshot(); text != "" {
		t.Fatalf("buffer not reset on listening entry: %q", text)
	}
}

func TestAtMostOneGenerator(t *testing.T) {
	c := NewController(ControllerOptions{})
	if !c.TryBeginGeneration() {
		t.Fatalf("first generator should start")
	}
	if c.TryBeginGeneration() {
		t.Fatalf("second generator started concurrently")
	}
	c.EndGeneration()
	if !c.TryBeginGeneration() {
		t.Fatalf("generator should start after release")
	}
}

func TestPendingToolStash(t *testing.T) {
	c := NewController(ControllerOptions{})
	_ = c.Transition(PhaseListening, "start")
	_ = c.BeginResponse("utterance")
	err := c.StashPendingTool(PendingTool{Name: "transfer_call", Params: map[string]string{"department": "sales"}})
	if err != nil {
		t.Fatalf("stash: %v", err)
	}
	if c.Phase() != PhaseAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", c.Phase())
	}
	tool, ok := c.TakePendingTool()
	if !ok || tool.Name != "transfer_call" {
		t.Fatalf("expected stashed tool, got %+v ok=%v", tool, ok)
	}
	if _, ok := c.TakePendingTool(); ok {
		t.Fatalf("pending tool should be consumed once")
	}
}

func TestSentenceQueueBlocksThenTimesOut(t *testing.T) {
	q := NewSentenceQueue(1)
	if !q.Push(Sentence{Text: "a"}, 0, nil) {
		t.Fatalf("first push should succeed")
	}
	start := time.Now()
	if q.Push(Sentence{Text: "b"}, 50*time.Millisecond, nil) {
		t.Fatalf("push into full queue should fail")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("push returned before the timeout")
	}
}
