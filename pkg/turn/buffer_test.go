package turn

import (
	"testing"
	"time"
)

func TestFinalAppendsToUnterminatedBuffer(t *testing.T) {
	b := NewTurnBuffer()
	now := time.Now()
	b.OnFinal("hello there", now)
	b.OnFinal("how are you", now.Add(100*time.Millisecond))
	text, isFinal, _, _ := b.Snapshot()
	if text != "hello there how are you" {
		t.Fatalf("expected appended buffer, got %q", text)
	}
	if !isFinal {
		t.Fatalf("expected final")
	}
}

func TestFinalReplacesTerminatedBuffer(t *testing.T) {
	b := NewTurnBuffer()
	now := time.Now()
	b.OnFinal("I am done.", now)
	b.OnFinal("next question", now.Add(time.Second))
	text, _, _, _ := b.Snapshot()
	if text != "next question" {
		t.Fatalf("expected replacement, got %q", text)
	}
}

func TestPartialOverwritesUntilFinal(t *testing.T) {
	b := NewTurnBuffer()
	now := time.Now()
	b.OnPartial("hel", now)
	b.OnPartial("hello", now.Add(50*time.Millisecond))
	text, isFinal, _, _ := b.Snapshot()
	if text != "hello" || isFinal {
		t.Fatalf("expected partial buffer, got %q final=%v", text, isFinal)
	}
	// A partial after a final must not clobber the committed text.
	b.OnFinal("hello there", now.Add(100*time.Millisecond))
	b.OnPartial("noise", now.Add(150*time.Millisecond))
	text, _, _, _ = b.Snapshot()
	if text != "hello there" {
		t.Fatalf("partial clobbered final: %q", text)
	}
}

// The STT flap scenario: a partial, silence, then a final, then
// silence. The gate fires exactly once with the final text.
func TestGateFiresOnceForFlappingSTT(t *testing.T) {
	b := NewTurnBuffer()
	cfg := GateConfig{
		SilenceThreshold: 800 * time.Millisecond,
		PartialGap:       300 * time.Millisecond,
	}
	t0 := time.Now()
	b.OnPartial("hello", t0)
	if b.ShouldFire(cfg, t0.Add(200*time.Millisecond)) {
		t.Fatalf("fired on a short partial without interim mode")
	}
	b.OnFinal("hello there", t0.Add(200*time.Millisecond))
	if b.ShouldFire(cfg, t0.Add(500*time.Millisecond)) {
		t.Fatalf("fired before silence threshold")
	}
	fireAt := t0.Add(200*time.Millisecond + 850*time.Millisecond)
	if !b.ShouldFire(cfg, fireAt) {
		t.Fatalf("expected fire after silence")
	}
	if got := b.Take(); got != "hello there" {
		t.Fatalf("expected utterance, got %q", got)
	}
	// Buffer reset: no second fire.
	if b.ShouldFire(cfg, fireAt.Add(time.Second)) {
		t.Fatalf("fired twice for one utterance")
	}
}

// Interim fast path: a long-enough partial dispatches after the short
// interim silence without waiting for the final.
func TestGateInterimFastPath(t *testing.T) {
	b := NewTurnBuffer()
	cfg := GateConfig{
		SilenceThreshold: 800 * time.Millisecond,
		InterimEnabled:   true,
		InterimMinLength: 8,
		InterimSilence:   50 * time.Millisecond,
		PartialGap:       300 * time.Millisecond,
	}
	t0 := time.Now()
	b.OnPartial("I want to schedule a meeting", t0)
	if b.ShouldFire(cfg, t0.Add(20*time.Millisecond)) {
		t.Fatalf("fired before interim silence")
	}
	if !b.ShouldFire(cfg, t0.Add(60*time.Millisecond)) {
		t.Fatalf("expected fast-path fire after 50ms")
	}
}

func TestGateInterimTooShortDoesNotFire(t *testing.T) {
	b := NewTurnBuffer()
	cfg := GateConfig{
		SilenceThreshold: 800 * time.Millisecond,
		InterimEnabled:   true,
		InterimMinLength: 8,
		InterimSilence:   50 * time.Millisecond,
	}
	t0 := time.Now()
	b.OnPartial("hi", t0)
	if b.ShouldFire(cfg, t0.Add(5*time.Second)) {
		t.Fatalf("short partial must not fire in fast-path mode")
	}
}

func TestGateDeterministicForRecordedSequence(t *testing.T) {
	cfg := GateConfig{SilenceThreshold: 800 * time.Millisecond, PartialGap: 300 * time.Millisecond}
	run := func() time.Duration {
		b := NewTurnBuffer()
		t0 := time.Unix(1000, 0)
		b.OnPartial("what services", t0)
		b.OnFinal("what services do you provide", t0.Add(400*time.Millisecond))
		for ms := 0; ms < 3000; ms += 50 {
			at := t0.Add(time.Duration(ms) * time.Millisecond)
			if b.ShouldFire(cfg, at) {
				return at.Sub(t0)
			}
		}
		return -1
	}
	first := run()
	if first < 0 {
		t.Fatalf("gate never fired")
	}
	for i := 0; i < 5; i++ {
		if got := run(); got != first {
			t.Fatalf("gate not deterministic: %v vs %v", got, first)
		}
	}
}

func TestEmptyBufferNeverFires(t *testing.T) {
	b := NewTurnBuffer()
	cfg := GateConfig{}
	if b.ShouldFire(cfg, time.Now()) {
		t.Fatalf("empty buffer fired")
	}
}
