package vad

import (
	"testing"
	"time"
)

func TestBaselineConvergence(t *testing.T) {
	stats := NewEnergyStats(8)
	for i := 0; i < 100; i++ {
		stats.UpdateBaseline(1000)
	}
	b := stats.Baseline()
	if b < 950 || b > 1050 {
		t.Fatalf("baseline did not converge: %f", b)
	}
}

func TestBaselineFloor(t *testing.T) {
	stats := NewEnergyStats(8)
	for i := 0; i < 200; i++ {
		stats.UpdateBaseline(0)
	}
	if b := stats.Baseline(); b < 50 {
		t.Fatalf("baseline fell below floor: %f", b)
	}
}

func TestBargeInFires(t *testing.T) {
	stats := NewEnergyStats(8)
	stats.SetBaseline(300)
	det := NewDetector(Config{
		Enabled:         true,
		MinEnergy:       500,
		BaselineFactor:  2.0,
		MinSpeech:       100 * time.Millisecond,
		Debounce:        300 * time.Millisecond,
		RequiredSamples: 2,
	}, stats)
	det.Arm()

	t0 := time.Now()
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	// Below threshold (max(500, 600) = 600): no speech window.
	if det.Observe(320, at(0)) || det.Observe(340, at(20)) {
		t.Fatalf("fired below threshold")
	}
	// High energy sustains; fires once the window and duration gates
	// are both met.
	if det.Observe(900, at(40)) {
		t.Fatalf("fired before required samples")
	}
	if det.Observe(950, at(90)) {
		t.Fatalf("fired before min speech duration")
	}
	if !det.Observe(930, at(140)) {
		t.Fatalf("expected barge-in at 100ms sustained speech")
	}
	// Disarmed after firing: nothing more until re-armed.
	if det.Observe(980, at(160)) {
		t.Fatalf("fired while disarmed")
	}
}

func TestDebounceBoundaryDoesNotDoubleFire(t *testing.T) {
	stats := NewEnergyStats(8)
	stats.SetBaseline(300)
	cfg := Config{
		Enabled:         true,
		MinEnergy:       500,
		BaselineFactor:  2.0,
		MinSpeech:       40 * time.Millisecond,
		Debounce:        300 * time.Millisecond,
		RequiredSamples: 2,
	}
	det := NewDetector(cfg, stats)
	det.Arm()

	t0 := time.Now()
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	det.Observe(900, at(0))
	det.Observe(900, at(20))
	if !det.Observe(900, at(40)) {
		t.Fatalf("expected first fire")
	}
	// Re-arm immediately; sustained speech exactly on the debounce
	// boundary fires once, not twice.
	det.Arm()
	det.Observe(900, at(250))
	if det.Observe(900, at(290)) {
		t.Fatalf("fired inside debounce window")
	}
	det.Observe(900, at(300))
	if !det.Observe(900, at(340)) {
		t.Fatalf("expected fire after debounce elapsed")
	}
}

func TestDisabledDetectorNeverFires(t *testing.T) {
	det := NewDetector(Config{Enabled: false}, nil)
	det.Arm()
	now := time.Now()
	for i := 0; i < 50; i++ {
		if det.Observe(30000, now.Add(time.Duration(i*20)*time.Millisecond)) {
			t.Fatalf("disabled detector fired")
		}
	}
}

func TestVADTimeoutClearsStuckWindow(t *testing.T) {
	stats := NewEnergyStats(8)
	stats.SetBaseline(300)
	det := NewDetector(Config{
		Enabled:         true,
		MinEnergy:       500,
		BaselineFactor:  2.0,
		MinSpeech:       10 * time.Second, // never satisfiable
		Debounce:        300 * time.Millisecond,
		RequiredSamples: 2,
		VADTimeout:      2 * time.Second,
	}, stats)
	det.Arm()

	t0 := time.Now()
	det.Observe(900, t0)
	det.Observe(900, t0.Add(20*time.Millisecond))
	// After the timeout the stale window is discarded and the speech
	// start resets to the current frame.
	det.Observe(900, t0.Add(3*time.Second))
	det.mu.Lock()
	start := det.speechStartAt
	det.mu.Unlock()
	if !start.Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("expected speech start reset, got %v", start)
	}
}
