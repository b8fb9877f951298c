package vad

import (
	"sync"
	"time"
)

const baselineFloor = 50

// EnergyStats tracks the rolling background-noise baseline and the most
// recent per-frame energies for one stream.
type EnergyStats struct {
	mu              sync.Mutex
	baseline        float64
	window          []int
	windowSize      int
	speechStartAt   time.Time
	lastInterruptAt time.Time
}

func NewEnergyStats(windowSize int) *EnergyStats {
	if windowSize <= 0 {
		windowSize = 8
	}
	return &EnergyStats{
		baseline:   baselineFloor,
		windowSize: windowSize,
	}
}

// UpdateBaseline folds one energy sample into the rolling baseline.
// Callers only invoke this while the agent is not speaking, so the
// baseline converges on background noise rather than on TTS playback.
func (e *EnergyStats) UpdateBaseline(energy int) {
	e.mu.Lock()
	e.baseline = 0.95*e.baseline + 0.05*float64(energy)
	if e.baseline < baselineFloor {
		e.baseline = baselineFloor
	}
	e.mu.Unlock()
}

func (e *EnergyStats) Baseline() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline
}

// SetBaseline seeds the baseline, e.g. from a per-call override.
func (e *EnergyStats) SetBaseline(b float64) {
	e.mu.Lock()
	if b < baselineFloor {
		b = baselineFloor
	}
	e.baseline = b
	e.mu.Unlock()
}
