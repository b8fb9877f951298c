package turn

import (
	"sync"
	"sync/atomic"
	"time"
)

// PendingTool is a confirmed-form tool stashed while the session waits
// for the user's yes/no.
type PendingTool struct {
	Name    string
	Params  map[string]string
	Created time.Time
}

// Controller owns the per-call mutable turn state: the phase machine,
// the utterance buffer, the sentence queue and the edge-triggered
// cancel signal. One Controller exists per session and is shared by
// reference across that session's processors.
type Controller struct {
	sm     *stateMachine
	buffer *TurnBuffer
	cancel *CancelSignal
	queue  *SentenceQueue

	mu        sync.Mutex
	pending   *PendingTool
	streamID  string
	genActive atomic.Bool
}

type ControllerOptions struct {
	QueueCapacity int
}

func NewController(opts ControllerOptions) *Controller {
	return &Controller{
		sm:     newStateMachine(),
		buffer: NewTurnBuffer(),
		cancel: NewCancelSignal(),
		queue:  NewSentenceQueue(opts.QueueCapacity),
	}
}

func (c *Controller) Phase() Phase             { return c.sm.Phase() }
func (c *Controller) Buffer() *TurnBuffer      { return c.buffer }
func (c *Controller) Queue() *SentenceQueue    { return c.queue }
func (c *Controller) CancelDone() <-chan struct{} { return c.cancel.Done() }
func (c *Controller) Cancelled() bool          { return c.cancel.Fired() }

func (c *Controller) AddListener(l PhaseListener) { c.sm.AddListener(l) }

func (c *Controller) SetStreamID(id string) {
	c.mu.Lock()
	c.streamID = id
	c.mu.Unlock()
}

func (c *Controller) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// Transition moves the phase machine. Entering the listening phase
// resets the turn buffer atomically.
func (c *Controller) Transition(to Phase, reason string) error {
	if err := c.sm.Transition(to, reason); err != nil {
		return err
	}
	if to == PhaseListening {
		c.buffer.Reset()
	}
	return nil
}

// BeginResponse re-arms the cancel signal and enters the responding
// phase for a new turn.
func (c *Controller) BeginResponse(reason string) error {
	c.cancel.Arm()
	return c.Transition(PhaseResponding, reason)
}

// Cancel implements barge-in: fires the cancel signal once per
// responding phase, drains the sentence queue and returns to
// listening. The session's cancel observer watches the signal and
// pushes the carrier clear. Repeated calls within one responding
// phase are no-ops.
func (c *Controller) Cancel(reason string) bool {
	switch c.Phase() {
	case PhaseResponding, PhaseAwaitingConfirmation:
	default:
		return false
	}
	if !c.cancel.Fire() {
		return false
	}
	c.queue.Drain()
	_ = c.Transition(PhaseListening, reason)
	return true
}

// ResponseComplete returns to listening after the TTS queue drains
// without interruption.
func (c *Controller) ResponseComplete() {
	if c.Phase() == PhaseResponding {
		_ = c.Transition(PhaseListening, "tts_drained")
	}
}

// TryBeginGeneration enforces the at-most-one-generator invariant.
func (c *Controller) TryBeginGeneration() bool {
	return c.genActive.CompareAndSwap(false, true)
}

func (c *Controller) EndGeneration() {
	c.genActive.Store(false)
}

func (c *Controller) GenerationActive() bool {
	return c.genActive.Load()
}

// StashPendingTool records a confirmed-form tool awaiting the user's
// yes/no and moves the session to the confirmation phase.
func (c *Controller) StashPendingTool(t PendingTool) error {
	c.mu.Lock()
	c.pending = &t
	c.mu.Unlock()
	return c.Transition(PhaseAwaitingConfirmation, "tool_requires_confirm")
}

// TakePendingTool removes and returns the stashed tool, if any.
func (c *Controller) TakePendingTool() (PendingTool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingTool{}, false
	}
	t := *c.pending
	c.pending = nil
	return t, true
}

func (c *Controller) HasPendingTool() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}
