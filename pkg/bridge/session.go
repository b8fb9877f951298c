package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/history"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/processors"
	"github.com/vocera-labs/voicebridge/pkg/transports"
	"github.com/vocera-labs/voicebridge/pkg/turn"
)

// Session is the per-call controller: it owns the phase machine via
// the turn controller, supervises the call-level workers with an
// errgroup bound to the call context, and runs cleanup exactly once.
type Session struct {
	CallID   string
	StreamID string
	TraceID  string
	Agent    processors.AgentProfile
	Ctrl     *turn.Controller

	store      history.Store
	webhooks   *WebhookSender
	transport  transports.Transport
	inactivity time.Duration
	logger     *slog.Logger

	startedAt    time.Time
	phoneNumber  string
	lastActivity atomic.Int64
	lastProgress atomic.Int64
	endOnce      sync.Once
	cancelFn     context.CancelFunc
	onEnd        func()
}

// respondingStallTimeout bounds dead air while the agent is supposed
// to be speaking: a responding phase that produces no outbound audio
// for this long is a stall and gets cut like a barge-in.
const respondingStallTimeout = 3 * time.Second

type SessionOptions struct {
	CallID      string
	StreamID    string
	TraceID     string
	PhoneNumber string
	Agent       processors.AgentProfile
	Ctrl        *turn.Controller
	Store       history.Store
	Webhooks    *WebhookSender
	Transport   transports.Transport
	Inactivity  time.Duration
	OnEnd       func()
}

func NewSession(opts SessionOptions) *Session {
	if opts.Inactivity <= 0 {
		opts.Inactivity = 30 * time.Second
	}
	s := &Session{
		CallID:      opts.CallID,
		StreamID:    opts.StreamID,
		TraceID:     opts.TraceID,
		Agent:       opts.Agent,
		Ctrl:        opts.Ctrl,
		store:       opts.Store,
		webhooks:    opts.Webhooks,
		transport:   opts.Transport,
		inactivity:  opts.Inactivity,
		phoneNumber: opts.PhoneNumber,
		startedAt:   time.Now(),
		onEnd:       opts.OnEnd,
		logger: logging.NewComponentLogger(slog.Default(), "session").With(
			slog.String("call_id", opts.CallID),
			slog.String("stream_id", opts.StreamID)),
	}
	s.MarkActivity()
	s.MarkProgress()
	// Each entry into the responding phase restarts the stall clock.
	s.Ctrl.AddListener(sessionPhaseListener(func(ev turn.PhaseChange) {
		if ev.ToPhase == turn.PhaseResponding {
			s.MarkProgress()
		}
	}))
	return s
}

type sessionPhaseListener func(turn.PhaseChange)

func (f sessionPhaseListener) OnPhaseChange(ev turn.PhaseChange) { f(ev) }

// Start launches the call-level workers and speaks the first message.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancelFn = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watchdog(gctx) })
	g.Go(func() error { return s.cancelObserver(gctx) })
	go func() {
		_ = g.Wait()
	}()

	s.webhooks.Send("call.started", map[string]any{
		"call_id":  s.CallID,
		"agent_id": s.Agent.ID,
	})
	s.greet()
}

// greet enqueues the agent's first message, or goes straight to
// listening when none is configured.
func (s *Session) greet() {
	first := s.Agent.FirstMessage
	if first == "" {
		_ = s.Ctrl.Transition(turn.PhaseListening, "no_first_message")
		return
	}
	for k, v := range s.Agent.DynamicVars {
		first = replaceVar(first, k, v)
	}
	if err := s.Ctrl.BeginResponse("greeting"); err != nil {
		s.logger.Warn("greeting_transition_failed", "error", err.Error())
		return
	}
	meta := map[string]string{
		frames.MetaStreamID: s.StreamID,
		frames.MetaCallSID:  s.CallID,
		frames.MetaTraceID:  s.TraceID,
		frames.MetaSource:   "llm",
	}
	s.Ctrl.Queue().Push(turn.Sentence{Text: first, Meta: meta}, time.Second, nil)
	s.Ctrl.Queue().Push(turn.Sentence{Meta: map[string]string{
		processors.SentenceMetaEndOfResponse: "true",
		frames.MetaStreamID:                  s.StreamID,
		frames.MetaCallSID:                   s.CallID,
	}}, time.Second, nil)
	_ = s.store.AppendTurn(context.Background(), s.CallID, history.Turn{
		User:      "[Call Started]",
		Assistant: first,
		Timestamp: time.Now(),
	})
}

// MarkActivity feeds the whole-call inactivity watchdog.
func (s *Session) MarkActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// MarkProgress records outbound audio reaching the carrier; it feeds
// the responding-stall guard.
func (s *Session) MarkProgress() {
	s.lastProgress.Store(time.Now().UnixNano())
}

func (s *Session) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) > s.inactivity {
				s.logger.Warn("call_inactivity_timeout")
				s.End(history.StatusTimeout)
				return nil
			}
			// More than 3s of dead air in the responding phase is a
			// fatal stall; cut it like a barge-in so the caller isn't
			// left hanging.
			if s.Ctrl.Phase() == turn.PhaseResponding {
				progress := time.Unix(0, s.lastProgress.Load())
				if time.Since(progress) > respondingStallTimeout {
					s.logger.Warn("response_stalled")
					s.Ctrl.Cancel("stalled")
				}
			}
		}
	}
}

// cancelObserver pushes the carrier clear the moment barge-in fires,
// twice 10ms apart to tolerate frame-boundary loss, then waits for the
// next turn to re-arm.
func (s *Session) cancelObserver(ctx context.Context) error {
	for {
		done := s.Ctrl.CancelDone()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		s.sendClear()
		time.Sleep(10 * time.Millisecond)
		s.sendClear()
		// Wait until the signal is re-armed for the next turn.
		for s.Ctrl.Cancelled() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}
	}
}

func (s *Session) sendClear() {
	if s.transport == nil {
		return
	}
	meta := map[string]string{frames.MetaStreamID: s.StreamID, frames.MetaSource: "session"}
	_ = s.transport.Send(frames.NewControlFrame(s.StreamID, time.Now().UnixNano(), frames.ControlCancel, meta))
}

// End runs cleanup exactly once: persist the transcript with its final
// status, fire the call.ended webhook and release the session.
func (s *Session) End(status history.Status) {
	s.endOnce.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
		}
		_ = s.Ctrl.Transition(turn.PhaseEnding, string(status))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		transcript, err := s.store.Recent(ctx, s.CallID, 1000)
		if err != nil {
			s.logger.Warn("transcript_fetch_failed", "error", err.Error())
		}
		record := history.Record{
			CallID:      s.CallID,
			AgentID:     s.Agent.ID,
			Status:      status,
			Transcript:  transcript,
			PhoneNumber: s.phoneNumber,
			StartedAt:   s.startedAt,
			EndedAt:     time.Now(),
		}
		if err := s.store.SaveConversation(ctx, record); err != nil {
			s.logger.Warn("conversation_save_failed", "error", err.Error())
		}
		s.webhooks.Send("call.ended", map[string]any{
			"call_id":  s.CallID,
			"agent_id": s.Agent.ID,
			"status":   string(status),
			"duration": time.Since(s.startedAt).Seconds(),
		})
		s.logger.Info("session_ended", slog.String("status", string(status)))
		if s.onEnd != nil {
			s.onEnd()
		}
	})
}

func replaceVar(text, key, value string) string {
	return strings.ReplaceAll(text, "{{"+key+"}}", value)
}
