package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vocera-labs/voicebridge/pkg/errorsx"
	"github.com/vocera-labs/voicebridge/pkg/frames"
	"github.com/vocera-labs/voicebridge/pkg/logging"
	"github.com/vocera-labs/voicebridge/pkg/pipeline"
)

// ToolExecutor runs one named tool. Params arrive as the string bag
// parsed from the marker; each tool validates and converts its own.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]string) (string, error)
}

// ErrToolTimeout marks an execution that exceeded its deadline.
var ErrToolTimeout = errors.New("tool timeout")

// ErrInvalidParams marks a validation failure; the tool is not executed.
var ErrInvalidParams = errors.New("invalid tool parameters")

// TransferFunc hands the call to the external carrier integration.
type TransferFunc func(ctx context.Context, callSID, department string) error

// BuiltinExecutor implements the tools the runtime recognises natively:
// end_call, transfer_call and call_webhook. Unknown tools are delegated
// to the optional fallback executor.
type BuiltinExecutor struct {
	Transfer TransferFunc
	Client   *http.Client
	Fallback ToolExecutor
}

var validDepartments = map[string]struct{}{"sales": {}, "support": {}, "technical": {}}

func (e *BuiltinExecutor) Execute(ctx context.Context, name string, params map[string]string) (string, error) {
	switch name {
	case "end_call":
		return "Thanks for your time. Have a great day.", nil
	case "transfer_call":
		department := strings.ToLower(strings.TrimSpace(params["department"]))
		if department == "" {
			department = "sales"
		}
		if _, ok := validDepartments[department]; !ok {
			return "", fmt.Errorf("%w: unknown department %q", ErrInvalidParams, department)
		}
		if e.Transfer == nil {
			return "", errors.New("transfer not configured")
		}
		if err := e.Transfer(ctx, params[frames.MetaCallSID], department); err != nil {
			return "", err
		}
		return "Transferring you to " + department + " now.", nil
	case "call_webhook":
		url := strings.TrimSpace(params["url"])
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return "", fmt.Errorf("%w: webhook url required", ErrInvalidParams)
		}
		payload, _ := json.Marshal(params)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		client := e.Client
		if client == nil {
			client = &http.Client{Timeout: 5 * time.Second}
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("webhook returned %s", resp.Status)
		}
		return "Done, I've sent that along.", nil
	default:
		if e.Fallback != nil {
			return e.Fallback.Execute(ctx, name, params)
		}
		return "", fmt.Errorf("%w: unknown tool %q", ErrInvalidParams, name)
	}
}

// ToolDispatcherOptions bounds tool execution.
type ToolDispatcherOptions struct {
	Concurrency       int
	Timeout           time.Duration
	Retries           int
	RetryBackoff      time.Duration
	SerializeByStream bool
}

// ToolDispatcher executes scheduled tools on a worker pool and feeds
// the results back into the pipeline as tool_result system frames.
type ToolDispatcher struct {
	executor ToolExecutor
	in       chan frames.Frame
	tasks    chan map[string]string
	opts     ToolDispatcherOptions
	ctx      context.Context
	logger   *slog.Logger

	mu          sync.Mutex
	streamLocks map[string]*sync.Mutex
}

func NewToolDispatcher(executor ToolExecutor, in chan frames.Frame, opts ToolDispatcherOptions) *ToolDispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 6 * time.Second
	}
	d := &ToolDispatcher{
		executor:    executor,
		in:          in,
		tasks:       make(chan map[string]string, 64),
		opts:        opts,
		ctx:         context.Background(),
		logger:      logging.NewComponentLogger(slog.Default(), "tool_dispatcher"),
		streamLocks: make(map[string]*sync.Mutex),
	}
	for i := 0; i < opts.Concurrency; i++ {
		go d.worker()
	}
	return d
}

func (d *ToolDispatcher) Name() string { return "tool_dispatcher" }

func (d *ToolDispatcher) SetInput(in chan frames.Frame) { d.in = in }

func (d *ToolDispatcher) SetContext(ctx context.Context) {
	if ctx != nil {
		d.ctx = ctx
	}
}

// Schedule queues one tool execution. Implements ToolScheduler.
func (d *ToolDispatcher) Schedule(meta map[string]string) {
	if meta[frames.MetaToolCallID] == "" {
		meta[frames.MetaToolCallID] = uuid.NewString()
	}
	select {
	case d.tasks <- meta:
	default:
		d.logger.Warn("tool_queue_full", slog.String("tool", meta[frames.MetaToolName]))
	}
}

// Process passes frames through; scheduling happens via Schedule.
func (d *ToolDispatcher) Process(f frames.Frame) ([]frames.Frame, error) {
	return []frames.Frame{f}, nil
}

func (d *ToolDispatcher) worker() {
	for meta := range d.tasks {
		d.exec(meta)
	}
}

func (d *ToolDispatcher) exec(meta map[string]string) {
	name := meta[frames.MetaToolName]
	if name == "" {
		return
	}
	params := map[string]string{}
	_ = json.Unmarshal([]byte(meta[frames.MetaToolArgs]), &params)
	if callSID := meta[frames.MetaCallSID]; callSID != "" {
		params[frames.MetaCallSID] = callSID
	}
	if _, ok := params[frames.MetaIdempotency]; !ok {
		params[frames.MetaIdempotency] = d.idempotencyKey(meta)
	}

	var result string
	var err error
	status := "ok"
	if d.opts.SerializeByStream {
		lock := d.streamLock(meta[frames.MetaStreamID])
		lock.Lock()
		result, err = d.callWithRetry(name, params)
		lock.Unlock()
	} else {
		result, err = d.callWithRetry(name, params)
	}
	if err != nil {
		status = "error"
		switch {
		case errors.Is(err, ErrToolTimeout):
			status = "timeout"
		case errors.Is(err, ErrInvalidParams):
			status = "invalid"
		}
		err = errorsx.Wrap(err, errorsx.ReasonToolExec)
		d.logger.Warn("tool_failed",
			slog.String("tool", name),
			slog.String("status", status),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}

	outMeta := map[string]string{
		frames.MetaStreamID:   meta[frames.MetaStreamID],
		frames.MetaToolCallID: meta[frames.MetaToolCallID],
		frames.MetaToolName:   name,
		frames.MetaToolResult: result,
		frames.MetaToolStatus: status,
	}
	if err != nil {
		outMeta[frames.MetaToolError] = err.Error()
	}
	for _, k := range []string{frames.MetaCallSID, frames.MetaTraceID, frames.MetaLanguage} {
		if v := meta[k]; v != "" {
			outMeta[k] = v
		}
	}
	sf := frames.NewSystemFrame(meta[frames.MetaStreamID], time.Now().UnixNano(), "tool_result", outMeta)
	select {
	case d.in <- sf:
	default:
	}
}

// callWithRetry retries transient failures; validation failures are
// never retried.
func (d *ToolDispatcher) callWithRetry(name string, params map[string]string) (string, error) {
	attempts := d.opts.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := d.callWithTimeout(name, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrInvalidParams) {
			break
		}
		if i < attempts-1 {
			time.Sleep(d.opts.RetryBackoff * time.Duration(i+1))
		}
	}
	return "", lastErr
}

func (d *ToolDispatcher) callWithTimeout(name string, params map[string]string) (string, error) {
	if d.executor == nil {
		return "", errors.New("missing executor")
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := d.executor.Execute(ctx, name, params)
		ch <- result{text: res, err: err}
	}()
	select {
	case out := <-ch:
		return out.text, out.err
	case <-ctx.Done():
		return "", ErrToolTimeout
	}
}

func (d *ToolDispatcher) streamLock(streamID string) *sync.Mutex {
	if streamID == "" {
		return &sync.Mutex{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.streamLocks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		d.streamLocks[streamID] = lock
	}
	return lock
}

func (d *ToolDispatcher) idempotencyKey(meta map[string]string) string {
	streamID := meta[frames.MetaStreamID]
	callID := meta[frames.MetaToolCallID]
	if streamID == "" && callID == "" {
		return fmt.Sprintf("tool-%s", uuid.NewString())
	}
	return streamID + ":" + callID
}

var _ pipeline.FrameProcessor = (*ToolDispatcher)(nil)
var _ ToolScheduler = (*ToolDispatcher)(nil)
