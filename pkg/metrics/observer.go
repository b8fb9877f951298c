package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Well-known resilience event names.
const (
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"
)

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
