package observers

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vocera-labs/voicebridge/pkg/metrics"
)

// PrometheusObserver exports pipeline events as Prometheus metrics,
// served by the transport's /metrics endpoint.
type PrometheusObserver struct {
	frames        *prometheus.CounterVec
	drops         prometheus.Counter
	bargeIns      prometheus.Counter
	utterances    prometheus.Counter
	ttsFirstAudio prometheus.Counter
	breaker       *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	events        *prometheus.CounterVec
}

var (
	promOnce sync.Once
	promObs  *PrometheusObserver
)

// NewPrometheusObserver registers the instruments once per process;
// repeated calls return the same observer.
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	promOnce.Do(func() {
		promObs = &PrometheusObserver{
			frames: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames by direction and kind.",
			}, []string{"direction", "kind"}),
			drops: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_drops_total",
				Help:      "Frames dropped for backpressure or lag.",
			}),
			bargeIns: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barge_ins_total",
				Help:      "Barge-in interruptions fired.",
			}),
			utterances: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "utterances_total",
				Help:      "User utterances dispatched to generation.",
			}),
			ttsFirstAudio: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tts_first_audio_total",
				Help:      "Responses that produced audio.",
			}),
			breaker: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_events_total",
				Help:      "Circuit breaker events by component and state.",
			}, []string{"component", "event"}),
			stageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_latency_us",
				Help:      "Per-processor stage latency in microseconds.",
				Buckets:   []float64{50, 100, 250, 500, 1000, 5000, 20000, 100000},
			}, []string{"processor"}),
			events: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_events_total",
				Help:      "Remaining pipeline events by name.",
			}, []string{"name"}),
		}
	})
	return promObs
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "frame_in":
		o.frames.WithLabelValues("in", ev.Tags["kind"]).Inc()
	case "frame_out":
		o.frames.WithLabelValues("out", ev.Tags["kind"]).Inc()
	case "frame_drop":
		o.drops.Inc()
	case "barge_in":
		o.bargeIns.Inc()
	case "utterance":
		o.utterances.Inc()
	case "tts_first_audio":
		o.ttsFirstAudio.Inc()
	case metrics.EventBreakerOpen, metrics.EventBreakerClose, metrics.EventBreakerDenied, metrics.EventRateLimit:
		o.breaker.WithLabelValues(ev.Tags["component"], ev.Name).Inc()
	case "stage_latency_us":
		o.stageLatency.WithLabelValues(ev.Tags["processor"]).Observe(ev.Value)
	default:
		o.events.WithLabelValues(ev.Name).Inc()
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
