package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audiobooker"

var (
	providerReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "LLM provider requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of LLM provider requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried provider calls by purpose",
		},
		[]string{"purpose"},
	)

	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600, 1800},
		},
		[]string{"stage", "result"},
	)

	booksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "books_processed_total",
			Help:      "Books that left the pipeline by final status",
		},
		[]string{"status"},
	)

	chaptersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chapters_processed_total",
			Help:      "Chapter summaries and narrations by stage and result",
		},
		[]string{"stage", "result"},
	)

	resolutionSource = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chapter_resolution_total",
			Help:      "Chapter resolutions by winning source",
		},
		[]string{"source"},
	)

	warningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Non-fatal processing warnings by code",
		},
		[]string{"code"},
	)

	ttsReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_total",
			Help:      "Speech synthesis requests by model and result",
		},
		[]string{"model", "result"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Circuit breaker events by provider, model and action",
		},
		[]string{"provider", "model", "action"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	registerOnce sync.Once
)

// Init registers collectors with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(providerReqs, providerLatency, retriesTotal, stageLatency, booksProcessed,
			chaptersProcessed, resolutionSource, warningsTotal, ttsReqs, breakerEvents, queueDepth)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveProvider(provider, model, result string, dur time.Duration) {
	providerReqs.WithLabelValues(provider, model, result).Inc()
	providerLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

func IncRetry(purpose string) { retriesTotal.WithLabelValues(purpose).Inc() }

func ObserveStage(stage, result string, dur time.Duration) {
	stageLatency.WithLabelValues(stage, result).Observe(dur.Seconds())
}

func IncBook(status string)                 { booksProcessed.WithLabelValues(status).Inc() }
func IncChapter(stage, result string)       { chaptersProcessed.WithLabelValues(stage, result).Inc() }
func IncResolution(source string)           { resolutionSource.WithLabelValues(source).Inc() }
func IncWarning(code string)                { warningsTotal.WithLabelValues(code).Inc() }
func IncTTS(model, result string)           { ttsReqs.WithLabelValues(model, result).Inc() }
func BreakerOpened(provider, model string)  { breakerEvents.WithLabelValues(provider, model, "opened").Inc() }
func BreakerClosed(provider, model string)  { breakerEvents.WithLabelValues(provider, model, "closed").Inc() }
func SetQueueDepth(kind string, v int64)    { queueDepth.WithLabelValues(kind).Set(float64(v)) }
