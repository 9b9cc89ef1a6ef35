package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfsqueeze",
			Name:      "runs_total",
			Help:      "Compression runs by mode (single_shot, chunked) and result",
		},
		[]string{"mode", "result"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdfsqueeze",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of compression runs by mode",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"mode"},
	)

	chunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdfsqueeze",
			Name:      "chunk_duration_seconds",
			Help:      "Extraction plus engine time per chunk by quality preset",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"quality"},
	)

	chunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfsqueeze",
			Name:      "chunks_total",
			Help:      "Chunks processed by result (ok, engine_timeout, engine_failure, ...)",
		},
		[]string{"result"},
	)

	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfsqueeze",
			Name:      "bytes_total",
			Help:      "Bytes read (in) and written (out) by successful runs",
		},
		[]string{"direction"},
	)

	contextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pdfsqueeze",
			Name:      "engine_contexts_active",
			Help:      "Engine execution contexts currently alive",
		},
	)

	contextEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfsqueeze",
			Name:      "engine_context_events_total",
			Help:      "Engine execution contexts opened and closed",
		},
		[]string{"event"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfsqueeze",
			Name:      "jobs_total",
			Help:      "Queued jobs handled by the dispatcher by result (success, failed, cancelled)",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pdfsqueeze",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for the job stream and pending entries",
		},
		[]string{"type"},
	)
)

var registerOnce sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(runsTotal, runDuration, chunkDuration, chunksTotal, bytesTotal,
			contextsActive, contextEvents, jobsTotal, queueDepth)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveRun(mode, result string, dur time.Duration, in, out int64) {
	runsTotal.WithLabelValues(mode, result).Inc()
	runDuration.WithLabelValues(mode).Observe(dur.Seconds())
	if result == "ok" {
		bytesTotal.WithLabelValues("in").Add(float64(in))
		bytesTotal.WithLabelValues("out").Add(float64(out))
	}
}

func ObserveChunk(quality, result string, dur time.Duration) {
	chunksTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		chunkDuration.WithLabelValues(quality).Observe(dur.Seconds())
	}
}

func ContextOpened() {
	contextsActive.Inc()
	contextEvents.WithLabelValues("opened").Inc()
}

func ContextClosed() {
	contextsActive.Dec()
	contextEvents.WithLabelValues("closed").Inc()
}

func IncJob(result string) { jobsTotal.WithLabelValues(result).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
