package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// Metrics holds all server metrics
type Metrics struct {
	// Connection counters
	ActiveConnections   atomic.Int64
	TotalConnections    atomic.Uint64
	RejectedConnections atomic.Uint64

	// Request counters
	BusyRejections  atomic.Uint64
	UnknownCommands atomic.Uint64
	TasksInFlight   atomic.Int64

	tasks       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	detections  prometheus.Histogram
	engineInits *prometheus.CounterVec
	initSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance. queueDepth, when set, is sampled on scrape.
func New(queueDepth func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_tasks_total",
			Help: "Tasks processed by engine and status",
		}, []string{"engine", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocr_task_duration_seconds",
			Help:    "Worker time per task",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"engine"}),
		detections: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_task_detections",
			Help:    "Detections returned per successful task",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}),
		engineInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_engine_initializations_total",
			Help: "Engine model loads by engine and language code",
		}, []string{"engine", "language"}),
		initSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocr_engine_initialization_seconds",
			Help:    "Time spent loading engine models",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"engine"}),
	}

	m.registry.MustRegister(m.tasks, m.duration, m.detections, m.engineInits, m.initSeconds)
	m.registerGauges(queueDepth)
	return m
}

func (m *Metrics) registerGauges(queueDepth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ocr_active_connections",
			Help: "Client connections currently open",
		},
		func() float64 { return float64(m.ActiveConnections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "ocr_connections_total",
			Help: "Client connections accepted",
		},
		func() float64 { return float64(m.TotalConnections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "ocr_connections_rejected_total",
			Help: "Connections closed because the connection ceiling was reached",
		},
		func() float64 { return float64(m.RejectedConnections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "ocr_busy_rejections_total",
			Help: "Requests refused because the task queue was full",
		},
		func() float64 { return float64(m.BusyRejections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "ocr_unknown_commands_total",
			Help: "Commands that were not read_image",
		},
		func() float64 { return float64(m.UnknownCommands.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ocr_tasks_in_flight",
			Help: "Tasks currently held by a worker",
		},
		func() float64 { return float64(m.TasksInFlight.Load()) },
	))

	if queueDepth != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ocr_queue_depth",
				Help: "Accepted tasks waiting for a worker",
			},
			func() float64 { return float64(queueDepth()) },
		))
	}
}

// TaskStarted implements queue.TaskObserver
func (m *Metrics) TaskStarted(ctx context.Context, task *processor.Task) {
	m.TasksInFlight.Add(1)
}

// TaskFinished implements queue.TaskObserver
func (m *Metrics) TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration) {
	m.TasksInFlight.Add(-1)
	m.tasks.WithLabelValues(task.Engine, resp.Status).Inc()
	m.duration.WithLabelValues(task.Engine).Observe(took.Seconds())
	if resp.Status == processor.StatusSuccess {
		m.detections.Observe(float64(len(resp.Results)))
	}
}

// EngineInitialized records one model load
func (m *Metrics) EngineInitialized(engine, code string, took time.Duration) {
	m.engineInits.WithLabelValues(engine, code).Inc()
	m.initSeconds.WithLabelValues(engine).Observe(took.Seconds())
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer builds the metrics HTTP server without starting it
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
