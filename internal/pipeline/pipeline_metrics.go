package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the pipeline subsystem.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunItems         prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	ItemsTotal       *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	DeliveriesTotal  *prometheus.CounterVec
	CheckpointsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~1024s
		}, []string{"status"}),
		RunItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_run_items",
			Help:    "Raw records received per run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. ~16384
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"stage"}),
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_items_total",
			Help: "Items leaving each stage by outcome.",
		}, []string{"stage", "outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_decisions_total",
			Help: "Routing decisions by lane and priority.",
		}, []string{"lane", "priority"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_retries_total",
			Help: "Total dependency call retries across all stages.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_deliveries_total",
			Help: "Notification deliveries by sink and status.",
		}, []string{"sink", "status"}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_checkpoints_total",
			Help: "Checkpoints saved by stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunItems,
		m.StageDuration,
		m.ItemsTotal,
		m.DecisionsTotal,
		m.RetriesTotal,
		m.DeliveriesTotal,
		m.CheckpointsTotal,
	)

	return m
}

// Hooks returns an OrchestratorHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() OrchestratorHooks {
	return OrchestratorHooks{
		OnStage: func(stage Stage, duration float64) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(duration)
			m.CheckpointsTotal.WithLabelValues(string(stage)).Inc()
		},
		OnItem: func(stage Stage, outcome string) {
			m.ItemsTotal.WithLabelValues(string(stage), outcome).Inc()
		},
		OnDecision: func(lane, priority string) {
			m.DecisionsTotal.WithLabelValues(lane, priority).Inc()
		},
		OnRetry: func() {
			m.RetriesTotal.Inc()
		},
		OnDelivery: func(sink string, ok bool) {
			status := "success"
			if !ok {
				status = "error"
			}
			m.DeliveriesTotal.WithLabelValues(sink, status).Inc()
		},
		OnComplete: func(status Status, duration float64, received int) {
			m.RunsTotal.WithLabelValues(string(status)).Inc()
			m.RunDuration.WithLabelValues(string(status)).Observe(duration)
			m.RunItems.Observe(float64(received))
		},
	}
}
