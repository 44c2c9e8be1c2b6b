// Package metrics exposes pipeline counters to Prometheus and serves the
// health endpoints of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/scheduler"
)

const namespace = "mirror"

// Snapshot is the pipeline state read at scrape time.
type Snapshot struct {
	Scheduler  scheduler.Stats
	Producers  []producer.Stats
	SyncSeeks  uint64
	SyncStalls uint64
}

// Metrics owns a registry with the live-session instruments and a collector
// that turns pipeline snapshots into metrics.
type Metrics struct {
	Registry *prometheus.Registry

	LiveScore  prometheus.Gauge
	TickScores prometheus.Histogram
	Ticks      prometheus.Counter
	Sessions   *prometheus.CounterVec // by outcome: completed, aborted
	Exports    *prometheus.CounterVec // by target and result
}

// New builds the registry. snapshot may be nil until a session exists.
func New(snapshot func() Snapshot) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LiveScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_score",
			Help:      "Smoothed overall score of the last tick",
		}),
		TickScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_score",
			Help:      "Distribution of per-tick overall scores",
			Buckets:   []float64{20, 40, 50, 60, 70, 80, 90, 95, 100},
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_ticks_total",
			Help:      "Scoring ticks that produced a score",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions",
		}, []string{"outcome"}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_exports_total",
			Help:      "Report exports by target",
		}, []string{"target", "result"}),
	}

	m.Registry.MustRegister(
		m.LiveScore,
		m.TickScores,
		m.Ticks,
		m.Sessions,
		m.Exports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if snapshot != nil {
		m.Registry.MustRegister(newPipelineCollector(snapshot))
	}
	return m
}

// ObserveScore records one tick.
func (m *Metrics) ObserveScore(score int) {
	m.LiveScore.Set(float64(score))
	m.TickScores.Observe(float64(score))
	m.Ticks.Inc()
}

// ObserveExport records the result of one export target.
func (m *Metrics) ObserveExport(target string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Exports.WithLabelValues(target, result).Inc()
}

// pipelineCollector reads counters the pipeline already keeps instead of
// mirroring every increment into Prometheus.
type pipelineCollector struct {
	snapshot func() Snapshot

	submitted *prometheus.Desc
	dropped   *prometheus.Desc
	processed *prometheus.Desc
	misses    *prometheus.Desc
	errors    *prometheus.Desc
	latency   *prometheus.Desc
	frames    *prometheus.Desc
	fps       *prometheus.Desc
	sync      *prometheus.Desc
	running   *prometheus.Desc
}

func newPipelineCollector(snapshot func() Snapshot) *pipelineCollector {
	stream := []string{"stream"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &pipelineCollector{
		snapshot:  snapshot,
		submitted: desc("pose_requests_submitted_total", "Frames offered to the pose scheduler", stream),
		dropped:   desc("pose_requests_dropped_total", "Frames overwritten in the mailbox before estimation", stream),
		processed: desc("pose_estimations_total", "Pose estimations run", stream),
		misses:    desc("pose_misses_total", "Estimations that found no person", stream),
		errors:    desc("pose_errors_total", "Estimations that failed", stream),
		latency:   desc("pose_latency_avg_ms", "Average estimation latency", stream),
		frames:    desc("producer_frames_total", "Frames produced", stream),
		fps:       desc("producer_fps", "Measured producer frame rate", stream),
		sync:      desc("media_sync_corrections_total", "Audio drift corrections", []string{"kind"}),
		running:   desc("scheduler_running", "1 while the pose worker runs", nil),
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submitted, c.dropped, c.processed, c.misses, c.errors,
		c.latency, c.frames, c.fps, c.sync, c.running,
	} {
		ch <- d
	}
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()

	lanes := map[producer.Stream]scheduler.StreamStats{
		producer.Subject:   snap.Scheduler.Subject,
		producer.Reference: snap.Scheduler.Reference,
	}
	for stream, st := range lanes {
		s := string(stream)
		ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(st.Submitted), s)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped), s)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(st.Processed), s)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses), s)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors), s)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, st.AvgLatencyMS, s)
	}

	for _, p := range snap.Producers {
		s := string(p.Stream)
		ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(p.FrameCount), s)
		ch <- prometheus.MustNewConstMetric(c.fps, prometheus.GaugeValue, p.FPSReal, s)
	}

	ch <- prometheus.MustNewConstMetric(c.sync, prometheus.CounterValue, float64(snap.SyncSeeks), "seek")
	ch <- prometheus.MustNewConstMetric(c.sync, prometheus.CounterValue, float64(snap.SyncStalls), "stall")

	running := 0.0
	if snap.Scheduler.IsRunning {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
}
