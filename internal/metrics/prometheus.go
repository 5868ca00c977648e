package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics.
type PrometheusCollector struct {
	shardOutcomes *prometheus.CounterVec
	shardRestarts *prometheus.CounterVec
	liveShards    prometheus.Gauge
	handlerErrors prometheus.Counter

	processStarts prometheus.Counter
	processStops  *prometheus.CounterVec
	stopDuration  *prometheus.HistogramVec

	workerSpawns prometheus.Counter
	workerExits  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "hydra"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.shardOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_outcomes_total",
			Help:      "Total number of shard connection terminations by outcome",
		},
		[]string{"shard", "outcome"},
	)

	pc.shardRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_restarts_total",
			Help:      "Total number of shard respawns after abnormal closure",
		},
		[]string{"shard"},
	)

	pc.liveShards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shards_live",
			Help:      "Number of shard connections currently running",
		},
	)

	pc.handlerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total number of application handler failures",
		},
	)

	pc.processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Total number of front-end process launches",
		},
	)

	pc.processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_stops_total",
			Help:      "Total number of front-end process teardowns",
		},
		[]string{"forced"},
	)

	pc.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_stop_duration_seconds",
			Help:      "Duration of front-end process teardowns",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"forced"},
	)

	pc.workerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Total number of worker processes spawned by the fleet",
		},
	)

	pc.workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_exited_total",
			Help:      "Total number of worker process exits by exit code",
		},
		[]string{"code"},
	)

	pc.registry.MustRegister(
		pc.shardOutcomes,
		pc.shardRestarts,
		pc.liveShards,
		pc.handlerErrors,
		pc.processStarts,
		pc.processStops,
		pc.stopDuration,
		pc.workerSpawns,
		pc.workerExits,
	)

	return pc
}

func (pc *PrometheusCollector) ShardOutcome(shard int, outcome string) {
	pc.shardOutcomes.WithLabelValues(strconv.Itoa(shard), outcome).Inc()
}

func (pc *PrometheusCollector) ShardRestart(shard int) {
	pc.shardRestarts.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (pc *PrometheusCollector) LiveShards(n int) {
	pc.liveShards.Set(float64(n))
}

func (pc *PrometheusCollector) HandlerError() {
	pc.handlerErrors.Inc()
}

func (pc *PrometheusCollector) ProcessStarted() {
	pc.processStarts.Inc()
}

func (pc *PrometheusCollector) ProcessStopped(forced bool, d time.Duration) {
	label := strconv.FormatBool(forced)
	pc.processStops.WithLabelValues(label).Inc()
	pc.stopDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (pc *PrometheusCollector) WorkerSpawned() {
	pc.workerSpawns.Inc()
}

func (pc *PrometheusCollector) WorkerExited(code int) {
	pc.workerExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Registry returns the underlying registry.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}
