// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	jobsDispatchedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "jobs_dispatched",
			Help:      "counter for data jobs handed to loader threads",
		})
	readyQueueHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "ready_queue_hits",
			Help:      "counter for dispatches served by the ready queue fast path",
		})
	readyQueueMissCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "ready_queue_misses",
			Help:      "counter for ready queue pops that failed re-validation",
		})
	finishedJobsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "finished_jobs",
			Help:      "counter for completed data jobs",
		})
	finishedSizeCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "finished_size",
			Help:      "counter for loaded statement bytes",
		})
	finishedTablesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "finished_tables",
			Help:      "counter for tables that reached their terminal state",
		})
	errorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "error_count",
			Help:      "total error count during the restore",
		})
	retryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "restore",
			Name:      "retry_count",
			Help:      "counter for retried statements",
		})
	decompressorSpawnCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "decompress",
			Name:      "spawned",
			Help:      "counter for decoder side-processes spawned",
		})
	decompressorFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loader",
			Subsystem: "decompress",
			Name:      "failures",
			Help:      "counter for decoder side-processes that failed the health check or timed out",
		})
)

// RegisterMetrics registers metrics with the given registry.
func RegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(jobsDispatchedCounter)
	registry.MustRegister(readyQueueHitCounter)
	registry.MustRegister(readyQueueMissCounter)
	registry.MustRegister(finishedJobsCounter)
	registry.MustRegister(finishedSizeCounter)
	registry.MustRegister(finishedTablesCounter)
	registry.MustRegister(errorCounter)
	registry.MustRegister(retryCounter)
	registry.MustRegister(decompressorSpawnCounter)
	registry.MustRegister(decompressorFailureCounter)
}

// ReadCounter reports the current value of the counter.
func ReadCounter(counter prometheus.Counter) float64 {
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Counter.GetValue()
}
