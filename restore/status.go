// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pingcap/loader/log"
)

const logProgressTick = 30 * time.Second

// runLogProgress emits a progress line on a bounded cadence until the run
// context ends.
func runLogProgress(ctx context.Context, reg *registry) {
	ticker := time.NewTicker(logProgressTick)
	defer ticker.Stop()
	totalTables := float64(reg.tableCount())
	lastCheckpoint := time.Now()
	lastBytes := float64(0)
	for {
		select {
		case <-ctx.Done():
			log.Debug("stopping progress logger")
			return
		case <-ticker.C:
			nanoseconds := float64(time.Since(lastCheckpoint).Nanoseconds())

			completed := ReadCounter(finishedTablesCounter)
			finishedBytes := ReadCounter(finishedSizeCounter)
			if totalTables == 0 {
				totalTables = float64(reg.tableCount())
			}
			pct := 0.0
			if totalTables > 0 {
				pct = completed / totalTables * 100
			}
			log.Info("progress",
				zap.String("tables", fmt.Sprintf("%.0f/%.0f (%.1f%%)", completed, totalTables, pct)),
				zap.Float64("finished jobs", ReadCounter(finishedJobsCounter)),
				zap.String("finished size", units.HumanSize(finishedBytes)),
				zap.Float64("average speed(MiB/s)", (finishedBytes-lastBytes)/(1048576e-9*nanoseconds)),
				zap.Float64("errors", ReadCounter(errorCounter)))

			lastCheckpoint = time.Now()
			lastBytes = finishedBytes
		}
	}
}

// startStatusServer exposes prometheus metrics and pprof when a status
// address is configured.
func startStatusServer(addr string, registry *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("status server stopped", zap.Error(err))
		}
	}()
	return server
}
