package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	nodeStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodeman",
			Subsystem: "node",
			Name:      "starts_total",
			Help:      "Number of successful node starts.",
		},
	)
	nodeStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodeman",
			Subsystem: "node",
			Name:      "start_failures_total",
			Help:      "Number of failed node start attempts.",
		},
	)
	nodeStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodeman",
			Subsystem: "node",
			Name:      "stops_total",
			Help:      "Number of node stops, including self-exits.",
		},
	)
	nodeRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodeman",
			Subsystem: "node",
			Name:      "running",
			Help:      "Whether the supervised node is currently tracked as running.",
		},
	)
	capturedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeman",
			Subsystem: "node",
			Name:      "captured_lines_total",
			Help:      "Console lines captured from the node, by stream.",
		}, []string{"stream"},
	)
	updateChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodeman",
			Subsystem: "update",
			Name:      "checks_total",
			Help:      "Number of update checks performed.",
		},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodeman",
			Subsystem: "update",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the executable during downloads.",
		},
	)
	downloadProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodeman",
			Subsystem: "update",
			Name:      "download_progress_ratio",
			Help:      "Progress of the current download (0-1; 0 when total is unknown).",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		nodeStarts, nodeStartFailures, nodeStops, nodeRunning,
		capturedLines, updateChecks, downloadBytes, downloadProgress,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func IncNodeStart() {
	if regOK.Load() {
		nodeStarts.Inc()
	}
}
func IncNodeStartFailure() {
	if regOK.Load() {
		nodeStartFailures.Inc()
	}
}
func IncNodeStop() {
	if regOK.Load() {
		nodeStops.Inc()
	}
}
func SetNodeRunning(running bool) {
	if regOK.Load() {
		if running {
			nodeRunning.Set(1)
		} else {
			nodeRunning.Set(0)
		}
	}
}
func IncCapturedLine(stream string) {
	if regOK.Load() {
		capturedLines.WithLabelValues(stream).Inc()
	}
}
func IncUpdateCheck() {
	if regOK.Load() {
		updateChecks.Inc()
	}
}
func AddDownloadedBytes(n int) {
	if regOK.Load() {
		downloadBytes.Add(float64(n))
	}
}
func SetDownloadProgress(current, total uint64) {
	if regOK.Load() {
		if total == 0 {
			downloadProgress.Set(0)
			return
		}
		downloadProgress.Set(float64(current) / float64(total))
	}
}
