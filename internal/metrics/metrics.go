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

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of accepted server starts.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of completed server stops (graceful or kill).",
		}, []string{"server"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unexpected server exits.",
		}, []string{"server"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of restart cycles.",
		}, []string{"server"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between server states.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	runningServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "running",
			Help:      "Number of servers currently in the running state.",
		},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "ready_duration_seconds",
			Help:      "Time from accepted start until the server reported ready.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"server"},
	)

	fileJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "fileops",
			Name:      "jobs_total",
			Help:      "Number of file jobs by kind and terminal status.",
		}, []string{"kind", "status"},
	)
	fileJobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "fileops",
			Name:      "jobs_queued",
			Help:      "File jobs waiting for a worker.",
		},
	)
	fileJobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "fileops",
			Name:      "jobs_running",
			Help:      "File jobs currently executing.",
		},
	)

	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "operations_total",
			Help:      "Number of backup engine operations by kind and status.",
		}, []string{"kind", "status"},
	)
	backupBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "bytes_written_total",
			Help:      "Bytes of new blob data written to the content store.",
		},
	)
	blobCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "blobs",
			Help:      "Blobs in the content store after the last sweep.",
		},
	)
	blobBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "backup",
			Name:      "blob_bytes",
			Help:      "Bytes in the content store after the last sweep.",
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
		serverStarts, serverStops, serverCrashes, serverRestarts,
		stateTransitions, currentStates, runningServers, readyDuration,
		fileJobs, fileJobsQueued, fileJobsRunning,
		backups, backupBytes, blobCount, blobBytes,
		perfCPU, perfRSS, perfThreads, perfFDs,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(server string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(server).Inc()
	}
}

func IncStop(server string) {
	if regOK.Load() {
		serverStops.WithLabelValues(server).Inc()
	}
}

func IncCrash(server string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(server).Inc()
	}
}

func IncRestart(server string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(server).Inc()
	}
}

func RecordStateTransition(server, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(server, from, to).Inc()
	}
}

func SetCurrentState(server, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(server, state).Set(value)
	}
}

func SetRunningServers(n int) {
	if regOK.Load() {
		runningServers.Set(float64(n))
	}
}

func ObserveReadyDuration(server string, seconds float64) {
	if regOK.Load() {
		readyDuration.WithLabelValues(server).Observe(seconds)
	}
}

func IncFileJob(kind, status string) {
	if regOK.Load() {
		fileJobs.WithLabelValues(kind, status).Inc()
	}
}

func SetFileJobsQueued(n int) {
	if regOK.Load() {
		fileJobsQueued.Set(float64(n))
	}
}

func SetFileJobsRunning(n int) {
	if regOK.Load() {
		fileJobsRunning.Set(float64(n))
	}
}

func IncBackup(kind, status string) {
	if regOK.Load() {
		backups.WithLabelValues(kind, status).Inc()
	}
}

func AddBackupBytes(n int64) {
	if regOK.Load() && n > 0 {
		backupBytes.Add(float64(n))
	}
}

func SetBlobStats(count int, bytes int64) {
	if regOK.Load() {
		blobCount.Set(float64(count))
		blobBytes.Set(float64(bytes))
	}
}
