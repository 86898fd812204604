// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 会话生命周期指标
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "srtio_sessions_active",
		Help: "Number of currently open sessions",
	})

	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srtio_sessions_opened_total",
		Help: "Total sessions opened, by connection mode",
	}, []string{"mode"})

	SessionOpenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srtio_session_open_failures_total",
		Help: "Total failed open attempts, by failure class",
	}, []string{"class"})

	SessionOpenDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "srtio_session_open_duration_seconds",
		Help:    "Time spent establishing a session",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtio_sessions_closed_total",
		Help: "Total sessions closed",
	})
)

// I/O 指标
var (
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtio_bytes_read_total",
		Help: "Total bytes received across all sessions",
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtio_bytes_written_total",
		Help: "Total bytes sent across all sessions",
	})

	WaitDeadlines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srtio_wait_deadline_total",
		Help: "Deadline-exceeded waits, by operation",
	}, []string{"op"})

	WaitInterrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtio_wait_interrupts_total",
		Help: "Waits aborted by caller interruption",
	})

	CandidateRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srtio_candidate_retries_total",
		Help: "Connection attempts retried on the next resolved address",
	})
)
