// Package metrics exposes Prometheus collectors for agent executions and
// the worker pool.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
)

const namespace = "delegator"

// Metrics holds every collector. Each instance owns its registry so tests
// and multiple servers do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	AgentExecutionsTotal   *prometheus.CounterVec
	AgentExecutionDuration *prometheus.HistogramVec

	TasksQueuedTotal *prometheus.CounterVec
	TasksTotal       *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	BusyWorkers      prometheus.Gauge

	EventsTotal        *prometheus.CounterVec
	GraphRunsTotal     *prometheus.CounterVec
	JulesSessionsTotal *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.AgentExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Agent executions by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)
	m.AgentExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "execution_duration_seconds",
			Help:      "Agent execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"agent"},
	)

	m.TasksQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "queued_total",
			Help:      "Tasks delegated by task type",
		},
		[]string{"task_type"},
	)
	m.TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks reaching a terminal status",
		},
		[]string{"task_type", "status"},
	)
	m.TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from start to terminal status",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"task_type"},
	)
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker",
	})
	m.BusyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "busy_workers",
		Help:      "Workers currently executing a task",
	})

	m.EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Events seen on the event bus by type",
		},
		[]string{"type"},
	)
	m.GraphRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "runs_total",
			Help:      "Task graphs that settled every node, by outcome",
		},
		[]string{"outcome"},
	)
	m.JulesSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jules",
			Name:      "session_updates_total",
			Help:      "Jules session state updates by mode and state",
		},
		[]string{"mode", "state"},
	)

	reg.MustRegister(
		m.AgentExecutionsTotal,
		m.AgentExecutionDuration,
		m.TasksQueuedTotal,
		m.TasksTotal,
		m.TaskDuration,
		m.QueueDepth,
		m.BusyWorkers,
		m.EventsTotal,
		m.GraphRunsTotal,
		m.JulesSessionsTotal,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveExecution implements agent.ExecutionObserver.
func (m *Metrics) ObserveExecution(id agent.ID, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.AgentExecutionsTotal.WithLabelValues(string(id), outcome).Inc()
	m.AgentExecutionDuration.WithLabelValues(string(id)).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskQueued(taskType string) {
	m.TasksQueuedTotal.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskFinished(taskType, status string, elapsed time.Duration) {
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	if elapsed > 0 {
		m.TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(n int)  { m.QueueDepth.Set(float64(n)) }
func (m *Metrics) SetBusyWorkers(n int) { m.BusyWorkers.Set(float64(n)) }

// ObserveEvent counts an event from the bus. The last progress event of a
// graph (nothing pending) counts the run as succeeded or failed.
func (m *Metrics) ObserveEvent(e events.Event) {
	m.EventsTotal.WithLabelValues(e.EventType()).Inc()

	switch e := e.(type) {
	case events.GraphProgressEvent:
		if e.Pending > 0 {
			return
		}
		outcome := "succeeded"
		if e.Failed > 0 || e.Skipped > 0 {
			outcome = "failed"
		}
		m.GraphRunsTotal.WithLabelValues(outcome).Inc()
	case events.JulesSessionEvent:
		m.JulesSessionsTotal.WithLabelValues(e.Mode, e.State).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
