// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts admission decisions by result (allowed or a denial kind).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustloop_admissions_total",
		Help: "Admission decisions by result",
	}, []string{"result"})

	// Executions counts finished executions by outcome.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustloop_executions_total",
		Help: "Executions by terminal outcome",
	}, []string{"outcome"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustloop_execution_duration_seconds",
		Help:    "Wall time of agent runner calls",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	})

	// SecondaryFailures counts best-effort bookkeeping steps that failed
	// after the primary outcome was committed.
	SecondaryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustloop_secondary_failures_total",
		Help: "Failed best-effort writes by step",
	}, []string{"step"})

	HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustloop_agent_health_transitions_total",
		Help: "Agent health status transitions",
	}, []string{"from", "to"})

	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustloop_guardrail_audit_writes_total",
		Help: "Guardrail audit rows written by decision",
	}, []string{"decision"})

	// AuditWriteFailures is the logging gap signal: a trust change or decision
	// took effect without its audit row.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustloop_guardrail_audit_write_failures_total",
		Help: "Guardrail audit rows that could not be written",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustloop_notification_deliveries_total",
		Help: "Notification delivery attempts by channel type and result",
	}, []string{"channel", "result"})
)
