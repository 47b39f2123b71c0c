package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskpilot"

// Metrics holds all engine metric instruments.
type Metrics struct {
	TasksStarted   metric.Int64Counter
	TasksSucceeded metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksEscalated metric.Int64Counter
	Steps          metric.Int64Counter
	LoopsDetected  metric.Int64Counter
	CollabAsks     metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	TaskCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("taskpilot.tasks.started",
		metric.WithDescription("Number of tasks started"))
	if err != nil {
		return nil, err
	}

	m.TasksSucceeded, err = meter.Int64Counter("taskpilot.tasks.succeeded",
		metric.WithDescription("Number of tasks completed successfully"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskpilot.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksEscalated, err = meter.Int64Counter("taskpilot.tasks.escalated",
		metric.WithDescription("Number of tasks escalated to a human gate"))
	if err != nil {
		return nil, err
	}

	m.Steps, err = meter.Int64Counter("taskpilot.steps",
		metric.WithDescription("Number of execution steps recorded"))
	if err != nil {
		return nil, err
	}

	m.LoopsDetected, err = meter.Int64Counter("taskpilot.loops.detected",
		metric.WithDescription("Number of failure loops detected"))
	if err != nil {
		return nil, err
	}

	m.CollabAsks, err = meter.Int64Counter("taskpilot.collab.asks",
		metric.WithDescription("Number of collaboration questions routed"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskpilot.task.duration_seconds",
		metric.WithDescription("Task duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.TaskCost, err = meter.Float64Histogram("taskpilot.task.cost_usd",
		metric.WithDescription("Task cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
