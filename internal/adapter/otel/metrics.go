// Package otel provides OpenTelemetry metric instruments for the
// orchestration engine.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marcospaulo/makeitrain/internal/domain/fail"
	"github.com/marcospaulo/makeitrain/internal/domain/run"
)

const meterName = "makeitrain"

// Metrics holds all makeitrain metric instruments and implements the
// orchestrator's metrics surface.
type Metrics struct {
	tasksSubmitted metric.Int64Counter
	tasksRequeued  metric.Int64Counter
	runsFinished   metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.tasksSubmitted, err = meter.Int64Counter("makeitrain.tasks.submitted",
		metric.WithDescription("Number of tasks submitted"))
	if err != nil {
		return nil, err
	}

	m.tasksRequeued, err = meter.Int64Counter("makeitrain.tasks.requeued",
		metric.WithDescription("Number of task requeues after a retryable failure"))
	if err != nil {
		return nil, err
	}

	m.runsFinished, err = meter.Int64Counter("makeitrain.runs.finished",
		metric.WithDescription("Number of finished purchase runs by final stage and failure kind"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) TaskSubmitted(ctx context.Context, retailerTag string) {
	m.tasksSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("retailer", retailerTag)))
}

func (m *Metrics) TaskRequeued(ctx context.Context, retailerTag string, kind fail.Kind) {
	m.tasksRequeued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("retailer", retailerTag),
		attribute.String("kind", string(kind))))
}

func (m *Metrics) RunFinished(ctx context.Context, retailerTag string, stage run.Stage, kind fail.Kind) {
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("retailer", retailerTag),
		attribute.String("stage", string(stage)),
		attribute.String("kind", string(kind))))
}
