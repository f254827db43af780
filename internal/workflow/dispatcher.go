package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/metrics"
	"workflow-manager/internal/common/observability"
)

// Payload is an opaque request or response body.
type Payload struct {
	ContentType string
	Body        []byte
}

// NodeOutput is one output produced by a workflow run.
type NodeOutput struct {
	Node string
	Data *Payload
}

// Executor runs a request through a workflow graph.
type Executor interface {
	Execute(ctx context.Context, graph *Graph, input *Payload) ([]NodeOutput, error)
}

// Dispatcher routes prediction requests to published workflows.
type Dispatcher struct {
	registry *Registry
	executor Executor
	obs      *observability.Observability
	logger   logger.Logger
}

func NewDispatcher(registry *Registry, executor Executor, obs *observability.Observability, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		executor: executor,
		obs:      obs,
		logger:   log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
}

// Predict executes req on the named workflow and returns the data of the
// first output. Only outputs[0] is consulted.
func (d *Dispatcher) Predict(ctx context.Context, name string, req *Payload) (*Payload, error) {
	ctx, span := observability.StartSpan(ctx, "Predict", attribute.String("workflow", name))
	defer span.End()

	result, err := d.predict(ctx, name, req)
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusFailed
		if errors.HasCode(err, errors.ErrCodeWorkflowNotFound) {
			status = metrics.StatusNotFound
		}
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.Predictions.WithLabelValues(status).Inc()
	d.obs.RecordPrediction(ctx, name, status)
	return result, err
}

func (d *Dispatcher) predict(ctx context.Context, name string, req *Payload) (*Payload, error) {
	graph, ok := d.registry.Lookup(name)
	if !ok {
		return nil, errors.NewWorkflowNotFoundError(name)
	}

	outputs, err := d.executor.Execute(ctx, graph, req)
	if err != nil {
		d.logger.Error("workflow execution failed", map[string]interface{}{
			"workflow": name,
			"error":    err.Error(),
		})
		return nil, errors.NewInternalExecutionError("", err)
	}
	if len(outputs) == 0 || outputs[0].Data == nil {
		return nil, errors.NewInternalExecutionError("workflow produced no output", nil)
	}
	if len(outputs) > 1 {
		d.logger.Debug("ignoring additional workflow outputs", map[string]interface{}{
			"workflow": name,
			"outputs":  len(outputs),
			"used":     outputs[0].Node,
		})
	}
	return outputs[0].Data, nil
}
