package workflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/metrics"
	"workflow-manager/internal/common/modelserver"
	"workflow-manager/internal/common/observability"
)

// ModelServer is the registration backend every node is registered with.
type ModelServer interface {
	RegisterModel(ctx context.Context, req modelserver.RegisterRequest) (*modelserver.StatusResponse, error)
	UnregisterModel(ctx context.Context, modelName string) error
}

// RegistrationOutcome is the uniform result of one node registration task.
type RegistrationOutcome struct {
	NodeName   string
	Succeeded  bool
	Cancelled  bool
	StatusCode int
	Message    string
	Duration   time.Duration
}

// NodeRegistrar performs one registration attempt for one node.
type NodeRegistrar struct {
	client ModelServer
	obs    *observability.Observability
	logger logger.Logger
}

func NewNodeRegistrar(client ModelServer, obs *observability.Observability, log logger.Logger) *NodeRegistrar {
	return &NodeRegistrar{
		client: client,
		obs:    obs,
		logger: log.WithFields(map[string]interface{}{"component": "node-registrar"}),
	}
}

// Register registers node's model and never fails: backend errors, non-200
// answers and panics all come back as an outcome with Succeeded false.
func (r *NodeRegistrar) Register(ctx context.Context, workflow string, node *Node, timeout int, synchronous bool) (out RegistrationOutcome) {
	start := time.Now()
	model := node.Model

	ctx, span := observability.StartSpan(ctx, "RegisterNode",
		attribute.String("workflow", workflow),
		attribute.String("node", node.Name),
		attribute.String("model", model.Name),
	)

	defer func() {
		if rec := recover(); rec != nil {
			out = r.failure(node, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
		}
		out.Duration = time.Since(start)

		status := metrics.StatusSuccess
		if !out.Succeeded {
			status = metrics.StatusFailed
			span.SetStatus(codes.Error, out.Message)
		}
		metrics.NodeRegistrations.WithLabelValues(status).Inc()
		r.obs.RecordNodeRegistration(ctx, workflow, out.Duration, status)
		span.End()
	}()

	resp, err := r.client.RegisterModel(ctx, modelserver.RegisterRequest{
		URL:             model.URL,
		ModelName:       model.Name,
		Handler:         model.Handler,
		BatchSize:       model.BatchSize,
		MaxBatchDelay:   model.MaxBatchDelay,
		InitialWorkers:  model.MaxWorkers,
		ResponseTimeout: timeout,
		Synchronous:     synchronous,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if stdErr, ok := errors.As(err); ok {
			code = errors.HTTPStatus(stdErr.Code)
		}
		return r.failure(node, code, err)
	}
	if resp.StatusCode != http.StatusOK {
		return r.rejected(node, resp)
	}

	r.logger.Debug("node registered", map[string]interface{}{
		"workflow": workflow,
		"node":     node.Name,
		"model":    model.Name,
	})
	return RegistrationOutcome{
		NodeName:   node.Name,
		Succeeded:  true,
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
	}
}

// rejected reports a non-200 backend answer with the backend's own status text.
func (r *NodeRegistrar) rejected(node *Node, resp *modelserver.StatusResponse) RegistrationOutcome {
	if resp.Status == "" {
		return r.failure(node, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))
	}
	r.logger.Warn("node registration rejected", map[string]interface{}{
		"node":       node.Name,
		"model":      node.Model.Name,
		"statusCode": resp.StatusCode,
		"status":     resp.Status,
	})
	return RegistrationOutcome{
		NodeName:   node.Name,
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
	}
}

func (r *NodeRegistrar) failure(node *Node, code int, cause error) RegistrationOutcome {
	stdErr := errors.NewNodeRegistrationError(node.Model.Name, cause)
	msg := stdErr.Message
	if stdErr.Details != "" {
		msg = fmt.Sprintf("%s %s", stdErr.Message, stdErr.Details)
	}
	r.logger.Warn("node registration failed", map[string]interface{}{
		"node":       node.Name,
		"model":      node.Model.Name,
		"statusCode": code,
		"error":      stdErr.Details,
	})
	return RegistrationOutcome{
		NodeName:   node.Name,
		StatusCode: code,
		Message:    msg,
	}
}
