package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/metrics"
	"workflow-manager/internal/common/observability"
)

// Loader resolves a workflow package into a graph and releases it again.
type Loader interface {
	Load(ctx context.Context, name, url string) (*Graph, error)
	Remove(name, url string) error
}

// Orchestrator registers every node of a workflow concurrently and publishes
// the workflow only when all of them succeeded.
type Orchestrator struct {
	loader    Loader
	registrar *NodeRegistrar
	rollback  *Rollback
	registry  *Registry
	poolSize  int
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewOrchestrator(loader Loader, registrar *NodeRegistrar, rollback *Rollback, registry *Registry, poolSize int, log logger.Logger) *Orchestrator {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	log = log.WithFields(map[string]interface{}{"component": "orchestrator"})
	return &Orchestrator{
		loader:    loader,
		registrar: registrar,
		rollback:  rollback,
		registry:  registry,
		poolSize:  poolSize,
		errors:    errors.NewErrorHandler(log),
		logger:    log,
	}
}

// RegisterWorkflow loads the package at url, registers every node and
// publishes the graph under its name. Rollback of a failed attempt runs in
// the background after the response is returned.
func (o *Orchestrator) RegisterWorkflow(ctx context.Context, name, url string, timeout int, synchronous bool) *errors.StatusResponse {
	return o.register(ctx, name, url, timeout, synchronous).resp
}

// registration is the result of one RegisterWorkflow call. rolledBack is
// closed once background rollback has finished, or immediately when there
// was nothing to roll back. published is false for a successful attempt that
// lost the publish race to another registration of the same name.
type registration struct {
	resp       *errors.StatusResponse
	workflow   string
	published  bool
	rolledBack <-chan struct{}
}

func (o *Orchestrator) register(ctx context.Context, name, url string, timeout int, synchronous bool) (reg *registration) {
	start := time.Now()
	done := make(chan struct{})
	close(done)
	reg = &registration{workflow: name, rolledBack: done}

	ctx, span := observability.StartSpan(ctx, "RegisterWorkflow",
		attribute.String("workflow", name),
		attribute.String("url", url),
	)
	defer func() {
		if rec := recover(); rec != nil {
			reg.resp = o.errors.Handle("RegisterWorkflow", errors.NewRegistrationFailedError(fmt.Errorf("panic: %v", rec)))
		}
		status := metrics.StatusSuccess
		if !reg.resp.OK() {
			status = metrics.StatusFailed
			span.SetStatus(codes.Error, reg.resp.Message)
		}
		metrics.WorkflowRegistrations.WithLabelValues(status).Inc()
		metrics.RegistrationDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		span.End()
	}()

	graph, err := o.loader.Load(ctx, name, url)
	if err != nil {
		if _, ok := errors.As(err); !ok {
			err = errors.NewRegistrationFailedError(err)
		}
		reg.resp = o.errors.Handle("LoadWorkflow", err)
		return reg
	}
	reg.workflow = graph.Name

	log := o.logger.WithFields(map[string]interface{}{
		"workflow": graph.Name,
		"nodes":    len(graph.Nodes),
	})

	succeeded, failures, err := o.registerNodes(ctx, graph, timeout, synchronous, log)
	if err != nil {
		reg.resp = o.errors.Handle("RegisterNodes", errors.NewRegistrationFailedError(err))
		return reg
	}

	if len(failures) > 0 || len(succeeded) != len(graph.Nodes) {
		reg.rolledBack = o.rollback.Unregister(graph.Name, succeeded)
		if err := o.loader.Remove(graph.Name, graph.URL); err != nil {
			log.Warn("failed to release workflow package", map[string]interface{}{"error": err.Error()})
		}
		msg := fmt.Sprintf("Workflow %s has failed to register. Failures: [%s]", graph.Name, strings.Join(failures, ", "))
		log.Error("workflow registration failed", map[string]interface{}{
			"failures":   len(failures),
			"rolledBack": len(succeeded),
		})
		reg.resp = &errors.StatusResponse{
			Code:    http.StatusInternalServerError,
			Message: msg,
			Err:     errors.NewRegistrationFailedError(fmt.Errorf("%s", msg)),
		}
		return reg
	}

	if o.registry.PublishIfAbsent(graph.Name, graph) {
		reg.published = true
		log.Info("workflow published", map[string]interface{}{
			"duration": time.Since(start).String(),
		})
	} else {
		// The other publisher keeps its entry and package; this attempt's models stay registered.
		log.Warn("workflow already published, discarding duplicate registration", map[string]interface{}{"url": graph.URL})
		if err := o.loader.Remove(graph.Name, graph.URL); err != nil {
			log.Warn("failed to release workflow package", map[string]interface{}{"error": err.Error()})
		}
	}

	reg.resp = errors.NewStatusResponse(fmt.Sprintf("Workflow %s has been registered and scaled successfully.", graph.Name))
	return reg
}

// registerNodes fans node registration out over a bounded pool, consumes
// outcomes in completion order and cancels pending tasks on the first
// failure. It always drains one outcome per node before returning.
func (o *Orchestrator) registerNodes(ctx context.Context, graph *Graph, timeout int, synchronous bool, log logger.Logger) ([]*Node, []string, error) {
	nodes := graph.SortedNodes()
	if len(nodes) == 0 {
		return nil, nil, nil
	}

	fo, err := newFanOut(o.poolSize, len(nodes))
	if err != nil {
		return nil, nil, err
	}
	defer fo.release()

	// Backend calls outlive the caller; only fo.cancel skips work.
	fo.start(context.WithoutCancel(ctx), nodes, func(ctx context.Context, node *Node) RegistrationOutcome {
		return o.registrar.Register(ctx, graph.Name, node, timeout, synchronous)
	})

	var (
		succeeded []*Node
		failures  []string
		failed    bool
	)
	for i := 0; i < len(nodes); i++ {
		out := fo.next()
		switch {
		case out.Succeeded:
			succeeded = append(succeeded, graph.Nodes[out.NodeName])
		case out.Cancelled:
			metrics.NodeRegistrations.WithLabelValues(metrics.StatusCancelled).Inc()
			log.Debug("node registration cancelled", map[string]interface{}{
				"node":   out.NodeName,
				"reason": out.Message,
			})
		default:
			failures = append(failures, out.Message)
			if !failed {
				failed = true
				fo.cancel()
				log.Warn("cancelling pending node registrations", map[string]interface{}{
					"node":   out.NodeName,
					"reason": out.Message,
				})
			}
		}
	}
	return succeeded, failures, nil
}
