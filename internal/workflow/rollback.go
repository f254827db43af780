package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/metrics"
)

const defaultRollbackTimeout = 60 * time.Second

// Rollback unregisters models in the background. Callers never wait on it;
// the returned channel is closed once every unregistration has finished.
type Rollback struct {
	client  ModelServer
	timeout time.Duration
	logger  logger.Logger
}

func NewRollback(client ModelServer, timeout time.Duration, log logger.Logger) *Rollback {
	if timeout <= 0 {
		timeout = defaultRollbackTimeout
	}
	return &Rollback{
		client:  client,
		timeout: timeout,
		logger:  log.WithFields(map[string]interface{}{"component": "rollback"}),
	}
}

// Unregister dispatches one detached unregistration per node.
func (r *Rollback) Unregister(workflow string, nodes []*Node) <-chan struct{} {
	done := make(chan struct{})
	if len(nodes) == 0 {
		close(done)
		return done
	}

	var wg sync.WaitGroup
	wg.Add(len(nodes))
	for _, node := range nodes {
		go func(node *Node) {
			defer wg.Done()
			r.unregister(workflow, node)
		}(node)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (r *Rollback) unregister(workflow string, node *Node) {
	model := node.Model.Name
	defer func() {
		if rec := recover(); rec != nil {
			metrics.NodeRollbacks.WithLabelValues(metrics.StatusFailed).Inc()
			r.logger.Error("rollback task panicked", map[string]interface{}{
				"workflow": workflow,
				"model":    model,
				"panic":    fmt.Sprint(rec),
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.client.UnregisterModel(ctx, model)
	switch {
	case err == nil:
		metrics.NodeRollbacks.WithLabelValues(metrics.StatusSuccess).Inc()
		r.logger.Info("model unregistered", map[string]interface{}{
			"workflow": workflow,
			"model":    model,
		})
	case errors.HasCode(err, errors.ErrCodeModelNotFound), errors.HasCode(err, errors.ErrCodeModelVersionNotFound):
		metrics.NodeRollbacks.WithLabelValues(metrics.StatusNotFound).Inc()
		r.logger.Warn("model already gone during rollback", map[string]interface{}{
			"workflow": workflow,
			"model":    model,
			"error":    err.Error(),
		})
	default:
		metrics.NodeRollbacks.WithLabelValues(metrics.StatusFailed).Inc()
		stdErr := errors.NewRollbackFailedError(model, err)
		fields := map[string]interface{}{
			"workflow":  workflow,
			"errorCode": string(stdErr.Code),
			"error":     stdErr.Details,
			"retryable": false,
		}
		if cause, ok := errors.As(err); ok {
			fields["retryable"] = errors.IsRetryableErrorCode(cause.Code)
		}
		r.logger.Error(stdErr.Message, fields)
	}
}
