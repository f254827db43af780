// Package dag runs an inference request through a published workflow graph.
// Nodes are executed one at a time in topological order against the model
// server inference API.
package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/modelserver"
	"workflow-manager/internal/common/observability"
	"workflow-manager/internal/workflow"
)

const jsonContentType = "application/json"

// Predictor is the part of the model server client the executor needs.
type Predictor interface {
	Predict(ctx context.Context, modelName string, body []byte, contentType string) (*modelserver.Prediction, error)
}

// RetryPolicy controls the delay between attempts of a failing node. The
// number of attempts comes from the node's retry-attempts setting.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	q := p
	if q.BaseDelay <= 0 {
		q.BaseDelay = 100 * time.Millisecond
	}
	if q.MaxDelay <= 0 {
		q.MaxDelay = 2 * time.Second
	}
	if q.MaxDelay < q.BaseDelay {
		q.MaxDelay = q.BaseDelay
	}
	return q
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Executor implements workflow.Executor.
type Executor struct {
	predictor Predictor
	retry     RetryPolicy
	logger    logger.Logger
}

func NewExecutor(predictor Predictor, retry RetryPolicy, log logger.Logger) *Executor {
	return &Executor{
		predictor: predictor,
		retry:     retry.normalized(),
		logger:    log.WithFields(map[string]interface{}{"component": "dag-executor"}),
	}
}

// Execute feeds input to every root node and each node's output to its
// successors. A node with several predecessors receives a JSON object keyed
// by predecessor name. The outputs of leaf nodes are returned sorted by name.
func (e *Executor) Execute(ctx context.Context, graph *workflow.Graph, input *workflow.Payload) ([]workflow.NodeOutput, error) {
	if input == nil {
		input = &workflow.Payload{}
	}
	order, err := topo(graph)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*workflow.Payload, len(order))
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in, err := nodeInput(graph.Predecessors(name), input, results)
		if err != nil {
			return nil, err
		}
		out, err := e.runNode(ctx, graph, graph.Nodes[name], in)
		if err != nil {
			return nil, err
		}
		results[name] = out
	}

	var outputs []workflow.NodeOutput
	for _, name := range graph.NodeNames() {
		if len(graph.Successors(name)) == 0 {
			outputs = append(outputs, workflow.NodeOutput{Node: name, Data: results[name]})
		}
	}
	return outputs, nil
}

func (e *Executor) runNode(ctx context.Context, graph *workflow.Graph, node *workflow.Node, in *workflow.Payload) (*workflow.Payload, error) {
	ctx, span := observability.StartSpan(ctx, "ExecuteNode",
		attribute.String("workflow", graph.Name),
		attribute.String("node", node.Name),
	)
	defer span.End()

	attempts := node.Model.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := e.retry.backoff(attempt - 1)
			e.logger.Debug("retrying node", map[string]interface{}{
				"workflow": graph.Name,
				"node":     node.Name,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			})
			select {
			case <-ctx.Done():
				span.SetStatus(codes.Error, ctx.Err().Error())
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		out, err := e.predict(ctx, node, in)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	span.SetStatus(codes.Error, lastErr.Error())
	e.logger.Warn("node execution failed", map[string]interface{}{
		"workflow": graph.Name,
		"node":     node.Name,
		"attempts": attempts,
		"error":    lastErr.Error(),
	})
	return nil, fmt.Errorf("node %s failed after %d attempt(s): %w", node.Name, attempts, lastErr)
}

func (e *Executor) predict(ctx context.Context, node *workflow.Node, in *workflow.Payload) (*workflow.Payload, error) {
	if node.Model.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.Model.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	pred, err := e.predictor.Predict(ctx, node.Model.Name, in.Body, in.ContentType)
	if err != nil {
		return nil, err
	}
	return &workflow.Payload{ContentType: pred.ContentType, Body: pred.Body}, nil
}

func nodeInput(preds []string, input *workflow.Payload, results map[string]*workflow.Payload) (*workflow.Payload, error) {
	switch len(preds) {
	case 0:
		return input, nil
	case 1:
		return results[preds[0]], nil
	}

	merged := make(map[string]interface{}, len(preds))
	for _, p := range preds {
		body := results[p].Body
		if json.Valid(body) {
			merged[p] = json.RawMessage(body)
		} else {
			merged[p] = string(body)
		}
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge predecessor outputs: %w", err)
	}
	return &workflow.Payload{ContentType: jsonContentType, Body: data}, nil
}

// topo orders the graph with Kahn's algorithm. Ready nodes are taken in name
// order so the execution order is deterministic.
func topo(g *workflow.Graph) ([]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		indeg[name] = 0
	}
	for _, tos := range g.Edges {
		for _, to := range tos {
			indeg[to]++
		}
	}

	var queue []string
	for name, d := range indeg {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		var ready []string
		for _, u := range g.Successors(v) {
			indeg[u]--
			if indeg[u] == 0 {
				ready = append(ready, u)
			}
		}
		queue = append(queue, ready...)
		sort.Strings(queue)
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("workflow %s graph contains a cycle", g.Name)
	}
	return order, nil
}
