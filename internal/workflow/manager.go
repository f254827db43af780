package workflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/observability"
)

// Options tunes a Manager.
type Options struct {
	PoolSize        int
	RollbackTimeout time.Duration
	Observability   *observability.Observability
	Sinks           []EventSink
}

// Entry names a workflow package to register, e.g. at startup.
type Entry struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Timeout     int    `json:"timeout"`
	Synchronous bool   `json:"synchronous"`
}

// Manager is the public operation surface used by the transport layer.
type Manager struct {
	loader       Loader
	registry     *Registry
	orchestrator *Orchestrator
	rollback     *Rollback
	dispatcher   *Dispatcher
	events       sinkFanout
	logger       logger.Logger
}

func NewManager(client ModelServer, loader Loader, executor Executor, opts Options, log logger.Logger) *Manager {
	registry := NewRegistry()
	rollback := NewRollback(client, opts.RollbackTimeout, log)
	registrar := NewNodeRegistrar(client, opts.Observability, log)

	return &Manager{
		loader:       loader,
		registry:     registry,
		orchestrator: NewOrchestrator(loader, registrar, rollback, registry, opts.PoolSize, log),
		rollback:     rollback,
		dispatcher:   NewDispatcher(registry, executor, opts.Observability, log),
		events:       sinkFanout{sinks: opts.Sinks, logger: log},
		logger:       log.WithFields(map[string]interface{}{"component": "manager"}),
	}
}

func (m *Manager) RegisterWorkflow(ctx context.Context, name, url string, timeout int, synchronous bool) *errors.StatusResponse {
	return m.registerWorkflow(ctx, name, url, timeout, synchronous).resp
}

func (m *Manager) registerWorkflow(ctx context.Context, name, url string, timeout int, synchronous bool) *registration {
	start := time.Now()
	reg := m.orchestrator.register(ctx, name, url, timeout, synchronous)

	typ := EventRegistered
	switch {
	case !reg.resp.OK():
		typ = EventRegistrationFailed
	case !reg.published:
		return reg
	}
	ev := newEvent(typ, reg.workflow, url)
	ev.StatusCode = reg.resp.Code
	ev.Message = reg.resp.Message
	ev.Duration = time.Since(start)
	m.events.record(context.WithoutCancel(ctx), ev)

	return reg
}

// UnregisterWorkflow removes the workflow, rolls back all of its models and
// releases its package. Unknown names fail with WORKFLOW_NOT_FOUND.
func (m *Manager) UnregisterWorkflow(ctx context.Context, name string) error {
	_, err := m.unregisterWorkflow(ctx, name)
	return err
}

func (m *Manager) unregisterWorkflow(ctx context.Context, name string) (<-chan struct{}, error) {
	graph, ok := m.registry.Remove(name)
	if !ok {
		err := errors.NewWorkflowNotFoundError(name)
		m.logger.Warn("unregister of unknown workflow", map[string]interface{}{"workflow": name})
		return nil, err
	}

	done := m.rollback.Unregister(graph.Name, graph.SortedNodes())
	if err := m.loader.Remove(graph.Name, graph.URL); err != nil {
		m.logger.Warn("failed to release workflow package", map[string]interface{}{
			"workflow": graph.Name,
			"error":    err.Error(),
		})
	}

	ev := newEvent(EventUnregistered, graph.Name, graph.URL)
	ev.StatusCode = http.StatusOK
	ev.Message = fmt.Sprintf("Workflow %s unregistered", graph.Name)
	m.events.record(ctx, ev)

	m.logger.Info("workflow unregistered", map[string]interface{}{"workflow": graph.Name})
	return done, nil
}

func (m *Manager) ListWorkflows() []*Graph {
	return m.registry.List()
}

func (m *Manager) GetWorkflow(name string) (*Graph, bool) {
	return m.registry.Lookup(name)
}

func (m *Manager) Predict(ctx context.Context, name string, req *Payload) (*Payload, error) {
	return m.dispatcher.Predict(ctx, name, req)
}

// Restore registers every entry in order and reports how many were published.
func (m *Manager) Restore(ctx context.Context, entries []Entry, defaultTimeout int) int {
	restored := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if _, ok := m.registry.Lookup(e.Name); ok {
			continue
		}
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		resp := m.RegisterWorkflow(ctx, e.Name, e.URL, timeout, e.Synchronous)
		if !resp.OK() {
			m.logger.Error("failed to restore workflow", map[string]interface{}{
				"workflow": e.Name,
				"url":      e.URL,
				"status":   resp.Code,
				"message":  resp.Message,
			})
			continue
		}
		restored++
	}
	return restored
}
