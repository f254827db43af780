package workflow

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/modelserver"
)

type behaviour struct {
	delay  time.Duration
	status int
	err    error
	panics bool
}

type fakeModelServer struct {
	mu            sync.Mutex
	behaviours    map[string]behaviour
	unregisterErr map[string]error
	registered    []string
	unregistered  []string
	requests      []modelserver.RegisterRequest

	inFlight    int32
	maxInFlight int32
}

func newFakeModelServer() *fakeModelServer {
	return &fakeModelServer{
		behaviours:    map[string]behaviour{},
		unregisterErr: map[string]error{},
	}
}

func (f *fakeModelServer) on(model string, b behaviour) *fakeModelServer {
	f.behaviours[model] = b
	return f
}

func (f *fakeModelServer) RegisterModel(ctx context.Context, req modelserver.RegisterRequest) (*modelserver.StatusResponse, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}

	f.mu.Lock()
	b := f.behaviours[req.ModelName]
	f.registered = append(f.registered, req.ModelName)
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	time.Sleep(b.delay)
	if b.panics {
		panic("backend exploded")
	}
	if b.err != nil {
		return nil, b.err
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		return &modelserver.StatusResponse{StatusCode: status, Status: fmt.Sprintf("Failed to load model %s", req.ModelName)}, nil
	}
	return &modelserver.StatusResponse{StatusCode: status, Status: fmt.Sprintf("Model %q registered", req.ModelName)}, nil
}

func (f *fakeModelServer) UnregisterModel(ctx context.Context, modelName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, modelName)
	return f.unregisterErr[modelName]
}

func (f *fakeModelServer) registeredModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.registered...)
	sort.Strings(out)
	return out
}

func (f *fakeModelServer) unregisteredModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.unregistered...)
	sort.Strings(out)
	return out
}

// fakeLoader builds a fresh graph for every Load so concurrent registrations
// never share one.
type fakeLoader struct {
	mu      sync.Mutex
	nodes   map[string][]string // url -> node names
	err     error
	removed []string // urls
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{nodes: map[string][]string{}}
}

func (l *fakeLoader) add(url string, nodes ...string) *fakeLoader {
	l.nodes[url] = nodes
	return l
}

func (l *fakeLoader) Load(_ context.Context, name, url string) (*Graph, error) {
	if l.err != nil {
		return nil, l.err
	}
	nodes, ok := l.nodes[url]
	if !ok {
		return nil, errors.NewDownloadFailedError(url, fmt.Errorf("no such package"))
	}
	g := testGraph(name, nodes...)
	g.URL = url
	return g, nil
}

func (l *fakeLoader) Remove(name, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, url)
	return nil
}

func testGraph(name string, nodes ...string) *Graph {
	g := &Graph{
		Name:  name,
		Nodes: map[string]*Node{},
		Edges: map[string][]string{},
	}
	for i, n := range nodes {
		g.Nodes[n] = &Node{
			Name: n,
			Model: WorkflowModel{
				Name:          ModelName(name, n),
				URL:           n + ".mar",
				BatchSize:     1,
				MaxBatchDelay: 50,
				MaxWorkers:    2,
			},
		}
		if i > 0 {
			g.Edges[nodes[i-1]] = append(g.Edges[nodes[i-1]], n)
		}
	}
	return g
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func observedLogger() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return logger.NewZapAdapter(zap.New(core)), logs
}

func newTestManager(client ModelServer, loader Loader, executor Executor, poolSize int, sinks ...EventSink) *Manager {
	return NewManager(client, loader, executor, Options{
		PoolSize:        poolSize,
		RollbackTimeout: time.Second,
		Sinks:           sinks,
	}, logger.NewNoOpLogger())
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "rollback did not finish")
	}
}
