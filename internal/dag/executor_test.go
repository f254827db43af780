package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/modelserver"
	"workflow-manager/internal/workflow"
)

// ==========================
// Mock Predictor
// ==========================

type MockPredictor struct {
	mock.Mock
}

func (m *MockPredictor) Predict(ctx context.Context, modelName string, body []byte, contentType string) (*modelserver.Prediction, error) {
	args := m.Called(ctx, modelName, string(body), contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*modelserver.Prediction), args.Error(1)
}

// ==========================
// Test Helpers
// ==========================

func node(wf, name string, retries int) *workflow.Node {
	return &workflow.Node{
		Name: name,
		Model: workflow.WorkflowModel{
			Name:          workflow.ModelName(wf, name),
			RetryAttempts: retries,
			TimeoutMs:     1000,
		},
	}
}

// diamond: pre -> (left, right) -> post
func diamondGraph() *workflow.Graph {
	g := &workflow.Graph{
		Name:  "wf",
		Nodes: map[string]*workflow.Node{},
		Edges: map[string][]string{
			"pre":   {"left", "right"},
			"left":  {"post"},
			"right": {"post"},
		},
	}
	for _, n := range []string{"pre", "left", "right", "post"} {
		g.Nodes[n] = node("wf", n, 1)
	}
	return g
}

func prediction(body string) *modelserver.Prediction {
	return &modelserver.Prediction{ContentType: "application/json", Body: []byte(body)}
}

func newTestExecutor(t *testing.T, p Predictor) *Executor {
	return NewExecutor(p, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, logger.NewTestLogger(t))
}

// ==========================
// Tests
// ==========================

func TestExecute_DiamondMergesPredecessorOutputs(t *testing.T) {
	p := new(MockPredictor)
	p.On("Predict", mock.Anything, "wf__pre", "raw", "text/plain").Return(prediction(`{"x":1}`), nil).Once()
	p.On("Predict", mock.Anything, "wf__left", `{"x":1}`, "application/json").Return(prediction(`"cat"`), nil).Once()
	p.On("Predict", mock.Anything, "wf__right", `{"x":1}`, "application/json").
		Return(&modelserver.Prediction{ContentType: "text/plain", Body: []byte("0.93")}, nil).Once()
	p.On("Predict", mock.Anything, "wf__post", mock.Anything, "application/json").Return(prediction(`{"label":"cat"}`), nil).Once()

	outputs, err := newTestExecutor(t, p).Execute(context.Background(), diamondGraph(),
		&workflow.Payload{ContentType: "text/plain", Body: []byte("raw")})
	require.NoError(t, err)

	require.Len(t, outputs, 1)
	assert.Equal(t, "post", outputs[0].Node)
	assert.Equal(t, `{"label":"cat"}`, string(outputs[0].Data.Body))

	var merged map[string]interface{}
	for _, call := range p.Calls {
		if call.Arguments.String(1) == "wf__post" {
			require.NoError(t, json.Unmarshal([]byte(call.Arguments.String(2)), &merged))
		}
	}
	assert.Equal(t, map[string]interface{}{"left": "cat", "right": 0.93}, merged)
	p.AssertExpectations(t)
}

func TestExecute_RunsInTopologicalOrder(t *testing.T) {
	p := new(MockPredictor)
	p.On("Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(prediction(`{}`), nil)

	_, err := newTestExecutor(t, p).Execute(context.Background(), diamondGraph(), &workflow.Payload{})
	require.NoError(t, err)

	var order []string
	for _, call := range p.Calls {
		order = append(order, call.Arguments.String(1))
	}
	assert.Equal(t, []string{"wf__pre", "wf__left", "wf__right", "wf__post"}, order)
}

func TestExecute_ReturnsEveryLeafSortedByName(t *testing.T) {
	g := &workflow.Graph{
		Name:  "wf",
		Nodes: map[string]*workflow.Node{"root": node("wf", "root", 1), "zeta": node("wf", "zeta", 1), "alpha": node("wf", "alpha", 1)},
		Edges: map[string][]string{"root": {"alpha", "zeta"}},
	}
	p := new(MockPredictor)
	p.On("Predict", mock.Anything, "wf__root", mock.Anything, mock.Anything).Return(prediction(`"r"`), nil)
	p.On("Predict", mock.Anything, "wf__alpha", mock.Anything, mock.Anything).Return(prediction(`"a"`), nil)
	p.On("Predict", mock.Anything, "wf__zeta", mock.Anything, mock.Anything).Return(prediction(`"z"`), nil)

	outputs, err := newTestExecutor(t, p).Execute(context.Background(), g, &workflow.Payload{})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "alpha", outputs[0].Node)
	assert.Equal(t, "zeta", outputs[1].Node)
}

func TestExecute_RetriesNodeUpToRetryAttempts(t *testing.T) {
	g := &workflow.Graph{
		Name:  "wf",
		Nodes: map[string]*workflow.Node{"only": node("wf", "only", 3)},
		Edges: map[string][]string{},
	}
	p := new(MockPredictor)
	p.On("Predict", mock.Anything, "wf__only", mock.Anything, mock.Anything).
		Return(nil, errors.NewExternalServiceError("model-server", fmt.Errorf("busy"))).Twice()
	p.On("Predict", mock.Anything, "wf__only", mock.Anything, mock.Anything).Return(prediction(`"ok"`), nil).Once()

	outputs, err := newTestExecutor(t, p).Execute(context.Background(), g, &workflow.Payload{})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(outputs[0].Data.Body))
	p.AssertNumberOfCalls(t, "Predict", 3)
}

func TestExecute_FailsAfterExhaustingAttempts(t *testing.T) {
	g := &workflow.Graph{
		Name:  "wf",
		Nodes: map[string]*workflow.Node{"a": node("wf", "a", 2), "b": node("wf", "b", 1)},
		Edges: map[string][]string{"a": {"b"}},
	}
	p := new(MockPredictor)
	p.On("Predict", mock.Anything, "wf__a", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("boom"))

	_, err := newTestExecutor(t, p).Execute(context.Background(), g, &workflow.Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node a failed after 2 attempt(s)")
	p.AssertNumberOfCalls(t, "Predict", 2)
	p.AssertNotCalled(t, "Predict", mock.Anything, "wf__b", mock.Anything, mock.Anything)
}

func TestExecute_AppliesNodeTimeout(t *testing.T) {
	g := &workflow.Graph{
		Name:  "wf",
		Nodes: map[string]*workflow.Node{"a": node("wf", "a", 1)},
		Edges: map[string][]string{},
	}
	p := new(MockPredictor)
	p.On("Predict", mock.Anything, "wf__a", mock.Anything, mock.Anything).Return(prediction(`{}`), nil).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 200*time.Millisecond)
		})

	_, err := newTestExecutor(t, p).Execute(context.Background(), g, &workflow.Payload{})
	require.NoError(t, err)
}

func TestExecute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := new(MockPredictor)
	_, err := newTestExecutor(t, p).Execute(ctx, diamondGraph(), &workflow.Payload{})
	assert.ErrorIs(t, err, context.Canceled)
	p.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTopo_DetectsCycle(t *testing.T) {
	g := &workflow.Graph{
		Name:  "wf",
		Nodes: map[string]*workflow.Node{"a": node("wf", "a", 1), "b": node("wf", "b", 1)},
		Edges: map[string][]string{"a": {"b"}, "b": {"a"}},
	}
	_, err := topo(g)
	assert.Error(t, err)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}.normalized()
	assert.Equal(t, 10*time.Millisecond, p.backoff(0))
	assert.Equal(t, 40*time.Millisecond, p.backoff(2))
	assert.Equal(t, 50*time.Millisecond, p.backoff(5))

	d := RetryPolicy{}.normalized()
	assert.Equal(t, 100*time.Millisecond, d.BaseDelay)
	assert.Equal(t, 2*time.Second, d.MaxDelay)
}
