// test/e2e/e2e_test.go
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-manager/internal/api"
	"workflow-manager/internal/archive"
	"workflow-manager/internal/common/config"
	"workflow-manager/internal/common/database"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/modelserver"
	"workflow-manager/internal/dag"
	"workflow-manager/internal/snapshot"
	"workflow-manager/internal/workflow"
)

const dogsSpec = `
models:
  max-workers: 2
  retry-attempts: 1
  timeout-ms: 2000

  pre_processing:
    url: pre_processing.mar
  cat_dog_classification:
    url: cat_dog_classification.mar
  dog_breed_classification:
    url: dog_breed_classification.mar

dag:
  pre_processing: [cat_dog_classification]
  cat_dog_classification: [dog_breed_classification]
`

// ==========================
// Fake model server
// ==========================

// modelServer mimics the management and inference APIs of the backend.
type modelServer struct {
	mu           sync.Mutex
	models       map[string]bool
	unregistered []string
	failing      map[string]bool
}

func newModelServer() *modelServer {
	return &modelServer{models: map[string]bool{}, failing: map[string]bool{}}
}

func (s *modelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/ping":
		fmt.Fprint(w, `{"status":"Healthy"}`)

	case r.Method == http.MethodPost && r.URL.Path == "/models":
		name := r.URL.Query().Get("model_name")
		if s.failing[name] {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"code":500,"type":"InternalServerException","message":"Failed to load %s"}`, name)
			return
		}
		s.models[name] = true
		fmt.Fprintf(w, `{"status":"Model \"%s\" Version: 1.0 registered with 2 initial workers"}`, name)

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/models/"):
		name := strings.TrimPrefix(r.URL.Path, "/models/")
		if !s.models[name] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"code":404,"type":"ModelNotFoundException","message":"Model not found: %s"}`, name)
			return
		}
		delete(s.models, name)
		s.unregistered = append(s.unregistered, name)
		fmt.Fprintf(w, `{"status":"Model \"%s\" unregistered"}`, name)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/predictions/"):
		name := strings.TrimPrefix(r.URL.Path, "/predictions/")
		if !s.models[name] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"code":404,"type":"ModelNotFoundException","message":"Model not found: %s"}`, name)
			return
		}
		body, _ := io.ReadAll(r.Body)
		out, _ := json.Marshal(map[string]string{"model": name, "input": string(body)})
		w.Write(out)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *modelServer) loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *modelServer) fail(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[model] = true
}

// ==========================
// Test environment
// ==========================

type testEnvironment struct {
	backend   *modelServer
	manager   *workflow.Manager
	snapshots *snapshot.Store
	api       *httptest.Server
	storePath string
}

func newEnvironment(t *testing.T, backend *modelServer, backendURL string, mr *miniredis.Miniredis, storePath string) *testEnvironment {
	t.Helper()
	log := logger.NewTestLogger(t)

	client := modelserver.NewClientWithConfig(&modelserver.ClientConfig{
		ManagementURL:  backendURL,
		InferenceURL:   backendURL,
		RequestTimeout: 5 * time.Second,
		RetryConfig:    &modelserver.RetryConfig{MaxRetries: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})

	loader, err := archive.NewLoader(config.WorkflowStoreConfig{
		Path:        storePath,
		AllowedURLs: []string{`file://.*|http(s)?://.*`},
	}, 5*time.Second, log)
	require.NoError(t, err)

	rdb, err := database.NewRedis(config.RedisConfig{Address: mr.Addr(), KeyPrefix: "e2e"})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	snapshots := snapshot.NewStore(rdb, log)

	executor := dag.NewExecutor(client, dag.RetryPolicy{BaseDelay: time.Millisecond}, log)
	manager := workflow.NewManager(client, loader, executor, workflow.Options{
		PoolSize:        4,
		RollbackTimeout: 5 * time.Second,
		Sinks:           []workflow.EventSink{snapshots},
	}, log)

	router := api.NewRouter(manager, nil, api.Options{ResponseTimeout: 30, Synchronous: true}, log)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnvironment{
		backend:   backend,
		manager:   manager,
		snapshots: snapshots,
		api:       srv,
		storePath: storePath,
	}
}

func setup(t *testing.T) (*testEnvironment, *miniredis.Miniredis) {
	backend := newModelServer()
	backendSrv := httptest.NewServer(backend)
	t.Cleanup(backendSrv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(store, "dogs.yaml"), []byte(dogsSpec), 0o644))

	return newEnvironment(t, backend, backendSrv.URL, mr, store), mr
}

func (e *testEnvironment) call(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.api.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func init() {
	gin.SetMode(gin.TestMode)
}

// ==========================
// Scenarios
// ==========================

func TestE2E_RegisterPredictUnregister(t *testing.T) {
	env, _ := setup(t)

	code, body := env.call(t, http.MethodPost, "/workflows?url=dogs.yaml", "")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), "Workflow dogs has been registered and scaled successfully.")
	assert.Equal(t, []string{
		"dogs__cat_dog_classification",
		"dogs__dog_breed_classification",
		"dogs__pre_processing",
	}, env.backend.loaded())

	code, body = env.call(t, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"workflowName":"dogs"`)

	code, body = env.call(t, http.MethodPost, "/wfpredict/dogs", `{"image":"husky.jpg"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "dogs__dog_breed_classification", out["model"])
	assert.Contains(t, out["input"], "dogs__cat_dog_classification", "each node receives its predecessor's output")

	entries, err := env.snapshots.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dogs.yaml", entries[0].URL)

	code, _ = env.call(t, http.MethodDelete, "/workflows/dogs", "")
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool { return len(env.backend.loaded()) == 0 }, 2*time.Second, 10*time.Millisecond)

	code, _ = env.call(t, http.MethodPost, "/wfpredict/dogs", `{}`)
	assert.Equal(t, http.StatusNotFound, code)

	entries, err = env.snapshots.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestE2E_FailedNodeRollsBackWorkflow(t *testing.T) {
	env, _ := setup(t)
	env.backend.fail("dogs__dog_breed_classification")

	code, body := env.call(t, http.MethodPost, "/workflows?url=dogs.yaml", "")
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, string(body), "Workflow dogs has failed to register.")
	assert.Contains(t, string(body), "Failed to load dogs__dog_breed_classification")

	require.Eventually(t, func() bool { return len(env.backend.loaded()) == 0 }, 2*time.Second, 10*time.Millisecond,
		"every node that did register is rolled back")

	code, _ = env.call(t, http.MethodGet, "/workflows/dogs", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestE2E_InvalidPackages(t *testing.T) {
	env, _ := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.storePath, "cyclic.yaml"), []byte(`
models:
  a: {url: a.mar}
  b: {url: b.mar}
dag:
  a: [b]
  b: [a]
`), 0o644))

	code, body := env.call(t, http.MethodPost, "/workflows?url=cyclic.yaml", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "Invalid workflow specification")

	code, _ = env.call(t, http.MethodPost, "/workflows?url=missing.yaml", "")
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Empty(t, env.backend.loaded(), "nothing reaches the backend for an invalid package")
}

func TestE2E_RestoreFromSnapshot(t *testing.T) {
	env, mr := setup(t)

	code, _ := env.call(t, http.MethodPost, "/workflows?url=dogs.yaml&workflow_name=pets", "")
	require.Equal(t, http.StatusOK, code)

	// A second manager against a fresh backend, sharing redis and the store.
	backend := newModelServer()
	backendSrv := httptest.NewServer(backend)
	t.Cleanup(backendSrv.Close)
	restarted := newEnvironment(t, backend, backendSrv.URL, mr, env.storePath)

	entries, err := restarted.snapshots.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	n := restarted.manager.Restore(context.Background(), entries, 30)
	assert.Equal(t, 1, n)

	_, ok := restarted.manager.GetWorkflow("pets")
	assert.True(t, ok)
	assert.Len(t, backend.loaded(), 3)
}
