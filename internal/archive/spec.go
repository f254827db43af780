package archive

import (
	"fmt"
	"sort"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/workflow"
)

// Defaults applied when neither the model entry nor the global section of
// the specification sets a value.
const (
	DefaultMaxWorkers    = 1
	DefaultBatchSize     = 1
	DefaultMaxBatchDelay = 50
	DefaultRetryAttempts = 1
	DefaultTimeoutMs     = 10000
)

// min-workers is accepted for compatibility with existing workflow files but
// has no effect: registration scales every model to max-workers.
var globalKeys = map[string]bool{
	"min-workers":     true,
	"max-workers":     true,
	"batch-size":      true,
	"max-batch-delay": true,
	"retry-attempts":  true,
	"timeout-ms":      true,
}

type modelSpec struct {
	url      string
	handler  string
	settings map[string]int
}

type workflowSpec struct {
	globals map[string]int
	models  map[string]modelSpec
	dag     map[string][]string
}

func decodeSpec(raw map[string]interface{}) (*workflowSpec, error) {
	spec := &workflowSpec{
		globals: map[string]int{},
		models:  map[string]modelSpec{},
		dag:     map[string][]string{},
	}

	models, _ := raw["models"].(map[string]interface{})
	for key, value := range models {
		if globalKeys[key] {
			n, err := toInt(key, value)
			if err != nil {
				return nil, err
			}
			spec.globals[key] = n
			continue
		}

		entry, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("model %s must be a mapping", key)
		}
		m := modelSpec{settings: map[string]int{}}
		m.url, _ = entry["url"].(string)
		m.handler, _ = entry["handler"].(string)
		for k, v := range entry {
			if !globalKeys[k] {
				continue
			}
			n, err := toInt(key+"."+k, v)
			if err != nil {
				return nil, err
			}
			m.settings[k] = n
		}
		spec.models[key] = m
	}

	dag, _ := raw["dag"].(map[string]interface{})
	for from, value := range dag {
		targets, _ := value.([]interface{})
		for _, t := range targets {
			to, ok := t.(string)
			if !ok {
				return nil, fmt.Errorf("dag edge from %s must name a node", from)
			}
			spec.dag[from] = append(spec.dag[from], to)
		}
		if _, ok := spec.dag[from]; !ok {
			spec.dag[from] = nil
		}
	}
	return spec, nil
}

func toInt(field string, v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("%s must be an integer, got %v", field, v)
}

func (s *workflowSpec) setting(model modelSpec, key string, fallback int) int {
	if n, ok := model.settings[key]; ok {
		return n
	}
	if n, ok := s.globals[key]; ok {
		return n
	}
	return fallback
}

func buildGraph(name string, spec *workflowSpec) (*workflow.Graph, error) {
	if len(spec.models) == 0 {
		return nil, errors.NewInvalidSpecificationError("workflow has no nodes", nil)
	}

	graph := &workflow.Graph{
		Name:  name,
		Nodes: make(map[string]*workflow.Node, len(spec.models)),
		Edges: map[string][]string{},
	}
	for nodeName, m := range spec.models {
		graph.Nodes[nodeName] = &workflow.Node{
			Name: nodeName,
			Model: workflow.WorkflowModel{
				Name:          workflow.ModelName(name, nodeName),
				URL:           m.url,
				Handler:       m.handler,
				BatchSize:     spec.setting(m, "batch-size", DefaultBatchSize),
				MaxBatchDelay: spec.setting(m, "max-batch-delay", DefaultMaxBatchDelay),
				MaxWorkers:    spec.setting(m, "max-workers", DefaultMaxWorkers),
				RetryAttempts: spec.setting(m, "retry-attempts", DefaultRetryAttempts),
				TimeoutMs:     spec.setting(m, "timeout-ms", DefaultTimeoutMs),
			},
		}
	}

	for from, targets := range spec.dag {
		if _, ok := graph.Nodes[from]; !ok {
			return nil, errors.NewInvalidSpecificationError(
				fmt.Sprintf("dag node %s is not defined in models", from), nil)
		}
		seen := map[string]bool{}
		for _, to := range targets {
			if _, ok := graph.Nodes[to]; !ok {
				return nil, errors.NewInvalidSpecificationError(
					fmt.Sprintf("dag node %s is not defined in models", to), nil)
			}
			if to == from {
				return nil, errors.NewInvalidSpecificationError(
					fmt.Sprintf("dag node %s points at itself", from), nil)
			}
			if seen[to] {
				continue
			}
			seen[to] = true
			graph.Edges[from] = append(graph.Edges[from], to)
		}
		sort.Strings(graph.Edges[from])
	}

	if cycle := findCycle(graph); cycle != "" {
		return nil, errors.NewInvalidSpecificationError(
			fmt.Sprintf("dag contains a cycle through %s", cycle), nil)
	}
	return graph, nil
}

// findCycle runs Kahn's algorithm and returns a node left on a cycle, or "".
func findCycle(g *workflow.Graph) string {
	indegree := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		indegree[name] = 0
	}
	for _, tos := range g.Edges {
		for _, to := range tos {
			indegree[to]++
		}
	}

	queue := []string{}
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range g.Edges[n] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited == len(g.Nodes) {
		return ""
	}

	var stuck []string
	for name, d := range indegree {
		if d > 0 {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)
	return stuck[0]
}
