package workflow

import (
	"sort"
	"sync"

	"workflow-manager/internal/common/metrics"
)

// Registry is the process-wide table of published workflows. Construct one
// with NewRegistry before serving any request; it lives until shutdown.
type Registry struct {
	entries sync.Map // name -> *Graph
}

func NewRegistry() *Registry {
	return &Registry{}
}

// PublishIfAbsent stores graph under name unless an entry already exists.
// It reports whether graph became the stored entry.
func (r *Registry) PublishIfAbsent(name string, graph *Graph) bool {
	_, loaded := r.entries.LoadOrStore(name, graph)
	if !loaded {
		metrics.WorkflowsRegistered.Inc()
	}
	return !loaded
}

func (r *Registry) Lookup(name string) (*Graph, bool) {
	v, ok := r.entries.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Graph), true
}

func (r *Registry) Remove(name string) (*Graph, bool) {
	v, ok := r.entries.LoadAndDelete(name)
	if !ok {
		return nil, false
	}
	metrics.WorkflowsRegistered.Dec()
	return v.(*Graph), true
}

// List returns a snapshot of the published workflows ordered by name.
func (r *Registry) List() []*Graph {
	var graphs []*Graph
	r.entries.Range(func(_, v interface{}) bool {
		graphs = append(graphs, v.(*Graph))
		return true
	})
	sort.Slice(graphs, func(i, j int) bool { return graphs[i].Name < graphs[j].Name })
	return graphs
}

func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
