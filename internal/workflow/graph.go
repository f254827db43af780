// Package workflow registers workflow graphs against the model server, keeps
// the table of published workflows and routes prediction requests to them.
package workflow

import (
	"sort"
)

// ModelNameSeparator joins the workflow and node names into the backend model name.
const ModelNameSeparator = "__"

// WorkflowModel holds the registration parameters of one model.
type WorkflowModel struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Handler       string `json:"handler,omitempty"`
	BatchSize     int    `json:"batchSize"`
	MaxBatchDelay int    `json:"maxBatchDelay"`
	MaxWorkers    int    `json:"maxWorkers"`
	RetryAttempts int    `json:"retryAttempts"`
	TimeoutMs     int    `json:"timeoutMs"`
}

// Node is one vertex of a workflow graph, bound to exactly one model.
type Node struct {
	Name  string        `json:"name"`
	Model WorkflowModel `json:"model"`
}

// Graph is a loaded workflow. It is not mutated after the loader returns it.
type Graph struct {
	Name  string              `json:"workflowName"`
	URL   string              `json:"workflowUrl"`
	Nodes map[string]*Node    `json:"-"`
	Edges map[string][]string `json:"dag"`
}

// ModelName returns the backend model name of a node in workflow.
func ModelName(workflow, node string) string {
	return workflow + ModelNameSeparator + node
}

// NodeNames returns the node names in lexical order.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortedNodes returns the nodes ordered by name.
func (g *Graph) SortedNodes() []*Node {
	names := g.NodeNames()
	nodes := make([]*Node, len(names))
	for i, name := range names {
		nodes[i] = g.Nodes[name]
	}
	return nodes
}

// Successors returns the nodes fed by name.
func (g *Graph) Successors(name string) []string {
	return g.Edges[name]
}

// Predecessors returns the nodes that feed name, in lexical order.
func (g *Graph) Predecessors(name string) []string {
	var preds []string
	for from, tos := range g.Edges {
		for _, to := range tos {
			if to == name {
				preds = append(preds, from)
				break
			}
		}
	}
	sort.Strings(preds)
	return preds
}

// Description is the serializable view of a published workflow.
type Description struct {
	Name  string              `json:"workflowName"`
	URL   string              `json:"workflowUrl"`
	Nodes []*Node             `json:"nodes"`
	Dag   map[string][]string `json:"dag"`
}

// Describe builds the listing view of the graph.
func (g *Graph) Describe() Description {
	return Description{
		Name:  g.Name,
		URL:   g.URL,
		Nodes: g.SortedNodes(),
		Dag:   g.Edges,
	}
}
