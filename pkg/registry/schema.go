// pkg/registry/schema.go
package registry

// WorkflowCatalog is the on-disk list of workflows registered at startup.
type WorkflowCatalog struct {
	Version     string         `json:"version"`
	LastUpdated string         `json:"lastUpdated"`
	Workflows   []CatalogEntry `json:"workflows"`
}

type CatalogEntry struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	Timeout     int      `json:"timeout,omitempty"` // seconds; 0 uses orchestrator.response_timeout
	Synchronous bool     `json:"synchronous"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`
}
