// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"workflow-manager/internal/common/validation"
)

func LoadCatalog(path string) (*WorkflowCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat WorkflowCatalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return &cat, nil
}

// NewCatalog returns an empty catalog stamped with the current time.
func NewCatalog() *WorkflowCatalog {
	return &WorkflowCatalog{
		Version:     "1.0.0",
		LastUpdated: time.Now().Format(time.RFC3339),
		Workflows:   []CatalogEntry{},
	}
}

// Save writes the catalog as indented JSON, creating the directory if needed.
func (c *WorkflowCatalog) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	return nil
}

func (c *WorkflowCatalog) Find(name string) (*CatalogEntry, bool) {
	for i := range c.Workflows {
		if c.Workflows[i].Name == name {
			return &c.Workflows[i], true
		}
	}
	return nil, false
}

func (c *WorkflowCatalog) Add(entry CatalogEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if _, ok := c.Find(entry.Name); ok {
		return fmt.Errorf("workflow %s already exists", entry.Name)
	}
	c.Workflows = append(c.Workflows, entry)
	c.LastUpdated = time.Now().Format(time.RFC3339)
	return nil
}

func (c *WorkflowCatalog) Remove(name string) error {
	for i := range c.Workflows {
		if c.Workflows[i].Name == name {
			c.Workflows = append(c.Workflows[:i], c.Workflows[i+1:]...)
			c.LastUpdated = time.Now().Format(time.RFC3339)
			return nil
		}
	}
	return fmt.Errorf("workflow %s not found", name)
}

// Enabled returns the entries marked enabled, in catalog order.
func (c *WorkflowCatalog) Enabled() []CatalogEntry {
	var out []CatalogEntry
	for _, e := range c.Workflows {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks every entry and rejects duplicate names.
func (c *WorkflowCatalog) Validate() error {
	names := make(map[string]bool, len(c.Workflows))
	for _, e := range c.Workflows {
		if err := validateEntry(e); err != nil {
			return err
		}
		if names[e.Name] {
			return fmt.Errorf("duplicate workflow name: %s", e.Name)
		}
		names[e.Name] = true
	}
	return nil
}

func validateEntry(e CatalogEntry) error {
	if err := validation.ValidateWorkflowName(e.Name); err != nil {
		return fmt.Errorf("workflow %q: %w", e.Name, err)
	}
	if e.URL == "" {
		return fmt.Errorf("workflow %s missing required field: url", e.Name)
	}
	if strings.Contains(e.URL, "://") {
		if !validation.ValidateURL(e.URL) {
			return fmt.Errorf("workflow %s has an invalid url: %s", e.Name, e.URL)
		}
	} else if filepath.IsAbs(e.URL) || strings.Contains(e.URL, "..") {
		return fmt.Errorf("workflow %s url must be a name inside the workflow store: %s", e.Name, e.URL)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("workflow %s has a negative timeout", e.Name)
	}
	return nil
}
