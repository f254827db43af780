// cmd/tools/catalog-updater/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"workflow-manager/pkg/registry"
)

const defaultCatalogPath = "configs/workflow-catalog.json"

func main() {
	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	removeCmd := flag.NewFlagSet("remove", flag.ExitOnError)
	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	// Add command flags
	addPath := addCmd.String("path", defaultCatalogPath, "Path to catalog file")
	name := addCmd.String("name", "", "Workflow name (e.g., dog_breed)")
	url := addCmd.String("url", "", "Workflow package: store file name or http(s)/file URL")
	description := addCmd.String("description", "", "Description")
	timeout := addCmd.Int("timeout", 0, "Per-node response timeout in seconds (0 = server default)")
	synchronous := addCmd.Bool("synchronous", true, "Wait for workers to scale up during registration")
	enabled := addCmd.Bool("enabled", true, "Register the workflow at startup")
	tags := addCmd.String("tags", "", "Comma separated tags")

	// Remove command flags
	removePath := removeCmd.String("path", defaultCatalogPath, "Path to catalog file")
	removeName := removeCmd.String("name", "", "Workflow name to remove")

	// Update command flags
	updatePath := updateCmd.String("path", defaultCatalogPath, "Path to catalog file")
	updateName := updateCmd.String("name", "", "Workflow name to update")
	field := updateCmd.String("field", "", "Field to update (url, description, timeout, synchronous, enabled)")
	value := updateCmd.String("value", "", "New value for the field")

	validatePath := validateCmd.String("path", defaultCatalogPath, "Path to catalog file")
	listPath := listCmd.String("path", defaultCatalogPath, "Path to catalog file")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		if *name == "" || *url == "" {
			fmt.Println("Error: name and url are required for add.")
			addCmd.Usage()
			os.Exit(1)
		}
		entry := registry.CatalogEntry{
			Name:        *name,
			URL:         *url,
			Description: *description,
			Timeout:     *timeout,
			Synchronous: *synchronous,
			Enabled:     *enabled,
			Tags:        splitTags(*tags),
		}
		if err := addWorkflow(*addPath, entry); err != nil {
			fmt.Printf("Error adding workflow: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added workflow: %s\n", *name)

	case "remove":
		removeCmd.Parse(os.Args[2:])
		if *removeName == "" {
			fmt.Println("Error: name is required for remove.")
			removeCmd.Usage()
			os.Exit(1)
		}
		if err := removeWorkflow(*removePath, *removeName); err != nil {
			fmt.Printf("Error removing workflow: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed workflow: %s\n", *removeName)

	case "update":
		updateCmd.Parse(os.Args[2:])
		if *updateName == "" || *field == "" {
			fmt.Println("Error: name and field are required for update.")
			updateCmd.Usage()
			os.Exit(1)
		}
		if err := updateWorkflow(*updatePath, *updateName, *field, *value); err != nil {
			fmt.Printf("Error updating workflow: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated workflow %s, field %s to %s\n", *updateName, *field, *value)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		cat, err := registry.LoadCatalog(*validatePath)
		if err == nil {
			err = cat.Validate()
		}
		if err != nil {
			fmt.Printf("Catalog validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Catalog validation passed. Found %d workflows.\n", len(cat.Workflows))

	case "list":
		listCmd.Parse(os.Args[2:])
		cat, err := registry.LoadCatalog(*listPath)
		if err != nil {
			fmt.Printf("Error loading catalog: %v\n", err)
			os.Exit(1)
		}
		for _, e := range cat.Workflows {
			state := "disabled"
			if e.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-30s %-8s %s\n", e.Name, state, e.URL)
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func loadOrCreate(path string) (*registry.WorkflowCatalog, error) {
	cat, err := registry.LoadCatalog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return registry.NewCatalog(), nil
		}
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, nil
}

func addWorkflow(path string, entry registry.CatalogEntry) error {
	cat, err := loadOrCreate(path)
	if err != nil {
		return err
	}
	if err := cat.Add(entry); err != nil {
		return err
	}
	return cat.Save(path)
}

func removeWorkflow(path, name string) error {
	cat, err := registry.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if err := cat.Remove(name); err != nil {
		return err
	}
	return cat.Save(path)
}

func updateWorkflow(path, name, field, value string) error {
	cat, err := registry.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	e, ok := cat.Find(name)
	if !ok {
		return fmt.Errorf("workflow %s not found", name)
	}

	switch field {
	case "url":
		e.URL = value
	case "description":
		e.Description = value
	case "timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid timeout value: %w", err)
		}
		e.Timeout = n
	case "synchronous", "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", field, err)
		}
		if field == "synchronous" {
			e.Synchronous = b
		} else {
			e.Enabled = b
		}
	case "tags":
		e.Tags = splitTags(value)
	default:
		return fmt.Errorf("unknown field: %s", field)
	}

	if err := cat.Validate(); err != nil {
		return err
	}
	return cat.Save(path)
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func help() {
	fmt.Print(`
Usage: catalog-updater <command> [flags]

Commands:
  add      Add a workflow to the startup catalog
  remove   Remove a workflow from the catalog
  update   Update a field of a catalog entry
  validate Validate the catalog file
  list     List catalog entries
  help     Show this help message

Examples:
  catalog-updater add -name dog_breed -url dog_breed.yaml -timeout 120
  catalog-updater update -name dog_breed -field enabled -value false
  catalog-updater validate -path configs/workflow-catalog.json

Use 'catalog-updater <command> -h' for more information about a command.

`)
}
