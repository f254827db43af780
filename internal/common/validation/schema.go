package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// WorkflowSpecSchema describes a decoded workflow specification file. Keys
// under "models" other than the global defaults are model entries.
const WorkflowSpecSchema = `{
  "type": "object",
  "required": ["models", "dag"],
  "properties": {
    "models": {
      "type": "object",
      "properties": {
        "min-workers":     {"type": "integer", "minimum": 0},
        "max-workers":     {"type": "integer", "minimum": 1},
        "batch-size":      {"type": "integer", "minimum": 1},
        "max-batch-delay": {"type": "integer", "minimum": 0},
        "retry-attempts":  {"type": "integer", "minimum": 0},
        "timeout-ms":      {"type": "integer", "minimum": 0}
      },
      "additionalProperties": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url":             {"type": "string", "minLength": 1},
          "handler":         {"type": "string"},
          "min-workers":     {"type": "integer", "minimum": 0},
          "max-workers":     {"type": "integer", "minimum": 1},
          "batch-size":      {"type": "integer", "minimum": 1},
          "max-batch-delay": {"type": "integer", "minimum": 0},
          "retry-attempts":  {"type": "integer", "minimum": 0},
          "timeout-ms":      {"type": "integer", "minimum": 0}
        }
      }
    },
    "dag": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	workflowSchema = gojsonschema.NewStringLoader(WorkflowSpecSchema)
	workflowName   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.]*$`)
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ValidateDocument validates a decoded document against a JSON schema.
// The schema may be a JSON string or an already-decoded map.
func ValidateDocument(schema interface{}, document interface{}) (*ValidationResult, error) {
	var schemaLoader gojsonschema.JSONLoader
	switch s := schema.(type) {
	case string:
		schemaLoader = gojsonschema.NewStringLoader(s)
	case gojsonschema.JSONLoader:
		schemaLoader = s
	default:
		schemaLoader = gojsonschema.NewGoLoader(s)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	errors := make([]ValidationError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errors = append(errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	return &ValidationResult{Valid: result.Valid(), Errors: errors}, nil
}

// ValidateWorkflowSpec checks a decoded workflow specification file.
func ValidateWorkflowSpec(spec map[string]interface{}) (*ValidationResult, error) {
	return ValidateDocument(workflowSchema, spec)
}

// ValidateWorkflowName rejects names that cannot be used as registry keys
// or backend model-name prefixes.
func ValidateWorkflowName(name string) error {
	if !workflowName.MatchString(name) {
		return fmt.Errorf("workflow name %q must start with a letter or digit and contain only letters, digits, '_', '-' or '.'", name)
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("workflow name %q must not contain '__'", name)
	}
	return nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// GetErrorsForField returns errors for a specific field
func (vr *ValidationResult) GetErrorsForField(field string) []ValidationError {
	var fieldErrors []ValidationError
	for _, err := range vr.Errors {
		if err.Field == field || strings.HasPrefix(err.Field, field+".") {
			fieldErrors = append(fieldErrors, err)
		}
	}
	return fieldErrors
}

// ValidateURL validates URL format
func ValidateURL(url string) bool {
	urlPattern := regexp.MustCompile(`^(https?://[^\s/$.?#].[^\s]*|file://\S+)$`)
	return urlPattern.MatchString(url)
}
