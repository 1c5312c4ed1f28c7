package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kelden/warden/pkg/types"
)

// specSchema validates submitted task request documents. Requests come
// in as YAML or JSON; both are normalized to JSON before validation.
const specSchema = `{
  "type": "object",
  "required": ["type"],
  "additionalProperties": false,
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "payload": {"type": "object"},
    "priority": {"type": "integer", "minimum": 0},
    "max_attempts": {"type": "integer", "minimum": 1},
    "timeout_secs": {"type": "integer", "minimum": 1},
    "steps": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

var compiledSpecSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("spec.json", strings.NewReader(specSchema)); err != nil {
		panic(fmt.Sprintf("failed to add schema resource: %v", err))
	}
	sch, err := compiler.Compile("spec.json")
	if err != nil {
		panic(fmt.Sprintf("failed to compile task schema: %v", err))
	}
	return sch
}

// ParseSpec validates a task request document (YAML or JSON, YAML being
// a superset) against the embedded schema and decodes it. Every intake
// path (inbox files, CLI submit) goes through here.
func ParseSpec(doc []byte) (types.TaskSpec, error) {
	var spec types.TaskSpec

	var raw interface{}
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return spec, fmt.Errorf("failed to parse task request: %w", err)
	}

	// Round-trip through JSON so the schema sees JSON-typed values
	normalized, err := json.Marshal(raw)
	if err != nil {
		return spec, fmt.Errorf("task request is not JSON-compatible: %w", err)
	}
	var data interface{}
	if err := json.Unmarshal(normalized, &data); err != nil {
		return spec, fmt.Errorf("failed to normalize task request: %w", err)
	}

	if err := compiledSpecSchema.Validate(data); err != nil {
		return spec, fmt.Errorf("task request failed validation: %w", err)
	}

	if err := yaml.Unmarshal(doc, &spec); err != nil {
		return spec, fmt.Errorf("failed to decode task request: %w", err)
	}
	return spec, nil
}
