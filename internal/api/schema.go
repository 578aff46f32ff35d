package api

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

const querySchema = `{
  "type": "object",
  "required": ["query"],
  "additionalProperties": false,
  "properties": {
    "query":           {"type": "string", "minLength": 1, "maxLength": 4000},
    "top_k":           {"type": "integer", "minimum": 1, "maximum": 50},
    "include_sources": {"type": "boolean"},
    "session_id":      {"type": "string", "maxLength": 128},
    "user_id":         {"type": "string", "maxLength": 128}
  }
}`

const approveSchema = `{
  "type": "object",
  "required": ["reviewer"],
  "additionalProperties": false,
  "properties": {
    "reviewer": {"type": "string", "minLength": 1, "maxLength": 256}
  }
}`

const evaluateSchema = `{
  "type": "object",
  "required": ["examples"],
  "additionalProperties": false,
  "properties": {
    "examples": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["query", "answer"],
        "additionalProperties": false,
        "properties": {
          "query":        {"type": "string", "minLength": 1, "maxLength": 4000},
          "answer":       {"type": "string", "minLength": 1, "maxLength": 20000},
          "contexts":     {"type": "array", "maxItems": 50, "items": {"type": "string", "maxLength": 20000}},
          "ground_truth": {"type": "string", "maxLength": 20000}
        }
      }
    }
  }
}`

// schemas holds the compiled request schemas. Compilation happens once at
// startup; a bad schema is a programming error.
type schemas struct {
	query    *jsonschema.Schema
	approve  *jsonschema.Schema
	evaluate *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	q, err := compiler.Compile([]byte(querySchema))
	if err != nil {
		return nil, fmt.Errorf("compile query schema: %w", err)
	}
	a, err := compiler.Compile([]byte(approveSchema))
	if err != nil {
		return nil, fmt.Errorf("compile approve schema: %w", err)
	}
	e, err := compiler.Compile([]byte(evaluateSchema))
	if err != nil {
		return nil, fmt.Errorf("compile evaluate schema: %w", err)
	}
	return &schemas{query: q, approve: a, evaluate: e}, nil
}

func validate(schema *jsonschema.Schema, body []byte) error {
	result := schema.ValidateJSON(body)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%v", result.Errors)
}
