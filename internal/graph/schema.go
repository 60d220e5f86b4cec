package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// processSchemaJSON is the JSON Schema for ProcessDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tokenflow.dev/schemas/process.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "subprocesses": {
      "type": "array",
      "items": { "$ref": "#" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": [
            "start_event", "end_event", "task", "script_task", "rule_task",
            "exclusive_gateway", "parallel_gateway", "inclusive_gateway",
            "event_gateway", "catch_event", "throw_event", "subprocess",
            "call_activity", "boundary_parent", "boundary_event",
            "event_subprocess"
          ]
        },
        "name": { "type": "string" },
        "lane": { "type": "string" },
        "manual": { "type": "boolean" },
        "script": { "type": "string" },
        "rules": { "$ref": "#/$defs/rules" },
        "event": { "$ref": "#/$defs/event" },
        "subprocess": { "type": "string" },
        "inputs": { "$ref": "#/$defs/dataMapping" },
        "outputs": { "$ref": "#/$defs/dataMapping" },
        "attached": { "type": "array", "items": { "type": "string" }, "minItems": 1 },
        "cancel_activity": { "type": "boolean" },
        "outgoing": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        }
      },
      "additionalProperties": false
    },
    "dataMapping": {
      "oneOf": [
        { "type": "array", "items": { "type": "string" } },
        { "type": "object", "additionalProperties": { "type": "string" } }
      ]
    },
    "transition": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "guard": { "type": "string" },
        "default": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "event": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["message", "timer", "signal", "cancel", "error", "escalation", "terminate", "multiple"]
        },
        "name": { "type": "string" },
        "timer": { "type": "string" },
        "code": { "type": "string" },
        "properties": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "retrieval", "keys"],
            "properties": {
              "name": { "type": "string", "minLength": 1 },
              "retrieval": { "type": "string", "minLength": 1 },
              "keys": { "type": "array", "items": { "type": "string" }, "minItems": 1 }
            },
            "additionalProperties": false
          }
        },
        "definitions": {
          "type": "array",
          "items": { "$ref": "#/$defs/event" },
          "minItems": 1
        }
      },
      "additionalProperties": false
    },
    "rules": {
      "type": "object",
      "required": ["inputs", "rules"],
      "properties": {
        "hit_policy": { "type": "string", "enum": ["unique", "first", "collect"] },
        "inputs": { "type": "array", "items": { "type": "string" } },
        "rules": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["conditions", "outputs"],
            "properties": {
              "conditions": { "type": "array", "items": { "type": "string" } },
              "outputs": { "type": "object" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	schemaOnce     sync.Once
	processSchema  *jsonschema.Schema
	schemaCompileE error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
		if err != nil {
			schemaCompileE = fmt.Errorf("unmarshal process schema: %w", err)
			return
		}
		if err := c.AddResource("https://tokenflow.dev/schemas/process.json", doc); err != nil {
			schemaCompileE = fmt.Errorf("add process schema resource: %w", err)
			return
		}
		processSchema, schemaCompileE = c.Compile("https://tokenflow.dev/schemas/process.json")
	})
	return processSchema, schemaCompileE
}

// ValidateDocument validates raw JSON against the process JSON Schema.
func ValidateDocument(data []byte) error {
	compiled, err := compiledSchema()
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "process schema unavailable").WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "process document is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toValidationError flattens a jsonschema validation failure into a ProcessError.
func toValidationError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithCause(err).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"process document failed validation with %d errors", len(violations)).
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

// marshalRoundTrip is a helper for validating in-memory definitions: it
// serializes def and validates the resulting document.
func marshalRoundTrip(def *schema.ProcessDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize process definition").WithCause(err)
	}
	return ValidateDocument(data)
}
