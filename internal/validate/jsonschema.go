package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/yujihama/planrunner/pkg/plan"
)

// planSchemaJSON is the JSON Schema for a Plan document's wire shape (spec
// §6). It covers what a JSON Schema can express cleanly; the type-dependent
// rules it cannot (foreach xor while, duplicate node ids, ...) stay as the
// hand-rolled checks beside it in checkSchemaIntegrity.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://planrunner.dev/schemas/plan.json",
  "type": "object",
  "required": ["id", "version", "api_version", "graph"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "string", "minLength": 1 },
    "api_version": { "type": "string", "minLength": 1 },
    "vars": { "type": ["object", "null"] },
    "policy": {
      "type": "object",
      "properties": {
        "on_error": { "type": "string", "enum": ["halt", "continue", "retry"] },
        "retries": { "type": "integer", "minimum": 0 },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "concurrency": {
          "type": "object",
          "properties": {
            "default_max_workers": { "type": "integer", "minimum": 1 }
          }
        }
      }
    },
    "ui": {
      "type": "object",
      "properties": {
        "layout": { "type": "array", "items": { "type": "string" } }
      }
    },
    "graph": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["loop", "subflow"] },
        "block": { "type": "string" },
        "in": { "type": "object" },
        "out": { "type": "object" },
        "when": { "$ref": "#/$defs/guard" },
        "foreach": {
          "type": "object",
          "required": ["item_var"],
          "properties": {
            "item_var": { "type": "string", "minLength": 1 },
            "index_var": { "type": "string" },
            "max_concurrency": { "type": "integer", "minimum": 1 }
          }
        },
        "while": {
          "type": "object",
          "required": ["condition"],
          "properties": {
            "condition": { "$ref": "#/$defs/guard" },
            "max_iterations": { "type": "integer", "minimum": 1 }
          }
        },
        "body": {
          "type": "object",
          "required": ["plan"],
          "properties": {
            "plan": { "type": "object" },
            "exports": { "type": "object" }
          }
        },
        "call": {
          "type": "object",
          "required": ["plan_id"],
          "properties": {
            "plan_id": { "type": "string", "minLength": 1 },
            "inputs": { "type": "object" }
          }
        }
      }
    },
    "guard": {
      "type": "object",
      "properties": {
        "expr": { "type": "string" },
        "structured": {
          "type": "object",
          "required": ["op"],
          "properties": {
            "op": { "type": "string", "enum": ["eq", "ne", "gt", "gte", "lt", "lte"] }
          }
        }
      }
    }
  }
}`

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
		if err != nil {
			planSchemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		if err := c.AddResource("https://planrunner.dev/schemas/plan.json", doc); err != nil {
			planSchemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		planSchema, planSchemaErr = c.Compile("https://planrunner.dev/schemas/plan.json")
	})
	return planSchema, planSchemaErr
}

// checkSchemaShape validates p's wire shape against the JSON Schema, adding
// one issue per violation found (spec §4.5 check 1).
func checkSchemaShape(p *plan.Plan, res *Result) {
	schema, err := compiledPlanSchema()
	if err != nil {
		res.add("schema_integrity", "", "plan schema unavailable: %v", err)
		return
	}
	doc, err := toJSONValue(p)
	if err != nil {
		res.add("schema_integrity", "", "failed to serialize plan: %v", err)
		return
	}
	if err := schema.Validate(doc); err != nil {
		for _, v := range collectViolations(err) {
			res.add("schema_integrity", "", "%s", v)
		}
	}
}

// toJSONValue round-trips v through JSON so numeric values become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func collectViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return leafViolations(verr)
}

func leafViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, leafViolations(cause)...)
	}
	return out
}
