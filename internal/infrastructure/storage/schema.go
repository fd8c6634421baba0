package storage

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/felixgeelhaar/foreman/pkg/domain/workflow"
)

// workflowSchemaJSON is the structural contract for workflow.yaml. It
// catches shape mistakes (a string where a list belongs, a numeric agent
// name) before workflow.Configuration.Validate checks the semantics.
const workflowSchemaJSON = `{
  "type": "object",
  "required": ["stages", "order"],
  "properties": {
    "stages": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {"type": "string", "minLength": 1}
      }
    },
    "order": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "reviewer": {"type": "string"}
  }
}`

var workflowSchemaLoader = gojsonschema.NewStringLoader(workflowSchemaJSON)

func validateSchema(cfg *workflow.Configuration) error {
	result, err := gojsonschema.Validate(workflowSchemaLoader, gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return fmt.Errorf("workflow schema validation: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("workflow configuration invalid: %s", first.String())
	}
	return nil
}
