package security

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator validates raw JSON documents against a compiled schema.
// It is used at the queue boundary to separate malformed messages (dead
// letter) from well-formed ones before decoding.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator(schemaJSON string) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	return &JSONSchemaValidator{schema: schema}, nil
}

// Validate returns a descriptive error when the document is not valid JSON or
// does not conform to the schema.
func (v *JSONSchemaValidator) Validate(doc []byte) error {
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}
