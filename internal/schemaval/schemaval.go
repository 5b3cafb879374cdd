// Package schemaval validates job response payloads against a per-kind
// JSON Schema before the aggregator accepts them, so a malformed miner
// output fails fast as a validation error instead of corrupting a
// best-response comparison later. Grounded on the teacher's
// internal/json-payload-studio validateAgainstSchema (gojsonschema byte
// loaders, field-level error reporting).
package schemaval

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/taskmesh/dispatch/internal/domain"
)

// Validator holds one compiled schema loader per job kind. Kinds with no
// registered schema pass through unvalidated — schemas are an opt-in
// tightening, not a universal requirement.
type Validator struct {
	schemas map[domain.Kind]gojsonschema.JSONLoader
}

// New builds a Validator from a set of raw JSON Schema documents keyed by
// job kind. An empty schema string is skipped; a schema that is not valid
// JSON makes New fail with an error naming the kind.
func New(rawSchemas map[domain.Kind]string) (*Validator, error) {
	v := &Validator{schemas: make(map[domain.Kind]gojsonschema.JSONLoader, len(rawSchemas))}
	for kind, raw := range rawSchemas {
		if raw == "" {
			continue
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("schema for kind %q is not valid JSON", kind)
		}
		v.schemas[kind] = gojsonschema.NewStringLoader(raw)
	}
	return v, nil
}

// ValidateOutput checks a response's output payload against the schema
// registered for kind, if any. A nil receiver always passes.
func (v *Validator) ValidateOutput(kind domain.Kind, output any) error {
	if v == nil {
		return nil
	}
	schemaLoader, ok := v.schemas[kind]
	if !ok {
		return nil
	}

	docBytes, err := json.Marshal(output)
	if err != nil {
		return domain.NewError(domain.KindInvariantViolation, "ValidateOutput", "marshal output", err)
	}
	documentLoader := gojsonschema.NewBytesLoader(docBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return domain.NewError(domain.KindInvariantViolation, "ValidateOutput", "schema validation error", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return domain.NewError(domain.KindInvariantViolation, "ValidateOutput",
			fmt.Sprintf("output failed schema for kind %q: %v", kind, msgs), nil)
	}
	return nil
}
