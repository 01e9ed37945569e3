// Package schema compiles caller-supplied JSON Schemas and validates
// generated objects against them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceName = "output.schema.json"

// Schema is a compiled JSON Schema.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// Compile parses raw and compiles it. The error is suitable for returning to
// the caller as-is.
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// Raw returns the schema document as given.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// ValidateText parses text as JSON and validates it. On success the compact
// JSON is returned.
func (s *Schema) ValidateText(text string) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("output has trailing data after the JSON value")
	}
	if err := s.compiled.Validate(v); err != nil {
		return nil, fmt.Errorf("output does not match schema: %w", err)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, fmt.Errorf("compacting output: %w", err)
	}
	return buf.Bytes(), nil
}
