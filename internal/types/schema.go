package types

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates a decoded JSON value against a compiled JSON Schema.
// Implementations must be safe for concurrent use; a Validator is compiled
// once at config-load time and reused for every request.
type Validator interface {
	// Validate reports the list of JSON-schema error messages for value, or
	// nil if value conforms to the schema.
	Validate(value any) []string
}

// jsonschemaValidator implements Validator over
// github.com/santhosh-tekuri/jsonschema/v6.
type jsonschemaValidator struct {
	mu     sync.Mutex // jsonschema.Schema.Validate is not documented as concurrency-safe
	schema *jsonschema.Schema
}

// CompileSchema compiles raw (a JSON Schema document) into a Validator. The
// resource name is only used for error messages and schema resolution.
func CompileSchema(resourceName string, raw json.RawMessage) (Validator, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("types: unmarshal schema %q: %w", resourceName, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("types: add schema resource %q: %w", resourceName, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("types: compile schema %q: %w", resourceName, err)
	}
	return &jsonschemaValidator{schema: schema}, nil
}

func (v *jsonschemaValidator) Validate(value any) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.schema.Validate(value); err != nil {
		return flattenValidationError(err)
	}
	return nil
}

// flattenValidationError unwraps a jsonschema.ValidationError tree into one
// message per leaf failure, preserving the instance location so callers can
// report exactly which part of the payload failed.
func flattenValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var messages []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "#"
			if len(e.InstanceLocation) > 0 {
				loc = "#/" + joinPath(e.InstanceLocation)
			}
			messages = append(messages, fmt.Sprintf("%s: %s", loc, e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(messages) == 0 {
		messages = []string{ve.Error()}
	}
	return messages
}

func joinPath(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// NoSchema is a Validator that rejects every value that is not a JSON string;
// used for message roles that declare no schema, where content must be a
// plain string.
type NoSchema struct{}

func (NoSchema) Validate(value any) []string {
	if _, ok := value.(string); ok {
		return nil
	}
	return []string{"content must be a string when no schema is configured for this role"}
}
