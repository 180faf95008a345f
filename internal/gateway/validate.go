package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError wraps an input-column type-guard failure: it always
// maps to 400, never retried, never dead-lettered.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error  { return e.Err }

func isValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// schemaCache compiles an API's input schema once and reuses it for every
// request, the same never-evicted-within-a-worker-lifetime convention the
// handler cache follows.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(cacheKey string, raw []byte) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[cacheKey]; ok {
		return s, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse input schema for %q: %w", cacheKey, err)
	}
	compiler := jsonschema.NewCompiler()
	schemaURL := "mem://" + cacheKey
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add input schema resource for %q: %w", cacheKey, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %q: %w", cacheKey, err)
	}
	c.schemas[cacheKey] = schema
	return schema, nil
}

// validateParams marshals the query-parameter map to JSON and validates
// it against the API's compiled input schema.
func (c *schemaCache) validateParams(cacheKey string, rawSchema []byte, params map[string][]string) error {
	if len(rawSchema) == 0 {
		return nil
	}
	schema, err := c.compile(cacheKey, rawSchema)
	if err != nil {
		return err
	}

	flattened := flattenParams(params)
	data, err := json.Marshal(flattened)
	if err != nil {
		return &ValidationError{Err: err}
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return &ValidationError{Err: err}
	}
	if err := schema.Validate(v); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// flattenParams collapses single-element arrays to scalars (e.g.
// "?since=2024-01-01" becomes {"since": "2024-01-01"}, not
// {"since": ["2024-01-01"]}) so ordinary JSON Schemas written against
// scalar fields validate query parameters; a key with more than one value
// stays an array.
func flattenParams(params map[string][]string) map[string]any {
	out := make(map[string]any, len(params))
	for k, vs := range params {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			arr := make([]any, len(vs))
			for i, v := range vs {
				arr[i] = v
			}
			out[k] = arr
		}
	}
	return out
}
