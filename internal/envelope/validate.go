package envelope

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func envelopeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("envelope-2.1.json", schemaJSON)
	})
	return compiledSchema, schemaErr
}

// Validate checks an envelope against the v2.1 schema plus the constraints
// the schema cannot express (tool_id uniqueness). Returns ok and a list of
// human-readable errors suitable for feeding back to the model.
func Validate(env *Envelope) (bool, []string) {
	if env == nil {
		return false, []string{"envelope is nil"}
	}

	schema, err := envelopeSchema()
	if err != nil {
		// Compilation failure of the embedded schema is a programmer error.
		panic(fmt.Sprintf("envelope schema failed to compile: %v", err))
	}

	data, err := json.Marshal(env)
	if err != nil {
		return false, []string{fmt.Sprintf("envelope not serializable: %v", err)}
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return false, []string{fmt.Sprintf("envelope not decodable: %v", err)}
	}

	var errs []string
	if err := schema.Validate(instance); err != nil {
		errs = append(errs, formatSchemaError(err)...)
	}

	// tool_id uniqueness within a batch is not expressible in the schema.
	if env.State == StateTools {
		seen := make(map[string]bool, len(env.Tools))
		for _, req := range env.Tools {
			if req.ToolID == "" {
				continue
			}
			if seen[req.ToolID] {
				errs = append(errs, fmt.Sprintf("ERROR at /tools: duplicate tool_id %q", req.ToolID))
			}
			seen[req.ToolID] = true
		}
	}

	return len(errs) == 0, errs
}

// formatSchemaError flattens a jsonschema validation error into
// "ERROR at {path}: {message}" lines.
func formatSchemaError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{fmt.Sprintf("ERROR: %v", err)}
	}

	var lines []string
	for _, basicErr := range ve.BasicOutput().Errors {
		// The basic output includes branch nodes with no message payload.
		if basicErr.Error == "" || basicErr.KeywordLocation == "" {
			continue
		}
		loc := basicErr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		lines = append(lines, fmt.Sprintf("ERROR at %s: %s", loc, basicErr.Error))
	}
	if len(lines) == 0 {
		lines = append(lines, fmt.Sprintf("ERROR: %v", ve))
	}
	return lines
}
