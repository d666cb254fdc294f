package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// propertyMeta is the subset of a schema property used for error messages
// and context injection.
type propertyMeta struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// MissingParam identifies one required parameter absent from a call.
type MissingParam struct {
	Name        string
	Type        string
	Description string
}

// ValidationError reports arguments rejected before handler execution.
// The tool loop turns it into an error result without invoking the handler.
type ValidationError struct {
	Tool    string
	Missing []MissingParam
	Cause   error
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		parts := make([]string, 0, len(e.Missing))
		for _, m := range e.Missing {
			s := fmt.Sprintf("%q (%s)", m.Name, m.Type)
			if m.Description != "" {
				s += ": " + m.Description
			}
			parts = append(parts, s)
		}
		return fmt.Sprintf("%s: missing required parameter %s", e.Tool, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: invalid arguments: %v", e.Tool, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// compileDefinition compiles the parameter schema and extracts the
// required list and property metadata used for validation messages.
//
// The compiled schema drops context-parameter names from "required":
// those fields are filled by the runtime after validation, so the model
// cannot be on the hook for them. The provider-facing Parameters document
// is left untouched.
func compileDefinition(def *Definition) error {
	if len(def.Parameters) == 0 {
		def.Parameters = json.RawMessage(`{"type": "object"}`)
	}

	var meta struct {
		Properties map[string]propertyMeta `json:"properties"`
		Required   []string                `json:"required"`
	}
	if err := json.Unmarshal(def.Parameters, &meta); err != nil {
		return fmt.Errorf("parse parameter schema: %w", err)
	}
	def.properties = meta.Properties
	def.required = meta.Required

	validationSchema, err := schemaWithoutContextRequired(def.Parameters)
	if err != nil {
		return err
	}
	compiled, err := jsonschema.CompileString(def.Name+".schema.json", validationSchema)
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}
	def.compiled = compiled
	return nil
}

// schemaWithoutContextRequired rewrites the top-level "required" array to
// exclude context-parameter names.
func schemaWithoutContextRequired(schema json.RawMessage) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return "", fmt.Errorf("parse parameter schema: %w", err)
	}
	raw, ok := doc["required"].([]any)
	if !ok {
		return string(schema), nil
	}
	kept := make([]any, 0, len(raw))
	for _, entry := range raw {
		if name, ok := entry.(string); ok && contextParams[name] {
			continue
		}
		kept = append(kept, entry)
	}
	if len(kept) == len(raw) {
		return string(schema), nil
	}
	doc["required"] = kept
	rewritten, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("rewrite parameter schema: %w", err)
	}
	return string(rewritten), nil
}

// validateArgs checks model-provided arguments before context injection.
// Required fields whose names are context parameters are skipped: those
// are filled by the runtime, never demanded from the model.
func (d *Definition) validateArgs(args map[string]any) error {
	var missing []MissingParam
	for _, name := range d.required {
		if contextParams[name] {
			continue
		}
		if _, ok := args[name]; ok {
			continue
		}
		prop := d.properties[name]
		missing = append(missing, MissingParam{
			Name:        name,
			Type:        prop.Type,
			Description: prop.Description,
		})
	}
	if len(missing) > 0 {
		return &ValidationError{Tool: d.Name, Missing: missing}
	}

	// Schema validation runs on the raw model arguments, before any
	// context values are injected.
	if err := d.compiled.Validate(args); err != nil {
		return &ValidationError{Tool: d.Name, Cause: err}
	}
	return nil
}
