// Package validator provides JSON schema validation for deploy requests.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates deploy requests against the embedded schema.
type Validator struct {
	deploySchema *jsonschema.Schema
}

// FieldError represents a single validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result holds the outcome of a validation.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// New creates a validator with the embedded deploy-request schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("deploy.json", strings.NewReader(deploySchemaJSON)); err != nil {
		return nil, fmt.Errorf("add deploy schema: %w", err)
	}

	deploySchema, err := compiler.Compile("deploy.json")
	if err != nil {
		return nil, fmt.Errorf("compile deploy schema: %w", err)
	}

	return &Validator{deploySchema: deploySchema}, nil
}

// ValidateDeployJSON validates a JSON-encoded deploy request.
func (v *Validator) ValidateDeployJSON(data []byte) *Result {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &Result{
			Valid: false,
			Errors: []FieldError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateDeploy(doc)
}

// ValidateDeploy validates a decoded deploy request.
func (v *Validator) ValidateDeploy(doc map[string]interface{}) *Result {
	err := v.deploySchema.Validate(doc)
	if err == nil {
		return &Result{Valid: true}
	}

	result := &Result{Valid: false}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		for _, cause := range flatten(ve) {
			result.Errors = append(result.Errors, FieldError{
				Path:    cause.InstanceLocation,
				Message: cause.Message,
			})
		}
	} else {
		result.Errors = append(result.Errors, FieldError{Path: "$", Message: err.Error()})
	}
	return result
}

// flatten walks the validation error tree collecting leaf causes.
func flatten(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}
