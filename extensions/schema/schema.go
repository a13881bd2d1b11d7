// Package schema validates extension declarations and payloads against their
// embedded JSON schemas. Validation failures never fail a payment; callers
// log the errors and continue.
package schema

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationResult reports schema conformance.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks a document against a JSON schema. Both are plain decoded
// JSON values.
func Validate(schemaDoc, document interface{}) ValidationResult {
	schemaJSON, err := json.Marshal(schemaDoc)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("marshaling schema: %v", err)}}
	}
	documentJSON, err := json.Marshal(document)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("marshaling document: %v", err)}}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(documentJSON),
	)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("running validation: %v", err)}}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}
	errors := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Valid: false, Errors: errors}
}

// ValidateExtensionObject validates the common {info, schema} extension shape
// against its own embedded schema. Objects without an embedded schema pass.
func ValidateExtensionObject(extension interface{}) ValidationResult {
	raw, err := json.Marshal(extension)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("marshaling extension: %v", err)}}
	}
	var shaped struct {
		Info   interface{}            `json:"info"`
		Schema map[string]interface{} `json:"schema"`
	}
	if err := json.Unmarshal(raw, &shaped); err != nil {
		return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("extension is not an object: %v", err)}}
	}
	if shaped.Schema == nil {
		return ValidationResult{Valid: true}
	}
	return Validate(shaped.Schema, shaped.Info)
}

// WarnOnInvalid validates and logs failures at warn level; the return mirrors
// result.Valid so callers can count without failing.
func WarnOnInvalid(logger *slog.Logger, key string, extension interface{}) bool {
	result := ValidateExtensionObject(extension)
	if !result.Valid {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("extension failed schema validation", "extension", key, "errors", result.Errors)
	}
	return result.Valid
}
