package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed settings.schema.json
var embeddedSettingsSchema []byte

// Validator validates a settings document against the embedded JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator creates a new schema validator, loading the embedded schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", strings.NewReader(string(embeddedSettingsSchema))); err != nil {
		return nil, fmt.Errorf("failed to add embedded schema resource: %w", err)
	}

	schema, err := compiler.Compile("settings.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile embedded schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Validate checks a settings value against the schema. It accepts either a
// *Settings or raw JSON bytes.
func (v *Validator) Validate(settings interface{}) error {
	var jsonData []byte
	switch typed := settings.(type) {
	case []byte:
		jsonData = typed
	default:
		data, err := json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal settings for validation: %w", err)
		}
		jsonData = data
	}

	var dataToValidate interface{}
	if err := json.Unmarshal(jsonData, &dataToValidate); err != nil {
		return fmt.Errorf("failed to unmarshal JSON for validation: %w", err)
	}

	if err := v.schema.Validate(dataToValidate); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("settings validation failed: %s", formatValidationError(validationErr))
		}
		return err
	}
	return nil
}

// formatValidationError flattens a nested validation error into one line
// per leaf cause.
func formatValidationError(err *jsonschema.ValidationError) string {
	leaves := leafCauses(err)
	parts := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, leaf.Message))
	}
	return strings.Join(parts, "; ")
}

func leafCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		leaves = append(leaves, leafCauses(cause)...)
	}
	return leaves
}

// GenerateSettingsSchema reflects the Settings struct into a JSON Schema
// document, for tooling and IDE completion.
func GenerateSettingsSchema() ([]byte, error) {
	reflector := invopop.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(&Settings{})
	schema.Title = "Relay Settings"
	return json.MarshalIndent(schema, "", "  ")
}
