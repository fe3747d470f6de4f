package utils

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema reflects the Go value v into an inline object schema
// suitable for a tool's inputSchema. Non-object types fall back to an empty
// object schema. The returned slice lists the required property names.
func GenerateJSONSchema(v interface{}, allowAdditional bool) (json.RawMessage, []string, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(v)

	if s == nil || s.Type != "object" {
		fallback := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		data, err := json.Marshal(fallback)
		return data, nil, err
	}
	s.Version = ""

	data, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	required := append([]string(nil), s.Required...)
	return data, required, nil
}

// MissingKeys returns the keys of required that are absent from args.
func MissingKeys(required []string, args map[string]interface{}) []string {
	var missing []string
	for _, key := range required {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
