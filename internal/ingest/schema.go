package ingest

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// eventSchema validates the raw provider payload before it is decoded.
// The provider contract is loose on purpose: only the event name is
// required, and unknown fields pass through untouched.
const eventSchema = `{
	"type": "object",
	"properties": {
		"id":    {"type": "string"},
		"event": {"type": "string", "minLength": 1},
		"payment": {
			"type": "object",
			"properties": {
				"id":                {"type": "string"},
				"subscription":      {"type": "string"},
				"externalReference": {"type": "string"}
			}
		},
		"subscription": {
			"type": "object",
			"properties": {
				"id":                {"type": "string"},
				"externalReference": {"type": "string"}
			}
		}
	},
	"required": ["event"]
}`

var compiledEventSchema = gojsonschema.NewStringLoader(eventSchema)

func validatePayload(payload []byte) error {
	result, err := gojsonschema.Validate(compiledEventSchema, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("payload validation failed: %v", errs)
	}

	return nil
}
