package billing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Structural shape every accepted webhook payload must satisfy before any
// event-specific decoding happens. Signature verification proves origin;
// this proves shape.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "type", "data"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["object"],
			"properties": {
				"object": {"type": "object"}
			}
		}
	}
}`

var eventSchema = jsonschema.MustCompileString("stripe_event.json", eventSchemaJSON)

func validateEventPayload(payload []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid stripe event payload: %w", err)
	}
	if err := eventSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid stripe event payload: %w", err)
	}
	return nil
}
