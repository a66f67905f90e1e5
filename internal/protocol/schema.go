package protocol

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the structural contract every inbound frame must
// satisfy before the router looks at it. It is deliberately minimal:
// the type discriminator and the millisecond timestamp. Per-type
// payload checking happens in the handlers, which know what they need.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "timestamp"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer", "minimum": 0},
    "sender": {"type": "string"},
    "message": {"type": "string"},
    "url": {"type": "string"},
    "offer_id": {"type": "string"},
    "status": {"type": "string"},
    "success": {"type": "boolean"},
    "error": {"type": "string"},
    "id": {"type": "string"},
    "total_count": {"type": "integer"},
    "events": {"type": "array"},
    "offers": {"type": "array"},
    "history": {"type": "array"},
    "conflicts": {"type": "array"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("envelope.json")
	})
	return compiledSchema, schemaErr
}

// ValidateFrame checks a raw inbound frame against the envelope
// schema. Failures classify as protocol failures: the caller logs and
// drops, never propagates.
func ValidateFrame(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return ErrMalformed
	}
	if err := schema.Validate(instance); err != nil {
		return ErrMalformed
	}
	return nil
}
