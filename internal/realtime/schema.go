package realtime

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound events are validated against this envelope schema before dispatch.
// Unknown event types still pass validation and are ignored downstream;
// structurally malformed frames are dropped here.
const eventSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"collection": {"type": "string"},
		"id": {"type": "string"}
	}
}`

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func validateEventFrame(data []byte) error {
	eventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
		if err != nil {
			eventSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("event.json", doc); err != nil {
			eventSchemaErr = err
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile("event.json")
	})
	if eventSchemaErr != nil {
		return eventSchemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return eventSchema.Validate(inst)
}
