package faxrelay

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The collector rejects malformed conversation records; validating outbound
// envelopes here keeps that failure in the retryable build tier instead of
// surfacing as an opaque post failure.
const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["uuid", "created_at", "parties", "attachments"],
	"properties": {
		"uuid": {"type": "string", "minLength": 1},
		"created_at": {"type": "string", "minLength": 1},
		"parties": {
			"type": "array",
			"minItems": 2,
			"items": {
				"type": "object",
				"required": ["tel"],
				"properties": {"tel": {"type": "string"}}
			}
		},
		"attachments": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["type", "body", "encoding"],
				"properties": {
					"type": {"type": "string"},
					"body": {"type": "string", "minLength": 1},
					"encoding": {"const": "base64"}
				}
			}
		},
		"tags": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.schema.json", doc); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("envelope.schema.json")
	})
	return envelopeSchema, envelopeSchemaErr
}

func validateEnvelope(env *Envelope) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
