package wsrpc

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema-validate inbound sendMessage/sendTrace params at the wire boundary
// (spec.md §9's design note), before they are ever unmarshaled into the
// typed SendMessageParams/SendTraceParams structs and handed to
// orchestrator.Service. Grounded on registry/service.go's
// validatePayloadJSONAgainstSchema: compile a schema from an in-memory JSON
// document, validate an in-memory decoded payload document against it. That
// function compiles its schema per call because a toolset's schema is only
// known at runtime; these two schemas are fixed for the life of the process,
// so they are compiled once here instead.

const sendMessageParamsSchemaJSON = `{
	"type": "object",
	"required": ["conversationId", "agentId", "messagePayload", "finality"],
	"properties": {
		"conversationId": {"type": "integer"},
		"agentId": {"type": "string", "minLength": 1},
		"finality": {"enum": ["none", "turn", "conversation"]},
		"turn": {"type": "integer", "minimum": 1},
		"messagePayload": {
			"type": "object",
			"required": ["text"],
			"properties": {
				"text": {"type": "string"},
				"clientRequestId": {"type": "string"},
				"attachments": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["name", "contentType"],
						"properties": {
							"name": {"type": "string", "minLength": 1},
							"contentType": {"type": "string", "minLength": 1},
							"content": {"type": "string"},
							"docId": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

const sendTraceParamsSchemaJSON = `{
	"type": "object",
	"required": ["conversationId", "agentId", "tracePayload"],
	"properties": {
		"conversationId": {"type": "integer"},
		"agentId": {"type": "string", "minLength": 1},
		"turn": {"type": "integer", "minimum": 1},
		"clientRequestId": {"type": "string"},
		"tracePayload": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"enum": ["thought", "tool_call", "tool_result", "turn_cleared"]}
			}
		}
	}
}`

var (
	sendMessageParamsSchema = mustCompileSchema("sendMessageParams.json", sendMessageParamsSchemaJSON)
	sendTraceParamsSchema   = mustCompileSchema("sendTraceParams.json", sendTraceParamsSchemaJSON)
)

func mustCompileSchema(resourceName, schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("wsrpc: invalid embedded schema %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("wsrpc: add schema resource %s: %v", resourceName, err))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("wsrpc: compile schema %s: %v", resourceName, err))
	}
	return schema
}

// validateAgainstSchema decodes raw as a generic JSON document and validates
// it against schema, returning a human-readable error on the first
// violation. A malformed raw payload is reported the same way a schema
// violation is, since the caller only needs to know the request was
// rejected and why.
func validateAgainstSchema(schema *jsonschema.Schema, raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}
