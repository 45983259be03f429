package watchdog

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchema is the boundary contract for inbound action requests.
// Structurally invalid requests are rejected MALFORMED_INPUT before any
// gate runs; semantic checks (binding, freshness, scopes) belong to the
// gates, not here.
const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "coupling_witness"],
  "properties": {
    "action": {
      "type": "object",
      "required": ["id", "actor", "intent"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "actor": {"type": "string", "minLength": 1},
        "intent": {"type": "string", "minLength": 1},
        "target": {"type": "string"},
        "params": {"type": "object"}
      }
    },
    "coupling_witness": {
      "type": "object",
      "required": ["coupling_type", "commitment", "anchor_id"],
      "properties": {
        "coupling_type": {"enum": ["A", "B", "C"]},
        "anchor_id": {"type": "integer", "minimum": 1},
        "commitment": {
          "type": "object",
          "required": ["scheme_id", "nonce", "payload_hash"],
          "properties": {
            "scheme_id": {"type": "string", "minLength": 1},
            "nonce": {"type": "string", "minLength": 1},
            "payload_hash": {"type": "string", "minLength": 1}
          }
        }
      }
    },
    "delegation_chain": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["delegator_id", "delegate_id", "depth"],
        "properties": {
          "delegator_id": {"type": "string", "minLength": 1},
          "delegate_id": {"type": "string", "minLength": 1},
          "depth": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`

func compileRequestSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://watchtower.schemas.local/action-request.schema.json"
	if err := c.AddResource(url, strings.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("watchdog: request schema load failed: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("watchdog: request schema compile failed: %w", err)
	}
	return schema, nil
}
