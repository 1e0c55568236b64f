package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const inboundSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "enum": ["user-message", "interrupt", "reconnect"]},
    "id": {"type": "string", "maxLength": 128},
    "text": {"type": "string"},
    "session_token": {"type": "string", "minLength": 1, "maxLength": 256},
    "attachments": {
      "type": "array",
      "maxItems": 32,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "mime_type": {"type": "string"},
          "url": {"type": "string"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  },
  "oneOf": [
    {"properties": {"type": {"enum": ["user-message"]}}, "required": ["text"]},
    {"properties": {"type": {"enum": ["interrupt"]}}},
    {"properties": {"type": {"enum": ["reconnect"]}}, "required": ["session_token"]}
  ]
}`

var compiledInbound = mustCompile(inboundSchema)

func mustCompile(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: invalid inbound schema: %v", err))
	}
	return schema
}

// ValidateInbound checks a raw client frame against the inbound schema.
func ValidateInbound(data []byte) error {
	result, err := compiledInbound.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return NewError(CodeInvalidFrame, fmt.Sprintf("malformed frame: %v", err))
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return NewError(CodeInvalidFrame, strings.Join(msgs, "; "))
	}

	return nil
}

// DecodeInbound validates and decodes a raw client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	if err := ValidateInbound(data); err != nil {
		return Inbound{}, err
	}

	var evt Inbound
	if err := json.Unmarshal(data, &evt); err != nil {
		return Inbound{}, NewError(CodeInvalidFrame, err.Error())
	}
	return evt, nil
}
