package agent

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// rawSchema is the JSON Schema subset the peer's tool catalogue uses.
type rawSchema struct {
	Type        string               `json:"type"`
	Description string               `json:"description"`
	Properties  map[string]rawSchema `json:"properties"`
	Required    []string             `json:"required"`
	Enum        []string             `json:"enum"`
	Items       *rawSchema           `json:"items"`
}

// toGenaiSchema converts a tool parameter schema to the genai type
// system. Unknown or missing types default to object so the model
// still sees the tool.
func toGenaiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}, nil
	}
	var rs rawSchema
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse tool schema: %w", err)
	}
	return convertSchema(&rs), nil
}

func convertSchema(rs *rawSchema) *genai.Schema {
	out := &genai.Schema{
		Description: rs.Description,
		Required:    rs.Required,
		Enum:        rs.Enum,
	}

	switch rs.Type {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		if rs.Items != nil {
			out.Items = convertSchema(rs.Items)
		}
	default:
		out.Type = genai.TypeObject
	}

	if len(rs.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(rs.Properties))
		for name, prop := range rs.Properties {
			prop := prop
			out.Properties[name] = convertSchema(&prop)
		}
	}

	return out
}
