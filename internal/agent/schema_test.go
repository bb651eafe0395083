package agent

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"scenechat/internal/rpc"
)

func TestToGenaiSchemaCreatePrim(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"prim_type": {
				"type": "string",
				"description": "Type of prim to create",
				"enum": ["Cube", "Sphere", "Cylinder", "Cone", "Xform"]
			},
			"prim_path": {"type": "string"},
			"position": {
				"type": "array",
				"items": {"type": "number"}
			}
		},
		"required": ["prim_type", "prim_path"]
	}`)

	schema, err := toGenaiSchema(raw)
	if err != nil {
		t.Fatalf("toGenaiSchema failed: %v", err)
	}

	if schema.Type != genai.TypeObject {
		t.Fatalf("type = %v, want object", schema.Type)
	}
	if len(schema.Required) != 2 || schema.Required[0] != "prim_type" {
		t.Fatalf("required = %v", schema.Required)
	}

	primType := schema.Properties["prim_type"]
	if primType.Type != genai.TypeString || len(primType.Enum) != 5 {
		t.Fatalf("prim_type schema: %+v", primType)
	}
	if primType.Description != "Type of prim to create" {
		t.Fatalf("description lost: %q", primType.Description)
	}

	position := schema.Properties["position"]
	if position.Type != genai.TypeArray || position.Items == nil || position.Items.Type != genai.TypeNumber {
		t.Fatalf("position schema: %+v", position)
	}
}

func TestToGenaiSchemaDefaultsToObject(t *testing.T) {
	schema, err := toGenaiSchema(nil)
	if err != nil {
		t.Fatalf("toGenaiSchema failed: %v", err)
	}
	if schema.Type != genai.TypeObject {
		t.Fatalf("empty schema type = %v, want object", schema.Type)
	}

	schema, err = toGenaiSchema(json.RawMessage(`{"properties":{"x":{"type":"boolean"}}}`))
	if err != nil {
		t.Fatalf("toGenaiSchema failed: %v", err)
	}
	if schema.Type != genai.TypeObject || schema.Properties["x"].Type != genai.TypeBoolean {
		t.Fatalf("untyped schema: %+v", schema)
	}
}

func TestToGenaiSchemaRejectsMalformedJSON(t *testing.T) {
	if _, err := toGenaiSchema(json.RawMessage(`{not json`)); err == nil {
		t.Fatal("malformed schema accepted")
	}
}

func TestToFunctionDeclarationsSkipsBadSchemas(t *testing.T) {
	tools := []rpc.ToolSchema{
		{Name: "good", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", Parameters: json.RawMessage(`{broken`)},
	}

	decls := toFunctionDeclarations(tools)
	if len(decls) != 1 || decls[0].Name != "good" {
		t.Fatalf("declarations = %+v", decls)
	}
}
