package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scenechat/internal/peer"
	"scenechat/internal/rpc"
)

// RegisterAll wires the scene tool catalogue onto p. Domain failures
// (unknown prim, empty raycast) are reported inside the result object
// with success=false; only missing required arguments become protocol
// errors.
func RegisterAll(p *peer.Peer, s *Store) {
	p.RegisterTool(rpc.ToolSchema{
		Name:        "raycast_from_camera",
		Description: "Perform raycast from the viewport camera center to find what prim is in the camera's view. Returns the closest prim the camera is pointing at.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"max_distance": {
					"type": "number",
					"description": "Maximum raycast distance in scene units",
					"default": 1000.0
				}
			}
		}`),
	}, s.handleRaycast)

	p.RegisterTool(rpc.ToolSchema{
		Name:        "get_selection",
		Description: "Get the list of currently selected prims in the viewport. Returns paths, names, and types of selected prims.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}, s.handleGetSelection)

	p.RegisterTool(rpc.ToolSchema{
		Name:        "get_prim_info",
		Description: "Get detailed information about a specific prim, including its attributes like position, rotation, scale, visibility, and color.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prim_path": {
					"type": "string",
					"description": "Full path to the prim (e.g., '/World/Cube')"
				}
			},
			"required": ["prim_path"]
		}`),
	}, s.handleGetPrimInfo)

	p.RegisterTool(rpc.ToolSchema{
		Name:        "get_camera_info",
		Description: "Get information about the current viewport camera, including its position and direction in world space.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}, s.handleGetCameraInfo)

	p.RegisterTool(rpc.ToolSchema{
		Name:        "create_prim",
		Description: "Create a new prim (3D object) in the scene. Supports Cube, Sphere, Cylinder, Cone, and Xform types.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prim_type": {
					"type": "string",
					"description": "Type of prim to create",
					"enum": ["Cube", "Sphere", "Cylinder", "Cone", "Xform"]
				},
				"prim_path": {
					"type": "string",
					"description": "Path for the new prim (e.g., '/World/MyCube')"
				},
				"position": {
					"type": "array",
					"description": "Optional [x, y, z] position",
					"items": {"type": "number"}
				}
			},
			"required": ["prim_type", "prim_path"]
		}`),
	}, s.handleCreatePrim)

	p.RegisterTool(rpc.ToolSchema{
		Name:        "list_all_prims",
		Description: "List all prims in the scene under a given root path. Useful for understanding scene hierarchy.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"root_path": {
					"type": "string",
					"description": "Root path to start listing from",
					"default": "/"
				}
			}
		}`),
	}, s.handleListAllPrims)
}

func failure(format string, args ...interface{}) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": fmt.Sprintf(format, args...)}
}

func primInfo(p *Prim) map[string]interface{} {
	return map[string]interface{}{
		"path": p.Path,
		"name": p.Name,
		"type": p.Type,
	}
}

func (s *Store) handleRaycast(ctx context.Context, params json.RawMessage) (interface{}, error) {
	args := struct {
		MaxDistance float64 `json:"max_distance"`
	}{MaxDistance: 1000.0}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, peer.InvalidParams(err)
		}
	}

	hit, distance, ok := s.Raycast(args.MaxDistance)
	if !ok {
		return failure("No prim found in camera view"), nil
	}
	return map[string]interface{}{
		"success":   true,
		"prim_path": hit.Path,
		"prim_name": hit.Name,
		"prim_type": hit.Type,
		"distance":  distance,
	}, nil
}

func (s *Store) handleGetSelection(ctx context.Context, params json.RawMessage) (interface{}, error) {
	selected := s.Selection()
	infos := make([]map[string]interface{}, 0, len(selected))
	for _, p := range selected {
		infos = append(infos, primInfo(p))
	}
	return map[string]interface{}{"success": true, "selected_prims": infos}, nil
}

func (s *Store) handleGetPrimInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args struct {
		PrimPath string `json:"prim_path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, peer.InvalidParams(err)
	}
	if args.PrimPath == "" {
		return nil, peer.InvalidParams(errors.New("prim_path is required"))
	}

	p, ok := s.Get(args.PrimPath)
	if !ok {
		return failure("Prim not found: %s", args.PrimPath), nil
	}

	attrs := make(map[string]string, len(p.Attributes))
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	return map[string]interface{}{
		"success":    true,
		"path":       p.Path,
		"name":       p.Name,
		"type":       p.Type,
		"attributes": attrs,
	}, nil
}

func (s *Store) handleGetCameraInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	cam := s.CameraInfo()
	return map[string]interface{}{
		"success":     true,
		"camera_path": cam.Path,
		"position":    cam.Position,
		"direction":   cam.Direction,
	}, nil
}

func (s *Store) handleCreatePrim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args struct {
		PrimType string    `json:"prim_type"`
		PrimPath string    `json:"prim_path"`
		Position []float64 `json:"position"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, peer.InvalidParams(err)
	}
	if args.PrimType == "" {
		return nil, peer.InvalidParams(errors.New("prim_type is required"))
	}
	if args.PrimPath == "" {
		return nil, peer.InvalidParams(errors.New("prim_path is required"))
	}

	var position *Vec3
	if len(args.Position) == 3 {
		position = &Vec3{args.Position[0], args.Position[1], args.Position[2]}
	}

	p, err := s.CreatePrim(args.PrimType, args.PrimPath, position)
	if err != nil {
		return failure("%v", err), nil
	}
	return map[string]interface{}{
		"success":   true,
		"prim_path": p.Path,
		"message":   fmt.Sprintf("Created %s at %s", args.PrimType, p.Path),
	}, nil
}

func (s *Store) handleListAllPrims(ctx context.Context, params json.RawMessage) (interface{}, error) {
	args := struct {
		RootPath string `json:"root_path"`
	}{RootPath: "/"}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, peer.InvalidParams(err)
		}
	}
	if args.RootPath == "" {
		args.RootPath = "/"
	}

	prims, err := s.List(args.RootPath)
	if err != nil {
		return failure("%v", err), nil
	}

	infos := make([]map[string]interface{}, 0, len(prims))
	for _, p := range prims {
		infos = append(infos, primInfo(p))
	}
	return map[string]interface{}{
		"success": true,
		"prims":   infos,
		"count":   len(infos),
	}, nil
}
