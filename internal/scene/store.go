// Package scene holds an in-memory 3D scene graph and exposes its
// operations as bridge tools for the scenepeer client.
package scene

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"scenechat/internal/logging"
)

// Prim type names accepted by CreatePrim.
var primTypes = map[string]bool{
	"Cube":     true,
	"Sphere":   true,
	"Cylinder": true,
	"Cone":     true,
	"Xform":    true,
}

// Vec3 is a point or direction in scene space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) sub(o Vec3) Vec3    { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) length() float64    { return math.Sqrt(v.dot(v)) }

func (v Vec3) normalized() Vec3 {
	l := v.length()
	if l == 0 {
		return v
	}
	return Vec3{v.X / l, v.Y / l, v.Z / l}
}

// Prim is one node of the scene graph.
type Prim struct {
	Path       string
	Name       string
	Type       string
	Position   Vec3
	Attributes map[string]string
}

// Camera is the active viewport camera.
type Camera struct {
	Path      string
	Position  Vec3
	Direction Vec3
}

// Store is the scene graph. All access is locked; tool handlers run
// concurrently with UI-driven selection changes.
type Store struct {
	mu        sync.Mutex
	prims     map[string]*Prim
	selection []string
	camera    Camera
}

// NewStore creates a scene containing the /World root and a default
// perspective camera looking down the negative Z axis.
func NewStore() *Store {
	s := &Store{
		prims: make(map[string]*Prim),
		camera: Camera{
			Path:      "/OmniverseKit_Persp",
			Position:  Vec3{0, 100, 500},
			Direction: Vec3{0, 0, -1},
		},
	}
	s.prims["/World"] = &Prim{
		Path:       "/World",
		Name:       "World",
		Type:       "Xform",
		Attributes: map[string]string{},
	}
	return s
}

// CreatePrim adds a prim at path, creating missing Xform ancestors.
func (s *Store) CreatePrim(primType, path string, position *Vec3) (*Prim, error) {
	if !primTypes[primType] {
		return nil, fmt.Errorf("Unknown prim type: %s", primType)
	}
	if !strings.HasPrefix(path, "/") || path == "/" || strings.HasSuffix(path, "/") {
		return nil, fmt.Errorf("Invalid prim path: %s", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Intermediate ancestors materialize as plain Xforms.
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		ancestor := "/" + strings.Join(parts[:i], "/")
		if _, ok := s.prims[ancestor]; !ok {
			s.prims[ancestor] = &Prim{
				Path:       ancestor,
				Name:       parts[i-1],
				Type:       "Xform",
				Attributes: map[string]string{},
			}
		}
	}

	p := &Prim{
		Path:       path,
		Name:       parts[len(parts)-1],
		Type:       primType,
		Attributes: map[string]string{},
	}
	if position != nil {
		p.Position = *position
		p.Attributes["xformOp:translate"] = fmt.Sprintf("(%g, %g, %g)", position.X, position.Y, position.Z)
	}
	s.prims[path] = p

	logging.Scene("created %s at %s", primType, path)
	return p, nil
}

// Get returns the prim at path.
func (s *Store) Get(path string) (*Prim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prims[path]
	return p, ok
}

// List returns all prims under root in path order, skipping system
// prims. An unknown root is an error; "/" always works.
func (s *Store) List(root string) ([]*Prim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if root != "/" {
		if _, ok := s.prims[root]; !ok {
			return nil, fmt.Errorf("Invalid root path: %s", root)
		}
	}

	var out []*Prim
	for _, p := range s.prims {
		if strings.HasPrefix(p.Name, "OmniverseKit_") {
			continue
		}
		if root == "/" || p.Path == root || strings.HasPrefix(p.Path, root+"/") {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Select replaces the current selection, dropping unknown paths.
func (s *Store) Select(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selection = s.selection[:0]
	for _, path := range paths {
		if _, ok := s.prims[path]; ok {
			s.selection = append(s.selection, path)
		}
	}
	logging.Scene("selection changed: %v", s.selection)
}

// Selection returns the selected prims.
func (s *Store) Selection() []*Prim {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Prim, 0, len(s.selection))
	for _, path := range s.selection {
		if p, ok := s.prims[path]; ok {
			out = append(out, p)
		}
	}
	return out
}

// CameraInfo returns the active camera.
func (s *Store) CameraInfo() Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera
}

// MoveCamera repositions the camera.
func (s *Store) MoveCamera(position, direction Vec3) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera.Position = position
	s.camera.Direction = direction.normalized()
}

// Raycast finds the closest prim along the camera's view direction
// within maxDistance. A prim counts as hit when it lies close to the
// view ray (direction cosine above 0.9, matching the viewport picker).
func (s *Store) Raycast(maxDistance float64) (*Prim, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin := s.camera.Position
	dir := s.camera.Direction.normalized()

	var closest *Prim
	closestDist := maxDistance

	for _, p := range s.prims {
		if strings.HasPrefix(p.Name, "OmniverseKit_") || p.Type == "Xform" {
			continue
		}
		toPrim := p.Position.sub(origin)
		dist := toPrim.length()
		if dist == 0 || dist >= closestDist {
			continue
		}
		if toPrim.normalized().dot(dir) > 0.9 {
			closest = p
			closestDist = dist
		}
	}

	if closest == nil {
		return nil, 0, false
	}
	return closest, closestDist, true
}

// Count returns the number of prims, system prims excluded.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.prims {
		if !strings.HasPrefix(p.Name, "OmniverseKit_") {
			n++
		}
	}
	return n
}
