package domain

import (
	"encoding/json"
	"time"
)

type AnnotationID string

// ShapeKind is the discriminant of the annotation variant. It is fixed at
// insert time; later edits may change geometry and style fields but never
// the kind.
type ShapeKind string

const (
	ShapeRectangle ShapeKind = "rectangle"
	ShapeCircle    ShapeKind = "circle"
	ShapeArrow     ShapeKind = "arrow"
	ShapeFreehand  ShapeKind = "freehand"
	ShapeText      ShapeKind = "text"
)

func (k ShapeKind) Valid() bool {
	switch k {
	case ShapeRectangle, ShapeCircle, ShapeArrow, ShapeFreehand, ShapeText:
		return true
	}
	return false
}

// styleFields are shared by every shape kind.
var styleFields = map[string]bool{
	"stroke":       true,
	"stroke_width": true,
	"opacity":      true,
	"fill":         true,
}

// shapeFields whitelists the geometry fields per kind. Updates naming any
// other field are invalid, which is what keeps the field set closed and the
// variant tag immutable.
var shapeFields = map[ShapeKind]map[string]bool{
	ShapeRectangle: {"x": true, "y": true, "w": true, "h": true},
	ShapeCircle:    {"cx": true, "cy": true, "r": true},
	ShapeArrow:     {"x1": true, "y1": true, "x2": true, "y2": true},
	ShapeFreehand:  {"points": true},
	ShapeText:      {"x": true, "y": true, "content": true, "font_size": true},
}

// AllowsField reports whether name is a legal field for the shape kind.
func (k ShapeKind) AllowsField(name string) bool {
	if styleFields[name] {
		return true
	}
	return shapeFields[k][name]
}

// Annotation is the external, merged view of one annotation. Field values
// stay raw JSON: the core orders and merges them, clients interpret them.
type Annotation struct {
	ID        AnnotationID               `json:"id"`
	Shape     ShapeKind                  `json:"shape"`
	Fields    map[string]json.RawMessage `json:"fields"`
	CreatedBy UserID                     `json:"created_by"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}
