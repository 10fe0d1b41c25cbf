package model

import (
	"fmt"
	"strings"
)

// ObjectKind distinguishes the georeferenced scene objects known to the
// simulator.
type ObjectKind int

const (
	// ObjectKindTileset is a streamed dataset with a bounding volume.
	ObjectKindTileset ObjectKind = iota
	// ObjectKindAnchor is a point pinned to a geodetic position.
	ObjectKindAnchor
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectKindTileset:
		return "tileset"
	case ObjectKindAnchor:
		return "anchor"
	default:
		return fmt.Sprintf("ObjectKind(%d)", int(k))
	}
}

// ParseObjectKind parses the lower-case names produced by String.
func ParseObjectKind(s string) (ObjectKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tileset", "":
		return ObjectKindTileset, nil
	case "anchor":
		return ObjectKindAnchor, nil
	default:
		return 0, fmt.Errorf("unknown object kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ObjectKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ObjectKind) UnmarshalText(b []byte) error {
	v, err := ParseObjectKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// SceneObject is a georeferenced object placed in the simulated world.
// For tilesets the coordinates are the bounding-volume centre; Ready
// reports whether that bounding volume has been loaded.
type SceneObject struct {
	ID        string
	Kind      ObjectKind
	Longitude float64
	Latitude  float64
	Height    float64
	Ready     bool
}
