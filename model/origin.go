package model

import (
	"fmt"
	"strings"
)

// OriginPlacement selects how the georeferenced-local frame is anchored.
type OriginPlacement int

const (
	// OriginPlacementTrueOrigin uses ECEF directly (identity georeferenced->ECEF).
	OriginPlacementTrueOrigin OriginPlacement = iota
	// OriginPlacementBoundingVolume centres the frame on the registered objects' bounding volumes.
	OriginPlacementBoundingVolume
	// OriginPlacementCartographic centres the frame on an explicit longitude/latitude/height.
	OriginPlacementCartographic
)

var placementNames = map[OriginPlacement]string{
	OriginPlacementTrueOrigin:     "true_origin",
	OriginPlacementBoundingVolume: "bounding_volume",
	OriginPlacementCartographic:   "cartographic",
}

func (p OriginPlacement) String() string {
	if name, ok := placementNames[p]; ok {
		return name
	}
	return fmt.Sprintf("OriginPlacement(%d)", int(p))
}

// ParseOriginPlacement accepts the names produced by String, case-insensitively,
// plus a few spellings used by authored configuration.
func ParseOriginPlacement(s string) (OriginPlacement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true_origin", "true-origin", "trueorigin":
		return OriginPlacementTrueOrigin, nil
	case "bounding_volume", "bounding-volume", "boundingvolume":
		return OriginPlacementBoundingVolume, nil
	case "cartographic", "", "cartographic_origin":
		return OriginPlacementCartographic, nil
	default:
		return 0, fmt.Errorf("unknown origin placement %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p OriginPlacement) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OriginPlacement) UnmarshalText(text []byte) error {
	parsed, err := ParseOriginPlacement(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// GeoreferenceOrigin is the authored origin of the georeferenced frame.
// Longitude and latitude are in degrees, height in metres above WGS84.
type GeoreferenceOrigin struct {
	Placement OriginPlacement
	Longitude float64
	Latitude  float64
	Height    float64
}
