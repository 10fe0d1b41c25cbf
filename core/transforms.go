package core

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// EngineUnitsPerMeter is the engine's length unit relative to ECEF metres.
const EngineUnitsPerMeter = 100.0

// polarAxisEpsilon is how close to the Z axis a point must be for the
// east direction to be taken from the fixed polar frame.
const polarAxisEpsilon = 1e-14

// ErrDegenerateFrame is returned when an east-north-up frame is requested at
// the ellipsoid centre.
var ErrDegenerateFrame = errors.New("east-north-up frame undefined at ellipsoid centre")

// EngineAxes converts between the right-handed ECEF-style axes and the
// engine's left-handed Z-up axes by flipping Y. It is its own inverse.
func EngineAxes() Mat4 {
	return Mat4{
		{1, 0, 0, 0},
		{0, -1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// ScaleToEngine converts metres to engine units.
func ScaleToEngine() Mat4 {
	return Mat4{
		{EngineUnitsPerMeter, 0, 0, 0},
		{0, EngineUnitsPerMeter, 0, 0},
		{0, 0, EngineUnitsPerMeter, 0},
		{0, 0, 0, 1},
	}
}

// ScaleToEcef converts engine units to metres.
func ScaleToEcef() Mat4 {
	const s = 1.0 / EngineUnitsPerMeter
	return Mat4{
		{s, 0, 0, 0},
		{0, s, 0, 0},
		{0, 0, s, 0},
		{0, 0, 0, 1},
	}
}

// EastNorthUpToFixedFrame returns the transform from the local east-north-up
// frame at origin to ECEF, on the WGS84 ellipsoid.
func EastNorthUpToFixedFrame(origin r3.Vec) (Mat4, error) {
	return WGS84.EastNorthUpToFixedFrame(origin)
}

// EastNorthUpToFixedFrame returns the transform whose columns are the unit
// east, north and up vectors at origin and whose translation is origin.
//
// On the polar axis east is +Y and north points along -X (north pole) or +X
// (south pole).
func (e Ellipsoid) EastNorthUpToFixedFrame(origin r3.Vec) (Mat4, error) {
	if origin.X == 0 && origin.Y == 0 && origin.Z == 0 {
		return Mat4{}, ErrDegenerateFrame
	}

	if math.Abs(origin.X) < polarAxisEpsilon && math.Abs(origin.Y) < polarAxisEpsilon {
		sign := 1.0
		if origin.Z < 0 {
			sign = -1.0
		}
		east := r3.Vec{Y: 1}
		north := r3.Vec{X: -sign}
		up := r3.Vec{Z: sign}
		return NewMat4FromColumns(east, north, up, origin), nil
	}

	up := e.GeodeticSurfaceNormal(origin)
	east := r3.Unit(r3.Vec{X: -origin.Y, Y: origin.X})
	north := r3.Cross(up, east)

	return NewMat4FromColumns(east, north, up, origin), nil
}
