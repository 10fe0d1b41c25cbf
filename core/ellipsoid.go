package core

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// wgs84SemiMajor is the WGS84 equatorial radius in metres.
	wgs84SemiMajor = 6378137.0
	// wgs84SemiMinor is the WGS84 polar radius in metres.
	wgs84SemiMinor = 6356752.3142451793

	// centerToleranceSquared bounds the scaled squared norm under which a
	// point is treated as being at the ellipsoid centre.
	centerToleranceSquared = 0.1
	// surfaceConvergence is the Newton iteration stop criterion for
	// ScaleToGeodeticSurface.
	surfaceConvergence = 1e-12
	// maxSurfaceIterations guards against a non-converging iteration.
	maxSurfaceIterations = 64
)

// Cartographic is a geodetic position in radians/radians/metres.
type Cartographic struct {
	Longitude float64
	Latitude  float64
	Height    float64
}

// LLH is a geodetic position in degrees/degrees/metres. It is the public
// geographic type used by the georeference conversions.
type LLH struct {
	Longitude float64
	Latitude  float64
	Height    float64
}

// CartographicFromDegrees converts an LLH into radians.
func CartographicFromDegrees(llh LLH) Cartographic {
	return Cartographic{
		Longitude: degToRad(llh.Longitude),
		Latitude:  degToRad(llh.Latitude),
		Height:    llh.Height,
	}
}

// Degrees converts c into an LLH.
func (c Cartographic) Degrees() LLH {
	return LLH{
		Longitude: radToDeg(c.Longitude),
		Latitude:  radToDeg(c.Latitude),
		Height:    c.Height,
	}
}

// Ellipsoid is a triaxial ellipsoid centred at the ECEF origin.
// Values are immutable once constructed.
type Ellipsoid struct {
	radii              r3.Vec
	radiiSquared       r3.Vec
	oneOverRadii       r3.Vec
	oneOverRadiiSquare r3.Vec
}

// WGS84 is the reference ellipsoid used everywhere in this module.
var WGS84 = NewEllipsoid(r3.Vec{X: wgs84SemiMajor, Y: wgs84SemiMajor, Z: wgs84SemiMinor})

// NewEllipsoid builds an ellipsoid with the given semi-axes in metres.
func NewEllipsoid(radii r3.Vec) Ellipsoid {
	return Ellipsoid{
		radii:              radii,
		radiiSquared:       r3.Vec{X: radii.X * radii.X, Y: radii.Y * radii.Y, Z: radii.Z * radii.Z},
		oneOverRadii:       r3.Vec{X: 1 / radii.X, Y: 1 / radii.Y, Z: 1 / radii.Z},
		oneOverRadiiSquare: r3.Vec{X: 1 / (radii.X * radii.X), Y: 1 / (radii.Y * radii.Y), Z: 1 / (radii.Z * radii.Z)},
	}
}

// Radii returns the semi-axes of the ellipsoid.
func (e Ellipsoid) Radii() r3.Vec { return e.radii }

// GeodeticSurfaceNormal returns the unit normal of the surface through p.
// The result is undefined (NaN) at the origin.
func (e Ellipsoid) GeodeticSurfaceNormal(p r3.Vec) r3.Vec {
	return r3.Unit(mulElem(p, e.oneOverRadiiSquare))
}

// GeodeticSurfaceNormalCartographic returns the surface normal at the given
// geodetic position.
func (e Ellipsoid) GeodeticSurfaceNormalCartographic(c Cartographic) r3.Vec {
	sinLon, cosLon := math.Sincos(c.Longitude)
	sinLat, cosLat := math.Sincos(c.Latitude)
	return r3.Unit(r3.Vec{X: cosLat * cosLon, Y: cosLat * sinLon, Z: sinLat})
}

// CartographicToCartesian converts a geodetic position to ECEF metres.
func (e Ellipsoid) CartographicToCartesian(c Cartographic) r3.Vec {
	n := e.GeodeticSurfaceNormalCartographic(c)
	k := mulElem(e.radiiSquared, n)
	gamma := math.Sqrt(r3.Dot(n, k))
	k = r3.Scale(1/gamma, k)
	return r3.Add(k, r3.Scale(c.Height, n))
}

// ScaleToGeodeticSurface projects p along the geodetic normal onto the
// ellipsoid surface. It reports false when p is at the ellipsoid centre,
// where no projection exists.
func (e Ellipsoid) ScaleToGeodeticSurface(p r3.Vec) (r3.Vec, bool) {
	x2 := p.X * p.X * e.oneOverRadiiSquare.X
	y2 := p.Y * p.Y * e.oneOverRadiiSquare.Y
	z2 := p.Z * p.Z * e.oneOverRadiiSquare.Z

	squaredNorm := x2 + y2 + z2
	ratio := math.Sqrt(1 / squaredNorm)

	intersection := r3.Scale(ratio, p)

	if squaredNorm < centerToleranceSquared {
		if math.IsInf(ratio, 0) || math.IsNaN(ratio) {
			return r3.Vec{}, false
		}
		return intersection, true
	}

	gradient := r3.Scale(2, mulElem(intersection, e.oneOverRadiiSquare))

	lambda := (1 - ratio) * r3.Norm(p) / (0.5 * r3.Norm(gradient))
	correction := 0.0

	var xMul, yMul, zMul float64
	for i := 0; i < maxSurfaceIterations; i++ {
		lambda -= correction

		xMul = 1 / (1 + lambda*e.oneOverRadiiSquare.X)
		yMul = 1 / (1 + lambda*e.oneOverRadiiSquare.Y)
		zMul = 1 / (1 + lambda*e.oneOverRadiiSquare.Z)

		xMul2, yMul2, zMul2 := xMul*xMul, yMul*yMul, zMul*zMul
		xMul3, yMul3, zMul3 := xMul2*xMul, yMul2*yMul, zMul2*zMul

		fn := x2*xMul2 + y2*yMul2 + z2*zMul2 - 1
		if math.Abs(fn) <= surfaceConvergence {
			break
		}

		denominator := x2*xMul3*e.oneOverRadiiSquare.X +
			y2*yMul3*e.oneOverRadiiSquare.Y +
			z2*zMul3*e.oneOverRadiiSquare.Z
		derivative := -2 * denominator
		correction = fn / derivative
	}

	return r3.Vec{X: p.X * xMul, Y: p.Y * yMul, Z: p.Z * zMul}, true
}

// CartesianToCartographic converts ECEF metres to a geodetic position. It
// reports false for the ellipsoid centre, where longitude and latitude are
// not defined.
func (e Ellipsoid) CartesianToCartographic(p r3.Vec) (Cartographic, bool) {
	surface, ok := e.ScaleToGeodeticSurface(p)
	if !ok {
		return Cartographic{}, false
	}

	n := e.GeodeticSurfaceNormal(surface)
	h := r3.Sub(p, surface)

	height := r3.Norm(h)
	if r3.Dot(h, p) < 0 {
		height = -height
	}

	lon := math.Atan2(n.Y, n.X)
	if lon == -math.Pi {
		lon = math.Pi
	}

	return Cartographic{
		Longitude: lon,
		Latitude:  math.Asin(clamp(n.Z, -1, 1)),
		Height:    height,
	}, true
}

func mulElem(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func degToRad(d float64) float64 { return d * math.Pi / 180.0 }

func radToDeg(r float64) float64 { return r * 180.0 / math.Pi }
