package core

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// gimbalThreshold is the pitch singularity test bound used when converting
// quaternions back to rotators.
const gimbalThreshold = 0.4999995

// Rotator is an engine-convention rotation in degrees: pitch about Y, yaw
// about Z, roll about X.
type Rotator struct {
	Pitch float64
	Yaw   float64
	Roll  float64
}

// Quat returns the unit quaternion equivalent to r.
func (r Rotator) Quat() quat.Number {
	const halfDeg = math.Pi / 360.0
	sp, cp := math.Sincos(r.Pitch * halfDeg)
	sy, cy := math.Sincos(r.Yaw * halfDeg)
	sr, cr := math.Sincos(r.Roll * halfDeg)

	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: cr*sp*sy - sr*cp*cy,
		Jmag: -cr*sp*cy - sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// RotatorFromQuat converts a unit quaternion to a rotator. Near the pitch
// singularity the roll absorbs the yaw ambiguity.
func RotatorFromQuat(q quat.Number) Rotator {
	x, y, z, w := q.Imag, q.Jmag, q.Kmag, q.Real

	singularity := z*x - w*y
	yaw := radToDeg(math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)))

	switch {
	case singularity < -gimbalThreshold:
		return Rotator{
			Pitch: -90,
			Yaw:   yaw,
			Roll:  normalizeAxis(-yaw - 2*radToDeg(math.Atan2(x, w))),
		}
	case singularity > gimbalThreshold:
		return Rotator{
			Pitch: 90,
			Yaw:   yaw,
			Roll:  normalizeAxis(yaw - 2*radToDeg(math.Atan2(x, w))),
		}
	default:
		return Rotator{
			Pitch: radToDeg(math.Asin(2 * singularity)),
			Yaw:   yaw,
			Roll:  radToDeg(math.Atan2(-2*(w*x+y*z), 1-2*(x*x+y*y))),
		}
	}
}

// QuatFromMat returns the unit quaternion of a proper rotation matrix.
func QuatFromMat(m *r3.Mat) quat.Number {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return normalizeQuat(q)
}

// RotateVec rotates v by the unit quaternion q.
func RotateVec(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	if q.Real < 0 {
		n = -n
	}
	return quat.Scale(1/n, q)
}

// normalizeAxis wraps an angle in degrees into (-180, 180].
func normalizeAxis(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
