package core

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSingularMatrix is returned when an affine matrix has no inverse.
var ErrSingularMatrix = errors.New("singular matrix")

// Mat4 is a 4x4 double-precision affine transform stored row-major
// (m[row][col]) and applied to column vectors: p' = M * p.
type Mat4 [4][4]float64

// IdentityMat4 returns the identity transform.
func IdentityMat4() Mat4 {
	return Mat4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// NewMat4FromColumns builds an affine matrix from three basis columns and a
// translation.
func NewMat4FromColumns(x, y, z, translation r3.Vec) Mat4 {
	return Mat4{
		{x.X, y.X, z.X, translation.X},
		{x.Y, y.Y, z.Y, translation.Y},
		{x.Z, y.Z, z.Z, translation.Z},
		{0, 0, 0, 1},
	}
}

// Mul returns m * b.
func (m Mat4) Mul(b Mat4) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// TransformPoint applies m to p with an implicit w of 1.
func (m Mat4) TransformPoint(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// Column returns the first three components of column j.
func (m Mat4) Column(j int) r3.Vec {
	return r3.Vec{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// Translation returns the translation column.
func (m Mat4) Translation() r3.Vec { return m.Column(3) }

// Linear returns the upper-left 3x3 block.
func (m Mat4) Linear() *r3.Mat {
	return r3.NewMat([]float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

// AffineInverse inverts an affine transform: the linear block is inverted
// and the translation becomes -inv(L) * t.
func (m Mat4) AffineInverse() (Mat4, error) {
	inv, err := invert3(m.Linear())
	if err != nil {
		return Mat4{}, err
	}
	t := inv.MulVec(m.Translation())
	out := mat4FromLinear(inv)
	out[0][3] = -t.X
	out[1][3] = -t.Y
	out[2][3] = -t.Z
	return out, nil
}

// ApproxEqual reports whether every element of m and b differs by at most tol.
func (m Mat4) ApproxEqual(b Mat4, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(m[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (m Mat4) String() string {
	return fmt.Sprintf("[%v %v %v %v]", m[0], m[1], m[2], m[3])
}

func mat4FromLinear(l mat.Matrix) Mat4 {
	out := IdentityMat4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = l.At(i, j)
		}
	}
	return out
}

// invert3 inverts a 3x3 matrix through gonum's LU-based inverse.
func invert3(a *r3.Mat) (*r3.Mat, error) {
	if a.Det() == 0 {
		return nil, ErrSingularMatrix
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		// mat.Condition only warns about conditioning; the result is usable.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrSingularMatrix, err)
		}
	}
	out := r3.NewMat(nil)
	out.CloneFrom(&inv)
	return out, nil
}

// mul3 returns a * b for 3x3 matrices.
func mul3(a, b *r3.Mat) *r3.Mat {
	out := r3.NewMat(nil)
	out.Mul(a, b)
	return out
}
