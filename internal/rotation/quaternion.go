// Package rotation provides the quaternion algebra shared by the pose
// filter and the environment builder: composition, normalization and a
// robust multi-sample average on the rotation manifold.
package rotation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// minNorm is the magnitude below which a quaternion is considered
// degenerate and normalization is skipped.
const minNorm = 1e-7

// Quat is a rotation quaternion (w, x, y, z). A unit Quat represents the
// orientation of the camera/device relative to the fixed world frame.
type Quat struct {
	W, X, Y, Z float64
}

// Identity returns the identity rotation.
func Identity() Quat {
	return Quat{W: 1}
}

func (q Quat) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quat {
	return Quat{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Mul returns the Hamilton product a*b. It is not commutative: the result
// applies b's rotation in a's frame, matching the convention used by the
// filter's process model.
func Mul(a, b Quat) Quat {
	return fromNumber(quat.Mul(a.number(), b.number()))
}

// Mul returns the Hamilton product q*o.
func (q Quat) Mul(o Quat) Quat {
	return Mul(q, o)
}

// Conj returns the conjugate, which for a unit quaternion is the inverse
// rotation.
func (q Quat) Conj() Quat {
	return fromNumber(quat.Conj(q.number()))
}

// Norm returns the Euclidean norm of the quaternion.
func (q Quat) Norm() float64 {
	return quat.Abs(q.number())
}

// Dot returns the four-dimensional dot product of two quaternions.
func Dot(a, b Quat) float64 {
	return a.W*b.W + a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

// Dot returns the four-dimensional dot product with o.
func (q Quat) Dot(o Quat) float64 {
	return Dot(q, o)
}

// Normalize rescales q to unit length. Quaternions with a numerically
// vanishing norm are returned unchanged rather than divided by zero.
func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n < minNorm {
		return q
	}
	return Quat{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// FromAxisAngle builds the quaternion rotating by angle (radians) around
// the given axis. A near-zero axis yields the identity.
func FromAxisAngle(axis [3]float64, angle float64) Quat {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	if n < minNorm {
		return Identity()
	}
	s := math.Sin(angle/2) / n
	return Quat{
		W: math.Cos(angle / 2),
		X: axis[0] * s,
		Y: axis[1] * s,
		Z: axis[2] * s,
	}
}

// FromRotationVector builds the quaternion from a Rodrigues vector whose
// direction is the axis and magnitude the angle in radians.
func FromRotationVector(r [3]float64) Quat {
	angle := math.Sqrt(r[0]*r[0] + r[1]*r[1] + r[2]*r[2])
	return FromAxisAngle(r, angle)
}

// AxisAngle decomposes a unit quaternion into its axis and angle. The
// identity maps to the X axis with a zero angle.
func (q Quat) AxisAngle() (axis [3]float64, angle float64) {
	u := q.Normalize()
	if u.W > 1 {
		u.W = 1
	} else if u.W < -1 {
		u.W = -1
	}
	angle = 2 * math.Acos(u.W)
	s := math.Sqrt(1 - u.W*u.W)
	if s < minNorm {
		return [3]float64{1, 0, 0}, 0
	}
	return [3]float64{u.X / s, u.Y / s, u.Z / s}, angle
}

// Rotate applies the rotation to a vector: q v q*.
func (q Quat) Rotate(v [3]float64) [3]float64 {
	p := quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2]}
	n := q.number()
	r := quat.Mul(quat.Mul(n, p), quat.Conj(n))
	return [3]float64{r.Imag, r.Jmag, r.Kmag}
}

// Matrix returns the 3x3 rotation matrix of a unit quaternion, row-major.
func (q Quat) Matrix() [9]float64 {
	u := q.Normalize()
	w, x, y, z := u.W, u.X, u.Y, u.Z
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// FromMatrix recovers the quaternion from a 3x3 row-major rotation matrix
// using Shepperd's method.
func FromMatrix(m [9]float64) Quat {
	tr := m[0] + m[4] + m[8]
	var q Quat
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = Quat{
			W: s / 4,
			X: (m[7] - m[5]) / s,
			Y: (m[2] - m[6]) / s,
			Z: (m[3] - m[1]) / s,
		}
	case m[0] > m[4] && m[0] > m[8]:
		s := math.Sqrt(1+m[0]-m[4]-m[8]) * 2
		q = Quat{
			W: (m[7] - m[5]) / s,
			X: s / 4,
			Y: (m[1] + m[3]) / s,
			Z: (m[2] + m[6]) / s,
		}
	case m[4] > m[8]:
		s := math.Sqrt(1+m[4]-m[0]-m[8]) * 2
		q = Quat{
			W: (m[2] - m[6]) / s,
			X: (m[1] + m[3]) / s,
			Y: s / 4,
			Z: (m[5] + m[7]) / s,
		}
	default:
		s := math.Sqrt(1+m[8]-m[0]-m[4]) * 2
		q = Quat{
			W: (m[3] - m[1]) / s,
			X: (m[2] + m[6]) / s,
			Y: (m[5] + m[7]) / s,
			Z: s / 4,
		}
	}
	return q.Normalize()
}
