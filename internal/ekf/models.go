package ekf

import (
	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// The three tracker variants share these state layouts:
//
//	Orientation10: [qw qx qy qz | wx wy wz | ax ay az]
//	Position9:     [px py pz | vx vy vz | ax ay az]
//	Kinematic19:   [qw qx qy qz | wx wy wz | ex ey ez | px py pz | vx vy vz | bx by bz]
//
// where w is angular velocity, e angular acceleration and b linear
// acceleration in the body frame.

// Diag builds a SymDense with the given diagonal.
func Diag(d ...float64) *mat.SymDense {
	m := mat.NewSymDense(len(d), nil)
	for i, v := range d {
		m.SetSym(i, i, v)
	}
	return m
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// DiagN builds an n x n SymDense with a constant diagonal.
func DiagN(v float64, n int) *mat.SymDense {
	return Diag(repeat(v, n)...)
}

func quatAt(x []float64, i int) rotation.Quat {
	return rotation.Quat{W: x[i], X: x[i+1], Y: x[i+2], Z: x[i+3]}
}

// integrateOrientation advances the quaternion at x[0:4] by the angular
// velocity at x[4:7] and angular acceleration at x[7:10]:
// q' = q + 0.5*(w*dt + e*dt^2/2) (x) q, matching the original process model.
func integrateOrientation(out, x []float64, dt float64) {
	q := quatAt(x, 0).Normalize()
	r := [3]float64{
		0.5 * (x[4]*dt + x[7]*dt*dt/2),
		0.5 * (x[5]*dt + x[8]*dt*dt/2),
		0.5 * (x[6]*dt + x[9]*dt*dt/2),
	}
	dq := rotation.Mul(rotation.Quat{X: r[0], Y: r[1], Z: r[2]}, q)
	out[0] = x[0] + dq.W
	out[1] = x[1] + dq.X
	out[2] = x[2] + dq.Y
	out[3] = x[3] + dq.Z
	out[4] = x[4] + x[7]*dt
	out[5] = x[5] + x[8]*dt
	out[6] = x[6] + x[9]*dt
	out[7] = x[7]
	out[8] = x[8]
	out[9] = x[9]
}

// Orientation10 is the process model of the orientation-only filter.
type Orientation10 struct{}

func (Orientation10) Dim() int      { return 10 }
func (Orientation10) NoiseDim() int { return 10 }

func (Orientation10) Apply(x, w []float64, dt float64) []float64 {
	out := make([]float64, 10)
	integrateOrientation(out, x, dt)
	for i := range out {
		out[i] += w[i]
	}
	return out
}

// DefaultOrientation10Noise returns the process noise, initial state and
// initial covariance of the orientation filter. Angular acceleration is
// only observed through two integration steps, so its process noise is
// kept small enough that the covariance trace contracts under repeated
// measurements instead of pumping uncertainty into the weak dimensions.
func DefaultOrientation10Noise() (*mat.SymDense, []float64, *mat.SymDense) {
	d := append(repeat(5e-2, 4), repeat(1e-4, 3)...)
	d = append(d, repeat(1e-6, 3)...)
	q := Diag(d...)
	x0 := []float64{1, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	p0 := DiagN(10, 10)
	return q, x0, p0
}

// MarkerOrientation measures the orientation quaternion (dimension 4).
type MarkerOrientation struct{}

func (MarkerOrientation) Dim() int      { return 4 }
func (MarkerOrientation) NoiseDim() int { return 4 }

func (MarkerOrientation) Measure(x, v []float64) []float64 {
	q := quatAt(x, 0).Normalize()
	return []float64{q.W + v[0], q.X + v[1], q.Y + v[2], q.Z + v[3]}
}

// InertialOrientation measures the orientation quaternion and angular
// velocity (dimension 7).
type InertialOrientation struct{}

func (InertialOrientation) Dim() int      { return 7 }
func (InertialOrientation) NoiseDim() int { return 7 }

func (InertialOrientation) Measure(x, v []float64) []float64 {
	q := quatAt(x, 0).Normalize()
	return []float64{
		q.W + v[0], q.X + v[1], q.Y + v[2], q.Z + v[3],
		x[4] + v[4], x[5] + v[5], x[6] + v[6],
	}
}

// Position9 is the process model of the position-only filter with a
// discrete constant-acceleration kinematic update.
type Position9 struct{}

func (Position9) Dim() int      { return 9 }
func (Position9) NoiseDim() int { return 9 }

func (Position9) Apply(x, w []float64, dt float64) []float64 {
	out := make([]float64, 9)
	for i := 0; i < 3; i++ {
		out[i] = x[i] + x[3+i]*dt + x[6+i]*dt*dt/2
		out[3+i] = x[3+i] + x[6+i]*dt
		out[6+i] = x[6+i]
	}
	for i := range out {
		out[i] += w[i]
	}
	return out
}

// DefaultPosition9Noise returns the process noise, initial state and
// initial covariance of the position filter. Velocity and acceleration
// are inferred from position differences only, so their process noise
// stays small for the same reason as in DefaultOrientation10Noise.
func DefaultPosition9Noise() (*mat.SymDense, []float64, *mat.SymDense) {
	q := Diag(5e-2, 5e-2, 5e-2, 1e-6, 1e-6, 1e-6, 1e-6, 1e-6, 1e-6)
	x0 := make([]float64, 9)
	p0 := DiagN(10, 9)
	return q, x0, p0
}

// MarkerPosition measures the position part of Position9.
type MarkerPosition struct{}

func (MarkerPosition) Dim() int      { return 3 }
func (MarkerPosition) NoiseDim() int { return 3 }

func (MarkerPosition) Measure(x, v []float64) []float64 {
	return []float64{x[0] + v[0], x[1] + v[1], x[2] + v[2]}
}

// InertialAcceleration measures the acceleration part of Position9.
type InertialAcceleration struct{}

func (InertialAcceleration) Dim() int      { return 3 }
func (InertialAcceleration) NoiseDim() int { return 3 }

func (InertialAcceleration) Measure(x, v []float64) []float64 {
	return []float64{x[6] + v[0], x[7] + v[1], x[8] + v[2]}
}

// Kinematic19 is the coupled process model: orientation, angular velocity,
// angular acceleration, position, velocity and body-frame linear
// acceleration in one state. Body acceleration is rotated into the world
// frame by the current orientation and integrated twice into position and
// once into velocity per step.
type Kinematic19 struct{}

func (Kinematic19) Dim() int      { return 19 }
func (Kinematic19) NoiseDim() int { return 19 }

func (Kinematic19) Apply(x, w []float64, dt float64) []float64 {
	out := make([]float64, 19)
	integrateOrientation(out, x, dt)

	q := quatAt(x, 0).Normalize()
	aw := q.Rotate([3]float64{x[16], x[17], x[18]})
	for i := 0; i < 3; i++ {
		out[10+i] = x[10+i] + x[13+i]*dt + aw[i]*dt*dt/2
		out[13+i] = x[13+i] + aw[i]*dt
		out[16+i] = x[16+i]
	}
	for i := range out {
		out[i] += w[i]
	}
	return out
}

// DefaultKinematic19Noise returns the process noise, initial state and
// initial covariance of the coupled filter. Orientation and position are
// measured directly; the derivative dimensions only see measurements
// through one or two integration steps, so their process noise is kept
// far below the direct ones. The marker update alone then contracts the
// covariance trace at every step.
func DefaultKinematic19Noise() (*mat.SymDense, []float64, *mat.SymDense) {
	d := append(repeat(5e-2, 4), repeat(1e-4, 3)...) // orientation, angular velocity
	d = append(d, repeat(1e-6, 3)...)                // angular acceleration
	d = append(d, repeat(5e-2, 3)...)                // position
	d = append(d, repeat(1e-6, 6)...)                // velocity, body acceleration
	q := Diag(d...)
	x0 := make([]float64, 19)
	x0[0] = 1
	p0 := DiagN(10, 19)
	return q, x0, p0
}

// MarkerPose measures orientation and position of Kinematic19
// (dimension 7): the marker update.
type MarkerPose struct{}

func (MarkerPose) Dim() int      { return 7 }
func (MarkerPose) NoiseDim() int { return 7 }

func (MarkerPose) Measure(x, v []float64) []float64 {
	q := quatAt(x, 0).Normalize()
	return []float64{
		q.W + v[0], q.X + v[1], q.Y + v[2], q.Z + v[3],
		x[10] + v[4], x[11] + v[5], x[12] + v[6],
	}
}

// InertialPose measures orientation, angular velocity and body
// acceleration of Kinematic19 (dimension 10): the inertial update.
type InertialPose struct{}

func (InertialPose) Dim() int      { return 10 }
func (InertialPose) NoiseDim() int { return 10 }

func (InertialPose) Measure(x, v []float64) []float64 {
	q := quatAt(x, 0).Normalize()
	return []float64{
		q.W + v[0], q.X + v[1], q.Y + v[2], q.Z + v[3],
		x[4] + v[4], x[5] + v[5], x[6] + v[6],
		x[16] + v[7], x[17] + v[8], x[18] + v[9],
	}
}

// Default measurement noise diagonals, matching the tuned constants of the
// original filters.
var (
	MarkerOrientationNoise   = DiagN(1e-2, 4)
	InertialOrientationNoise = DiagN(1e-2, 7)
	MarkerPositionNoise      = DiagN(5e-2, 3)
	InertialAccelNoise       = DiagN(5e-2, 3)
	MarkerPoseNoise          = Diag(1e-2, 1e-2, 1e-2, 1e-2, 5e-2, 5e-2, 5e-2)
	InertialPoseNoise        = Diag(1e-2, 1e-2, 1e-2, 1e-2, 1e-2, 1e-2, 1e-2, 5e-2, 5e-2, 5e-2)
)
