package ekf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

func TestNewDimensionChecks(t *testing.T) {
	q, x0, p0 := DefaultOrientation10Noise()

	_, err := New(Orientation10{}, q, x0[:5], p0)
	assert.Error(t, err)

	_, err = New(Orientation10{}, DiagN(1, 3), x0, p0)
	assert.Error(t, err)

	_, err = New(Orientation10{}, q, x0, DiagN(1, 3))
	assert.Error(t, err)

	f, err := New(Orientation10{}, q, x0, p0)
	require.NoError(t, err)
	assert.Equal(t, x0, f.State())
}

func TestPredictUpdateMeasurementChecks(t *testing.T) {
	q, x0, p0 := DefaultOrientation10Noise()
	f, err := New(Orientation10{}, q, x0, p0)
	require.NoError(t, err)

	err = f.PredictUpdate(0.01, MarkerOrientation{}, []float64{1, 0}, MarkerOrientationNoise)
	assert.Error(t, err)

	err = f.PredictUpdate(0.01, MarkerOrientation{}, []float64{1, 0, 0, 0}, DiagN(1e-2, 3))
	assert.Error(t, err)
}

func TestOrientationFilterConvergesToMeasurement(t *testing.T) {
	q, x0, p0 := DefaultOrientation10Noise()
	f, err := New(Orientation10{}, q, x0, p0)
	require.NoError(t, err)

	target := rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.8)
	z := []float64{target.W, target.X, target.Y, target.Z}

	for i := 0; i < 50; i++ {
		require.NoError(t, f.PredictUpdate(0.01, MarkerOrientation{}, z, MarkerOrientationNoise))
	}

	x := f.State()
	got := rotation.Quat{W: x[0], X: x[1], Y: x[2], Z: x[3]}.Normalize()
	assert.InDelta(t, 1, math.Abs(rotation.Dot(got, target)), 1e-3)
}

func TestCovarianceTraceShrinksUnderRepeatedMeasurements(t *testing.T) {
	q, x0, p0 := DefaultOrientation10Noise()
	f, err := New(Orientation10{}, q, x0, p0)
	require.NoError(t, err)

	before := f.CovarianceTrace()
	z := []float64{1, 0, 0, 0}
	for i := 0; i < 20; i++ {
		require.NoError(t, f.PredictUpdate(0.01, MarkerOrientation{}, z, MarkerOrientationNoise))
	}
	after := f.CovarianceTrace()
	assert.Less(t, after, before)
}

func TestCoupledTraceNonIncreasingUnderStationaryMarker(t *testing.T) {
	q, x0, p0 := DefaultKinematic19Noise()
	f, err := New(Kinematic19{}, q, x0, p0)
	require.NoError(t, err)

	// A noise-free stationary marker pose, frame after frame. The trace
	// must come down at every single step, not just end below where it
	// started: the derivative dimensions are only weakly observed and
	// must not accumulate uncertainty faster than the update removes it.
	target := rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.4)
	pos := [3]float64{0.3, -0.1, 1.2}
	z := []float64{target.W, target.X, target.Y, target.Z, pos[0], pos[1], pos[2]}

	prev := f.CovarianceTrace()
	for i := 0; i < 80; i++ {
		require.NoError(t, f.PredictUpdate(1.0/30, MarkerPose{}, z, MarkerPoseNoise))
		tr := f.CovarianceTrace()
		assert.LessOrEqual(t, tr, prev+1e-9, "step %d", i)
		prev = tr
	}

	x := f.State()
	got := rotation.Quat{W: x[0], X: x[1], Y: x[2], Z: x[3]}.Normalize()
	assert.InDelta(t, 1, math.Abs(rotation.Dot(got, target)), 1e-3)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, pos[i], x[10+i], 1e-3)
	}
}

func TestPositionFilterTracksConstantVelocity(t *testing.T) {
	q, x0, p0 := DefaultPosition9Noise()
	f, err := New(Position9{}, q, x0, p0)
	require.NoError(t, err)

	// Feed positions of a point moving at 1 m/s along x.
	dt := 0.1
	for i := 1; i <= 80; i++ {
		z := []float64{float64(i) * dt, 0, 0}
		require.NoError(t, f.PredictUpdate(dt, MarkerPosition{}, z, MarkerPositionNoise))
	}

	x := f.State()
	assert.InDelta(t, 8.0, x[0], 0.1) // position
	assert.InDelta(t, 1.0, x[3], 0.2) // velocity
}

// degenerateMeasurement maps every state to a constant, so the
// innovation covariance collapses to the measurement noise alone; with
// zero noise it is singular.
type degenerateMeasurement struct{}

func (degenerateMeasurement) Dim() int      { return 2 }
func (degenerateMeasurement) NoiseDim() int { return 2 }

func (degenerateMeasurement) Measure(x, v []float64) []float64 {
	return []float64{0, 0}
}

func TestSingularInnovationRejected(t *testing.T) {
	q, x0, p0 := DefaultOrientation10Noise()
	f, err := New(Orientation10{}, q, x0, p0)
	require.NoError(t, err)

	stateBefore := f.State()
	err = f.PredictUpdate(0.01, degenerateMeasurement{}, []float64{1, 1}, DiagN(0, 2))
	require.ErrorIs(t, err, ErrSingularInnovation)

	// The previous state must be retained on rejection.
	assert.Equal(t, stateBefore, f.State())
}

func TestCovarianceStaysSymmetric(t *testing.T) {
	q, x0, p0 := DefaultKinematic19Noise()
	f, err := New(Kinematic19{}, q, x0, p0)
	require.NoError(t, err)

	z := make([]float64, 10)
	z[0] = 1
	for i := 0; i < 10; i++ {
		require.NoError(t, f.PredictUpdate(0.02, InertialPose{}, z, InertialPoseNoise))
	}

	p := f.Covariance()
	r, c := p.Dims()
	require.Equal(t, 19, r)
	require.Equal(t, 19, c)
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			assert.InDelta(t, p.At(i, j), p.At(j, i), 1e-12)
		}
	}
}

func TestStateReturnsCopy(t *testing.T) {
	q, x0, p0 := DefaultPosition9Noise()
	f, err := New(Position9{}, q, x0, p0)
	require.NoError(t, err)

	s := f.State()
	s[0] = 42
	assert.Equal(t, 0.0, f.State()[0])
}

func TestJacobianOfLinearFunction(t *testing.T) {
	// d/dx of [2x0 + x1, 3x1] is [[2 1] [0 3]].
	j := jacobian(2, 2, func(x []float64) []float64 {
		return []float64{2*x[0] + x[1], 3 * x[1]}
	}, []float64{1, 1})

	assert.InDelta(t, 2, j.At(0, 0), 1e-6)
	assert.InDelta(t, 1, j.At(0, 1), 1e-6)
	assert.InDelta(t, 0, j.At(1, 0), 1e-6)
	assert.InDelta(t, 3, j.At(1, 1), 1e-6)
}

func TestDiagHelpers(t *testing.T) {
	d := Diag(1, 2, 3)
	assert.Equal(t, 2.0, d.At(1, 1))
	assert.Equal(t, 0.0, d.At(0, 1))

	n := DiagN(5, 4)
	r, _ := n.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 5.0, n.At(3, 3))
	var _ mat.Symmetric = n
}
