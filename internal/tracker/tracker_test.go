package tracker

import (
	"fmt"
	"image"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
	"github.com/relabs-tech/ar_pipeline/internal/vision"
)

var testCalib = calib.Parameters{Fx: 500, Fy: 500, Cx: 320, Cy: 240, F: 0.5}

// fixedDetector reports a canned corner set; fixedSolver a canned pose.
type fixedDetector struct {
	corners []vision.Point2
	ok      bool
	calls   int
}

func (d *fixedDetector) Detect(img *image.Gray) ([]vision.Point2, bool) {
	d.calls++
	return d.corners, d.ok
}

type fixedSolver struct {
	rvec, tvec [3]float64
	err        error
}

func (s *fixedSolver) Solve(world []vision.Point3, img []vision.Point2, p calib.Parameters) ([3]float64, [3]float64, error) {
	return s.rvec, s.tvec, s.err
}

func newTestTracker(t *testing.T, v Variant) *Tracker {
	t.Helper()
	cfg := DefaultConfig(&fixedDetector{ok: true}, &fixedSolver{}, testCalib, 640, 480)
	cfg.Variant = v
	trk, err := New(cfg)
	require.NoError(t, err)
	return trk
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Width: 640, Height: 480})
	assert.Error(t, err)

	cfg := DefaultConfig(&fixedDetector{}, &fixedSolver{}, testCalib, 0, 480)
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig(&fixedDetector{}, &fixedSolver{}, testCalib, 640, 480)
	cfg.Variant = Variant(99)
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	trk := newTestTracker(t, VariantCoupled)
	assert.Equal(t, StateInitialized, trk.State())
	assert.Equal(t, "initialized", trk.State().String())

	trk.TrackSensor(rotation.Identity(), [3]float64{}, [3]float64{})
	assert.Equal(t, StateTracking, trk.State())
	assert.Equal(t, "tracking", trk.State().String())
}

func TestTrackFramePatternMiss(t *testing.T) {
	det := &fixedDetector{ok: false}
	cfg := DefaultConfig(det, &fixedSolver{}, testCalib, 640, 480)
	trk, err := New(cfg)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, 640, 480))
	assert.False(t, trk.TrackFrame(img))
	assert.Equal(t, StateInitialized, trk.State())

	frames, detected, _ := trk.Stats()
	assert.Equal(t, int64(1), frames)
	assert.Equal(t, int64(0), detected)
}

func TestTrackFrameSolveFailure(t *testing.T) {
	cfg := DefaultConfig(
		&fixedDetector{ok: true},
		&fixedSolver{err: fmt.Errorf("no solution")},
		testCalib, 640, 480)
	trk, err := New(cfg)
	require.NoError(t, err)

	assert.False(t, trk.TrackFrame(image.NewGray(image.Rect(0, 0, 640, 480))))
	_, detected, _ := trk.Stats()
	assert.Equal(t, int64(0), detected)
}

func TestTrackFrameSuccess(t *testing.T) {
	solver := &fixedSolver{tvec: [3]float64{0.1, -0.2, 1.5}}
	cfg := DefaultConfig(&fixedDetector{ok: true}, solver, testCalib, 640, 480)
	trk, err := New(cfg)
	require.NoError(t, err)

	require.True(t, trk.TrackFrame(image.NewGray(image.Rect(0, 0, 640, 480))))
	assert.Equal(t, StateTracking, trk.State())

	frames, detected, rejected := trk.Stats()
	assert.Equal(t, int64(1), frames)
	assert.Equal(t, int64(1), detected)
	assert.Equal(t, int64(0), rejected)
}

func TestSensorUpdatesConvergeOrientation(t *testing.T) {
	trk := newTestTracker(t, VariantOrientation)

	target := rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.5)
	now := time.Now()
	step := 0
	trk.now = func() time.Time {
		step++
		return now.Add(time.Duration(step) * 10 * time.Millisecond)
	}

	for i := 0; i < 60; i++ {
		trk.TrackSensor(target, [3]float64{}, [3]float64{})
	}

	// DeviceToWorld mirrors Y and Z going in, so compare against the
	// remapped target.
	want, _, _ := rotation.DeviceToWorld(target, [3]float64{}, [3]float64{})
	got := trk.Orientation()
	dot := rotation.Dot(got, want)
	if dot < 0 {
		dot = -dot
	}
	assert.InDelta(t, 1, dot, 1e-3)
}

func TestOrientationVariantPinsPosition(t *testing.T) {
	cfg := DefaultConfig(&fixedDetector{ok: true}, &fixedSolver{}, testCalib, 640, 480)
	cfg.Variant = VariantOrientation
	cfg.DefaultPosition = [3]float64{0, 1.5, 0}
	trk, err := New(cfg)
	require.NoError(t, err)

	trk.TrackSensor(rotation.Identity(), [3]float64{1, 2, 3}, [3]float64{})
	assert.Equal(t, [3]float64{0, 1.5, 0}, trk.Position())
}

func TestCovarianceTraceDecreases(t *testing.T) {
	for _, v := range []Variant{VariantCoupled, VariantDecoupled, VariantOrientation} {
		trk := newTestTracker(t, v)
		before := trk.CovarianceTrace()
		for i := 0; i < 10; i++ {
			trk.TrackSensor(rotation.Identity(), [3]float64{}, [3]float64{})
		}
		assert.Less(t, trk.CovarianceTrace(), before, "variant %d", v)
	}
}

func TestDtClamp(t *testing.T) {
	trk := newTestTracker(t, VariantCoupled)

	base := time.Now()
	times := []time.Time{base, base.Add(time.Hour), base.Add(time.Hour - time.Minute)}
	i := 0
	trk.now = func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}

	assert.Equal(t, 0.0, trk.dt())    // first call
	assert.Equal(t, maxDt, trk.dt())  // an hour later, clamped
	assert.Equal(t, 0.0, trk.dt())    // clock went backwards
}

func TestRelativeBufferEviction(t *testing.T) {
	b := newRelativeBuffer(3)
	qs := []rotation.Quat{
		rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.1),
		rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.2),
		rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.3),
		rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.4),
	}
	for _, q := range qs {
		b.Push(q)
	}
	assert.Equal(t, 3, b.Len())

	// Oldest entry evicted: the window holds 0.2, 0.3, 0.4.
	_, angle := b.Average().AxisAngle()
	assert.InDelta(t, 0.3, angle, 1e-6)
}

func TestRelativeBufferMinCapacity(t *testing.T) {
	b := newRelativeBuffer(0)
	b.Push(rotation.Identity())
	b.Push(rotation.FromAxisAngle([3]float64{1, 0, 0}, 0.5))
	assert.Equal(t, 1, b.Len())
}

func TestPoseUnprojectRoundTrip(t *testing.T) {
	q := rotation.FromAxisAngle([3]float64{0, 1, 0}, 0.3)
	pose := NewPose(q, [3]float64{0.2, -0.1, 0.4}, testCalib, 640, 480, 0.1, 100)

	// A world point reprojected through Ray must lie along the pixel ray.
	world, err := pose.Unproject(320, 240, 0.5)
	require.NoError(t, err)
	dir, err := pose.Ray(320, 240)
	require.NoError(t, err)

	near, err := pose.Unproject(320, 240, -1)
	require.NoError(t, err)

	// world = near + s*dir for some s.
	d := [3]float64{world[0] - near[0], world[1] - near[1], world[2] - near[2]}
	n := 0.0
	for i := range d {
		n += d[i] * d[i]
	}
	require.Greater(t, n, 0.0)
	for i := range d {
		assert.InDelta(t, dir[i], d[i]/math.Sqrt(n), 1e-9)
	}
}

func TestPoseRayIsUnit(t *testing.T) {
	pose := NewPose(rotation.Identity(), [3]float64{}, testCalib, 640, 480, 0.1, 100)
	dir, err := pose.Ray(100, 100)
	require.NoError(t, err)
	n := dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2]
	assert.InDelta(t, 1, n, 1e-12)
}

func TestPoseMatricesRoundTrip(t *testing.T) {
	q := rotation.FromAxisAngle([3]float64{1, 0, 0}, 0.2)
	pose := NewPose(q, [3]float64{1, 2, 3}, testCalib, 640, 480, 0.1, 100)

	rebuilt := NewPoseFromMatrices(pose.ViewMatrix(), pose.ProjMatrix(), 640, 480)
	w, h := rebuilt.Size()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	a, err := pose.Unproject(10, 20, 0)
	require.NoError(t, err)
	b, err := rebuilt.Unproject(10, 20, 0)
	require.NoError(t, err)
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-9)
	}
}
