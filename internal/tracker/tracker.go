// Package tracker fuses marker observations and inertial samples into a
// drift-corrected 6-DOF camera pose.
package tracker

import (
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/ekf"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
	"github.com/relabs-tech/ar_pipeline/internal/vision"
)

// Variant selects the filter configuration of a tracker.
type Variant int

const (
	// VariantCoupled runs the single 19-dimensional kinematic filter.
	// This is the reference configuration.
	VariantCoupled Variant = iota
	// VariantDecoupled runs independent orientation and position filters.
	VariantDecoupled
	// VariantOrientation tracks orientation only; position stays at the
	// configured default.
	VariantOrientation
)

// State is the tracker lifecycle state. There is no terminal state; a
// tracker is reset only by constructing a new one.
type State int

const (
	StateInitialized State = iota
	StateTracking
)

// String names the state for logs and the debug stream.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateTracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxDt clamps the wall-clock step between updates; the app being
// backgrounded must not integrate minutes of dead time.
const maxDt = 0.5

// maxFramesInFlight bounds visual-tracking concurrency; frames arriving
// beyond it are dropped, not queued.
const maxFramesInFlight = 2

// Config parameterizes a tracker.
type Config struct {
	Variant  Variant
	Detector vision.PatternDetector
	Solver   vision.PerspectiveSolver
	Calib    calib.Parameters

	// Viewport for produced poses.
	Width, Height int
	Near, Far     float64

	// Capacity of the relative-orientation window.
	BufferCap int

	// DefaultPosition is used before any position information arrives
	// (and always, for VariantOrientation).
	DefaultPosition [3]float64
}

// DefaultConfig returns a coupled-variant configuration for the given
// detector, solver and calibration.
func DefaultConfig(d vision.PatternDetector, s vision.PerspectiveSolver, c calib.Parameters, w, h int) Config {
	return Config{
		Variant:   VariantCoupled,
		Detector:  d,
		Solver:    s,
		Calib:     c,
		Width:     w,
		Height:    h,
		Near:      0.1,
		Far:       100,
		BufferCap: 30,
	}
}

// Tracker owns one filter state. All entry points serialize on an
// internal mutex: camera frames and inertial samples arrive on
// independent callbacks and the covariance would be corrupted by
// concurrent updates.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	state    State
	variant  variantFilter
	relative *relativeBuffer
	grid     []vision.Point3

	lastUpdate time.Time
	now        func() time.Time

	inFlight atomic.Int32

	// Tracking statistics, for the debug stream.
	frames   atomic.Int64
	detected atomic.Int64
	rejected atomic.Int64
}

// New constructs a tracker in the INITIALIZED state.
func New(cfg Config) (*Tracker, error) {
	if cfg.Detector == nil || cfg.Solver == nil {
		return nil, fmt.Errorf("tracker: detector and solver are required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("tracker: viewport %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = 30
	}
	if cfg.Near <= 0 {
		cfg.Near = 0.1
	}
	if cfg.Far <= cfg.Near {
		cfg.Far = 100
	}

	vf, err := newVariantFilter(cfg.Variant)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:      cfg,
		variant:  vf,
		relative: newRelativeBuffer(cfg.BufferCap),
		grid:     vision.GridPoints(),
		now:      time.Now,
	}, nil
}

// State returns the lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// dt returns the wall-clock step since the previous update of either
// kind, clamped to [0, maxDt].
func (t *Tracker) dt() float64 {
	now := t.now()
	if t.lastUpdate.IsZero() {
		t.lastUpdate = now
		return 0
	}
	dt := now.Sub(t.lastUpdate).Seconds()
	t.lastUpdate = now
	if dt < 0 {
		return 0
	}
	if dt > maxDt {
		return maxDt
	}
	return dt
}

// TrackFrame runs marker detection on a camera frame and, on success,
// feeds the solved pose into the filter. A pattern miss returns false
// with no state change. Frames arriving while maxFramesInFlight jobs are
// still running are dropped.
func (t *Tracker) TrackFrame(img *image.Gray) bool {
	if t.inFlight.Add(1) > maxFramesInFlight {
		t.inFlight.Add(-1)
		return false
	}
	defer t.inFlight.Add(-1)
	t.frames.Add(1)

	corners, ok := t.cfg.Detector.Detect(img)
	if !ok {
		return false
	}

	rvec, tvec, err := t.cfg.Solver.Solve(t.grid, corners, t.cfg.Calib)
	if err != nil {
		log.Printf("tracker: perspective solve failed: %v", err)
		return false
	}
	t.detected.Add(1)

	// Reconcile the vision convention with the world frame, then
	// stabilize the rotation against the recent window.
	q, pos := rotation.VisionToWorld(rvec, tvec)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.relative.Push(q)
	stable := t.relative.Average()

	if err := t.variant.updateMarker(stable, pos, t.dt()); err != nil {
		t.rejected.Add(1)
		log.Printf("tracker: marker update rejected: %v", err)
		return false
	}
	t.state = StateTracking
	return true
}

// TrackSensor feeds one inertial sample (platform attitude, linear
// acceleration, rotation rate) into the filter. There is no detection
// step, so it always succeeds; a numerically rejected update is logged
// and skipped.
func (t *Tracker) TrackSensor(attitude rotation.Quat, accel, gyro [3]float64) {
	q, a, w := rotation.DeviceToWorld(attitude, accel, gyro)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.variant.updateInertial(q, w, a, t.dt()); err != nil {
		t.rejected.Add(1)
		log.Printf("tracker: inertial update rejected: %v", err)
		return
	}
	t.state = StateTracking
}

// Pose reconstructs the current fused pose. Side-effect-free.
func (t *Tracker) Pose() Pose {
	t.mu.Lock()
	q := t.variant.orientation()
	pos := t.variant.position()
	t.mu.Unlock()

	if t.cfg.Variant == VariantOrientation {
		pos = t.cfg.DefaultPosition
	}
	return NewPose(q, pos, t.cfg.Calib, t.cfg.Width, t.cfg.Height, t.cfg.Near, t.cfg.Far)
}

// Position returns the fused world position (the configured default for
// VariantOrientation).
func (t *Tracker) Position() [3]float64 {
	t.mu.Lock()
	pos := t.variant.position()
	t.mu.Unlock()
	if t.cfg.Variant == VariantOrientation {
		pos = t.cfg.DefaultPosition
	}
	return pos
}

// Stats reports cumulative tracking counters.
func (t *Tracker) Stats() (frames, detected, rejected int64) {
	return t.frames.Load(), t.detected.Load(), t.rejected.Load()
}

// Orientation returns the fused world orientation.
func (t *Tracker) Orientation() rotation.Quat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.variant.orientation()
}

// CovarianceTrace exposes the scalar uncertainty of the underlying
// filter(s), used by the debug stream.
func (t *Tracker) CovarianceTrace() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.variant.covTrace()
}

// variantFilter adapts one of the three filter configurations to a
// common surface.
type variantFilter interface {
	updateMarker(q rotation.Quat, pos [3]float64, dt float64) error
	updateInertial(q rotation.Quat, gyro, accel [3]float64, dt float64) error
	orientation() rotation.Quat
	position() [3]float64
	covTrace() float64
}

func newVariantFilter(v Variant) (variantFilter, error) {
	switch v {
	case VariantCoupled:
		q, x0, p0 := ekf.DefaultKinematic19Noise()
		f, err := ekf.New(ekf.Kinematic19{}, q, x0, p0)
		if err != nil {
			return nil, err
		}
		return &coupledFilter{f: f}, nil
	case VariantDecoupled:
		qo, xo, po := ekf.DefaultOrientation10Noise()
		fo, err := ekf.New(ekf.Orientation10{}, qo, xo, po)
		if err != nil {
			return nil, err
		}
		qp, xp, pp := ekf.DefaultPosition9Noise()
		fp, err := ekf.New(ekf.Position9{}, qp, xp, pp)
		if err != nil {
			return nil, err
		}
		return &decoupledFilter{fo: fo, fp: fp}, nil
	case VariantOrientation:
		qo, xo, po := ekf.DefaultOrientation10Noise()
		fo, err := ekf.New(ekf.Orientation10{}, qo, xo, po)
		if err != nil {
			return nil, err
		}
		return &orientationFilter{fo: fo}, nil
	default:
		return nil, fmt.Errorf("tracker: unknown variant %d", v)
	}
}

type coupledFilter struct {
	f *ekf.Filter
}

func (c *coupledFilter) updateMarker(q rotation.Quat, pos [3]float64, dt float64) error {
	z := []float64{q.W, q.X, q.Y, q.Z, pos[0], pos[1], pos[2]}
	return c.f.PredictUpdate(dt, ekf.MarkerPose{}, z, ekf.MarkerPoseNoise)
}

func (c *coupledFilter) updateInertial(q rotation.Quat, gyro, accel [3]float64, dt float64) error {
	z := []float64{
		q.W, q.X, q.Y, q.Z,
		gyro[0], gyro[1], gyro[2],
		accel[0], accel[1], accel[2],
	}
	return c.f.PredictUpdate(dt, ekf.InertialPose{}, z, ekf.InertialPoseNoise)
}

func (c *coupledFilter) orientation() rotation.Quat {
	x := c.f.State()
	return rotation.Quat{W: x[0], X: x[1], Y: x[2], Z: x[3]}.Normalize()
}

func (c *coupledFilter) position() [3]float64 {
	x := c.f.State()
	return [3]float64{x[10], x[11], x[12]}
}

func (c *coupledFilter) covTrace() float64 { return c.f.CovarianceTrace() }

type decoupledFilter struct {
	fo *ekf.Filter
	fp *ekf.Filter
}

func (d *decoupledFilter) updateMarker(q rotation.Quat, pos [3]float64, dt float64) error {
	zo := []float64{q.W, q.X, q.Y, q.Z}
	if err := d.fo.PredictUpdate(dt, ekf.MarkerOrientation{}, zo, ekf.MarkerOrientationNoise); err != nil {
		return err
	}
	return d.fp.PredictUpdate(dt, ekf.MarkerPosition{}, pos[:], ekf.MarkerPositionNoise)
}

func (d *decoupledFilter) updateInertial(q rotation.Quat, gyro, accel [3]float64, dt float64) error {
	zo := []float64{q.W, q.X, q.Y, q.Z, gyro[0], gyro[1], gyro[2]}
	if err := d.fo.PredictUpdate(dt, ekf.InertialOrientation{}, zo, ekf.InertialOrientationNoise); err != nil {
		return err
	}
	// Rotate body acceleration into the world frame before feeding the
	// position filter.
	aw := d.orientation().Rotate(accel)
	return d.fp.PredictUpdate(dt, ekf.InertialAcceleration{}, aw[:], ekf.InertialAccelNoise)
}

func (d *decoupledFilter) orientation() rotation.Quat {
	x := d.fo.State()
	return rotation.Quat{W: x[0], X: x[1], Y: x[2], Z: x[3]}.Normalize()
}

func (d *decoupledFilter) position() [3]float64 {
	x := d.fp.State()
	return [3]float64{x[0], x[1], x[2]}
}

func (d *decoupledFilter) covTrace() float64 {
	return d.fo.CovarianceTrace() + d.fp.CovarianceTrace()
}

type orientationFilter struct {
	fo *ekf.Filter
}

func (o *orientationFilter) updateMarker(q rotation.Quat, _ [3]float64, dt float64) error {
	zo := []float64{q.W, q.X, q.Y, q.Z}
	return o.fo.PredictUpdate(dt, ekf.MarkerOrientation{}, zo, ekf.MarkerOrientationNoise)
}

func (o *orientationFilter) updateInertial(q rotation.Quat, gyro, _ [3]float64, dt float64) error {
	zo := []float64{q.W, q.X, q.Y, q.Z, gyro[0], gyro[1], gyro[2]}
	return o.fo.PredictUpdate(dt, ekf.InertialOrientation{}, zo, ekf.InertialOrientationNoise)
}

func (o *orientationFilter) orientation() rotation.Quat {
	x := o.fo.State()
	return rotation.Quat{W: x[0], X: x[1], Y: x[2], Z: x[3]}.Normalize()
}

func (o *orientationFilter) position() [3]float64 { return [3]float64{} }

func (o *orientationFilter) covTrace() float64 { return o.fo.CovarianceTrace() }
