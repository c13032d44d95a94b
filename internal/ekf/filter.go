// Package ekf implements a generic fixed-dimension Extended Kalman Filter.
// The filter is parameterized by a ProcessModel and, per update, a
// MeasurementModel, so the same engine serves the 10-dimensional
// orientation filter, the 9-dimensional position filter and the coupled
// 19-dimensional kinematic filter.
package ekf

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// jacobianStep is the step size for central-difference Jacobians. The
// original design used automatic differentiation; finite differences trade
// a small amount of accuracy for not carrying a dual-number type.
const jacobianStep = 1e-6

var (
	// ErrSingularInnovation is returned when the innovation covariance
	// cannot be inverted. The update is rejected and the previous state
	// kept, instead of silently corrupting the estimate.
	ErrSingularInnovation = errors.New("ekf: singular innovation covariance")

	// ErrNumerical is returned when an update produces NaN or Inf in the
	// state or covariance. The update is rejected.
	ErrNumerical = errors.New("ekf: non-finite value in update")
)

// ProcessModel propagates the state through one time step. Apply must be a
// pure function of its inputs: x has Dim() elements, w has NoiseDim()
// elements of additive process noise (zero during propagation, perturbed
// during linearization).
type ProcessModel interface {
	Dim() int
	NoiseDim() int
	Apply(x, w []float64, dt float64) []float64
}

// MeasurementModel maps a state to an expected measurement. v carries
// NoiseDim() elements of additive measurement noise.
type MeasurementModel interface {
	Dim() int
	NoiseDim() int
	Measure(x, v []float64) []float64
}

// Filter holds the state vector and covariance of one EKF instance. It is
// not safe for concurrent use; owners must serialize access.
type Filter struct {
	model ProcessModel
	q     *mat.SymDense // process noise covariance, NoiseDim x NoiseDim

	x *mat.VecDense // state, Dim
	p *mat.Dense    // covariance, Dim x Dim
}

// New creates a filter with the given process model, process noise
// covariance, initial state and initial covariance.
func New(model ProcessModel, q *mat.SymDense, x0 []float64, p0 *mat.SymDense) (*Filter, error) {
	n := model.Dim()
	if len(x0) != n {
		return nil, fmt.Errorf("ekf: initial state has %d elements, model wants %d", len(x0), n)
	}
	if r, _ := q.Dims(); r != model.NoiseDim() {
		return nil, fmt.Errorf("ekf: process noise is %dx%d, model wants %d", r, r, model.NoiseDim())
	}
	if r, _ := p0.Dims(); r != n {
		return nil, fmt.Errorf("ekf: initial covariance is %dx%d, model wants %d", r, r, n)
	}

	p := mat.NewDense(n, n, nil)
	p.Copy(p0)
	q2 := mat.NewSymDense(model.NoiseDim(), nil)
	q2.CopySym(q)
	return &Filter{
		model: model,
		q:     q2,
		x:     mat.NewVecDense(n, append([]float64(nil), x0...)),
		p:     p,
	}, nil
}

// State returns a copy of the current best estimate.
func (f *Filter) State() []float64 {
	out := make([]float64, f.x.Len())
	copy(out, f.x.RawVector().Data)
	return out
}

// Covariance returns a copy of the current covariance matrix.
func (f *Filter) Covariance() *mat.Dense {
	var out mat.Dense
	out.CloneFrom(f.p)
	return &out
}

// CovarianceTrace returns the trace of the covariance matrix, a scalar
// summary of estimate uncertainty.
func (f *Filter) CovarianceTrace() float64 {
	return mat.Trace(f.p)
}

// PredictUpdate runs one EKF cycle: propagate the state through the
// process model over dt, linearize process and measurement by central
// differences, and fold in the measurement z with covariance r. On error
// the previous state and covariance are retained.
func (f *Filter) PredictUpdate(dt float64, m MeasurementModel, z []float64, r *mat.SymDense) error {
	n := f.model.Dim()
	wn := f.model.NoiseDim()
	mdim := m.Dim()
	wm := m.NoiseDim()
	if len(z) != mdim {
		return fmt.Errorf("ekf: measurement has %d elements, model wants %d", len(z), mdim)
	}
	if rr, _ := r.Dims(); rr != wm {
		return fmt.Errorf("ekf: measurement noise is %dx%d, model wants %d", rr, rr, wm)
	}

	// Predict.
	zeroW := make([]float64, wn)
	xPred := f.model.Apply(f.State(), zeroW, dt)

	fj := jacobian(n, n, func(x []float64) []float64 {
		return f.model.Apply(x, zeroW, dt)
	}, f.State())
	wf := jacobian(n, wn, func(w []float64) []float64 {
		return f.model.Apply(f.State(), w, dt)
	}, zeroW)

	// P' = F P F^T + WF Q WF^T
	var pPred, tmp mat.Dense
	tmp.Mul(fj, f.p)
	pPred.Mul(&tmp, fj.T())
	var qn mat.Dense
	tmp.Reset()
	tmp.Mul(wf, f.q)
	qn.Mul(&tmp, wf.T())
	pPred.Add(&pPred, &qn)

	// Measure.
	zeroV := make([]float64, wm)
	zPred := m.Measure(xPred, zeroV)
	h := jacobian(mdim, n, func(x []float64) []float64 {
		return m.Measure(x, zeroV)
	}, xPred)
	wh := jacobian(mdim, wm, func(v []float64) []float64 {
		return m.Measure(xPred, v)
	}, zeroV)

	// S = H P' H^T + WH R WH^T
	var s, hp mat.Dense
	hp.Mul(h, &pPred)
	s.Mul(&hp, h.T())
	var rn mat.Dense
	tmp.Reset()
	tmp.Mul(wh, r)
	rn.Mul(&tmp, wh.T())
	s.Add(&s, &rn)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("%w: %v", ErrSingularInnovation, err)
	}

	// K = P' H^T S^-1
	var k, pht mat.Dense
	pht.Mul(&pPred, h.T())
	k.Mul(&pht, &sInv)

	// Innovation.
	y := mat.NewVecDense(mdim, nil)
	for i := 0; i < mdim; i++ {
		y.SetVec(i, z[i]-zPred[i])
	}

	// x = x' + K y
	var corr mat.VecDense
	corr.MulVec(&k, y)
	xNew := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		xNew.SetVec(i, xPred[i]+corr.AtVec(i))
	}

	// P = (I - K H) P'
	var kh mat.Dense
	kh.Mul(&k, h)
	eye := identity(n)
	eye.Sub(eye, &kh)
	var pNew mat.Dense
	pNew.Mul(eye, &pPred)

	// Covariance must stay symmetric; floating error drifts it, so
	// re-symmetrize before committing.
	symmetrize(&pNew)

	if !finiteVec(xNew) || !finiteMat(&pNew) {
		return ErrNumerical
	}

	f.x = xNew
	f.p = &pNew
	return nil
}

// jacobian computes the rows x cols Jacobian of fn at x0 by central
// differences.
func jacobian(rows, cols int, fn func([]float64) []float64, x0 []float64) *mat.Dense {
	j := mat.NewDense(rows, cols, nil)
	xp := make([]float64, len(x0))
	xm := make([]float64, len(x0))
	for c := 0; c < cols; c++ {
		copy(xp, x0)
		copy(xm, x0)
		xp[c] += jacobianStep
		xm[c] -= jacobianStep
		fp := fn(xp)
		fm := fn(xm)
		for r := 0; r < rows; r++ {
			j.Set(r, c, (fp[r]-fm[r])/(2*jacobianStep))
		}
	}
	return j
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func symmetrize(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) || math.IsInf(v.AtVec(i), 0) {
			return false
		}
	}
	return true
}

func finiteMat(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) || math.IsInf(m.At(i, j), 0) {
				return false
			}
		}
	}
	return true
}
