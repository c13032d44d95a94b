package vision

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

var errDegenerate = errors.New("vision: degenerate correspondence set")

// estimateHomography computes the 3x3 homography mapping the planar world
// points (X, Y) to image points by the direct linear transform: each
// correspondence contributes two rows to A, and h is the right singular
// vector of the smallest singular value.
func estimateHomography(world []Point3, img []Point2) ([9]float64, error) {
	if len(world) < 4 || len(world) != len(img) {
		return [9]float64{}, errDegenerate
	}

	a := mat.NewDense(2*len(world), 9, nil)
	for i := range world {
		x, y := world[i].X, world[i].Y
		u, v := img[i].X, img[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y, -v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return [9]float64{}, fmt.Errorf("vision: homography SVD failed")
	}
	var vt mat.Dense
	svd.VTo(&vt)

	var h [9]float64
	_, c := vt.Dims()
	for i := 0; i < 9; i++ {
		h[i] = vt.At(i, c-1)
	}
	if math.Abs(h[8]) < 1e-12 {
		return [9]float64{}, errDegenerate
	}
	for i := range h {
		h[i] /= h[8]
	}
	return h, nil
}

// PlanarSolver recovers the camera pose of the planar grid by decomposing
// a DLT homography against the calibrated intrinsics. It serves as the
// default perspective solver for marker tracking.
type PlanarSolver struct{}

// Solve implements PerspectiveSolver. Image points are undistorted before
// estimation; the homography columns scaled by the inverse intrinsics give
// the first two rotation columns and the translation.
func (PlanarSolver) Solve(world []Point3, img []Point2, p calib.Parameters) (rvec, tvec [3]float64, err error) {
	und := make([]Point2, len(img))
	for i, pt := range img {
		xn, yn := p.Unproject(pt.X, pt.Y)
		und[i] = Point2{X: xn, Y: yn}
	}

	// Intrinsics are identity in normalized coordinates, so H = [r1 r2 t]
	// up to scale.
	h, err := estimateHomography(world, und)
	if err != nil {
		return rvec, tvec, err
	}

	b1 := [3]float64{h[0], h[3], h[6]}
	b2 := [3]float64{h[1], h[4], h[7]}
	b3 := [3]float64{h[2], h[5], h[8]}

	n1 := math.Sqrt(b1[0]*b1[0] + b1[1]*b1[1] + b1[2]*b1[2])
	n2 := math.Sqrt(b2[0]*b2[0] + b2[1]*b2[1] + b2[2]*b2[2])
	if n1 < 1e-12 || n2 < 1e-12 {
		return rvec, tvec, errDegenerate
	}
	scale := 2 / (n1 + n2)

	// The camera must sit in front of the plane.
	if b3[2]*scale < 0 {
		scale = -scale
	}

	var r1, r2, t [3]float64
	for i := 0; i < 3; i++ {
		r1[i] = b1[i] * scale
		r2[i] = b2[i] * scale
		t[i] = b3[i] * scale
	}

	// Gram-Schmidt to force r1 and r2 orthonormal before the cross product.
	norm3(&r1)
	d := dot3(r1, r2)
	for i := 0; i < 3; i++ {
		r2[i] -= d * r1[i]
	}
	norm3(&r2)
	r3 := cross3(r1, r2)

	q := rotation.FromMatrix([9]float64{
		r1[0], r2[0], r3[0],
		r1[1], r2[1], r3[1],
		r1[2], r2[2], r3[2],
	})
	axis, angle := q.AxisAngle()
	for i := 0; i < 3; i++ {
		rvec[i] = axis[i] * angle
	}
	return rvec, t, nil
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm3(v *[3]float64) {
	n := math.Sqrt(dot3(*v, *v))
	if n < 1e-12 {
		return
	}
	v[0] /= n
	v[1] /= n
	v[2] /= n
}
