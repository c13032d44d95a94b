package tracker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// Pose is an immutable view transform (rotation + translation) and
// projection transform. One Pose is produced per tracked frame and
// consumed by the renderer and the environment builder.
type Pose struct {
	view *mat.Dense // 4x4
	proj *mat.Dense // 4x4
	inv  *mat.Dense // (proj * view)^-1, nil when singular

	width, height int
}

// NewPose builds a pose from a world orientation, camera position,
// calibrated intrinsics and viewport size. Near and far are the clip
// planes of the rendering convention.
func NewPose(q rotation.Quat, t [3]float64, p calib.Parameters, width, height int, near, far float64) Pose {
	r := q.Matrix()
	view := mat.NewDense(4, 4, []float64{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	})

	w := float64(width)
	h := float64(height)
	proj := mat.NewDense(4, 4, []float64{
		2 * p.Fx / w, 0, 1 - 2*p.Cx/w, 0,
		0, 2 * p.Fy / h, 2*p.Cy/h - 1, 0,
		0, 0, -(far + near) / (far - near), -2 * far * near / (far - near),
		0, 0, -1, 0,
	})

	pose := Pose{view: view, proj: proj, width: width, height: height}
	var pv, inv mat.Dense
	pv.Mul(proj, view)
	if err := inv.Inverse(&pv); err == nil {
		pose.inv = &inv
	}
	return pose
}

// NewPoseFromMatrices builds a pose directly from 4x4 row-major view and
// projection matrices.
func NewPoseFromMatrices(view, proj [16]float64, width, height int) Pose {
	v := mat.NewDense(4, 4, view[:])
	p := mat.NewDense(4, 4, proj[:])
	pose := Pose{view: v, proj: p, width: width, height: height}
	var pv, inv mat.Dense
	pv.Mul(p, v)
	if err := inv.Inverse(&pv); err == nil {
		pose.inv = &inv
	}
	return pose
}

// ViewMatrix returns the 4x4 view matrix, row-major.
func (p Pose) ViewMatrix() [16]float64 { return to16(p.view) }

// ProjMatrix returns the 4x4 projection matrix, row-major.
func (p Pose) ProjMatrix() [16]float64 { return to16(p.proj) }

// Size returns the viewport dimensions the pose was built for.
func (p Pose) Size() (width, height int) { return p.width, p.height }

// Unproject maps a pixel coordinate and NDC depth back to a world
// position. It fails when the combined transform is singular.
func (p Pose) Unproject(u, v, depth float64) ([3]float64, error) {
	if p.inv == nil {
		return [3]float64{}, fmt.Errorf("tracker: pose transform not invertible")
	}
	ndc := mat.NewVecDense(4, []float64{
		2*u/float64(p.width) - 1,
		1 - 2*v/float64(p.height),
		depth,
		1,
	})
	var world mat.VecDense
	world.MulVec(p.inv, ndc)
	w := world.AtVec(3)
	if w == 0 {
		return [3]float64{}, fmt.Errorf("tracker: unproject at infinity")
	}
	return [3]float64{world.AtVec(0) / w, world.AtVec(1) / w, world.AtVec(2) / w}, nil
}

// Ray returns the normalized world-space direction through a pixel,
// used by the live preview to splat pixels onto the unit sphere.
func (p Pose) Ray(u, v float64) ([3]float64, error) {
	near, err := p.Unproject(u, v, -1)
	if err != nil {
		return [3]float64{}, err
	}
	far, err := p.Unproject(u, v, 1)
	if err != nil {
		return [3]float64{}, err
	}
	d := [3]float64{far[0] - near[0], far[1] - near[1], far[2] - near[2]}
	n := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
	if n == 0 {
		return [3]float64{}, fmt.Errorf("tracker: degenerate ray")
	}
	inv := 1 / math.Sqrt(n)
	return [3]float64{d[0] * inv, d[1] * inv, d[2] * inv}, nil
}

func to16(m *mat.Dense) [16]float64 {
	var out [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = m.At(i, j)
		}
	}
	return out
}
