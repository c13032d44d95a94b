package envmap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/capture"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// Frame rejection reasons, returned by AddFrames. A rejected batch is
// simply not part of the panorama; the caller keeps capturing.
var (
	ErrBlurry            = errors.New("envmap: frame too blurry")
	ErrNotEnoughFeatures = errors.New("envmap: not enough features")
	ErrNoPairwiseMatches = errors.New("envmap: no matches against neighboring views")
	ErrNoGlobalMatches   = errors.New("envmap: not enough anchored views")
	ErrNoFrames          = errors.New("envmap: no accepted frames")
)

// Config tunes the builder. The zero value is completed by sensible
// defaults in NewBuilder.
type Config struct {
	// Output panorama size.
	Width  int
	Height int

	// Calib provides the intrinsics used to turn pixels into bearings.
	Calib calib.Parameters

	// BlurThreshold is the minimum sharpness score to accept a frame.
	BlurThreshold float64

	// MinFeatures is the minimum number of detected keypoints.
	MinFeatures int

	// MaxPairAngle is the largest relative rotation, in radians, at
	// which two views are considered overlapping.
	MaxPairAngle float64

	// ReprojectTolerance is the inlier radius, in pixels, for the
	// rotation-induced point transfer between two views.
	ReprojectTolerance float64

	// MinPairMatches is the number of inliers required before a
	// neighboring view counts as anchoring the new one.
	MinPairMatches int
}

// DefaultConfig returns the builder defaults used on the device.
func DefaultConfig(c calib.Parameters) Config {
	return Config{
		Width:              1024,
		Height:             512,
		Calib:              c,
		BlurThreshold:      0.015,
		MinFeatures:        25,
		MaxPairAngle:       25 * math.Pi / 180,
		ReprojectTolerance: 16,
		MinPairMatches:     8,
	}
}

// view is one accepted capture batch with its refined attitude and the
// sparse features of its reference exposure.
type view struct {
	attitude rotation.Quat
	frames   capture.Batch
	gray     *image.Gray
	feats    features
	rays     [][3]float64 // unit bearing per keypoint, device frame
}

// Progress reports how far Composite has come, per stage.
type Progress struct {
	Stage    string
	Fraction float64
}

// Result is the finished panorama.
type Result struct {
	Exposures []float64 // distinct bracket exposure times, ascending
	HDR       *Radiance
	Preview   *image.RGBA
}

// Builder accumulates capture batches and composites them into one HDR
// equirectangular panorama. It is not safe for concurrent use; the
// capture session owns it.
type Builder struct {
	cfg   Config
	views []view
}

// NewBuilder creates a builder, filling zero config fields with the
// defaults of DefaultConfig.
func NewBuilder(cfg Config) *Builder {
	def := DefaultConfig(cfg.Calib)
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.BlurThreshold <= 0 {
		cfg.BlurThreshold = def.BlurThreshold
	}
	if cfg.MinFeatures <= 0 {
		cfg.MinFeatures = def.MinFeatures
	}
	if cfg.MaxPairAngle <= 0 {
		cfg.MaxPairAngle = def.MaxPairAngle
	}
	if cfg.ReprojectTolerance <= 0 {
		cfg.ReprojectTolerance = def.ReprojectTolerance
	}
	if cfg.MinPairMatches <= 0 {
		cfg.MinPairMatches = def.MinPairMatches
	}
	return &Builder{cfg: cfg}
}

// Views returns the number of accepted capture batches.
func (b *Builder) Views() int { return len(b.views) }

// AddFrames vets one capture batch and, when it passes, registers it
// against the already accepted views and refines its attitude. The
// returned error names the rejection reason; the batch is dropped on
// any error.
func (b *Builder) AddFrames(batch capture.Batch) error {
	if len(batch) == 0 {
		return fmt.Errorf("envmap: empty batch")
	}
	ref := referenceFrame(batch)
	gray := grayscale(ref.Image)

	if blurScore(gray) < b.cfg.BlurThreshold {
		return ErrBlurry
	}
	feats := detectFeatures(gray)
	if len(feats.keypoints) < b.cfg.MinFeatures {
		return ErrNotEnoughFeatures
	}

	v := view{
		attitude: ref.Attitude,
		frames:   batch,
		gray:     gray,
		feats:    feats,
		rays:     b.bearings(feats.keypoints),
	}

	// First view anchors the panorama by itself.
	if len(b.views) == 0 {
		b.views = append(b.views, v)
		return nil
	}

	anchors, candidates, sawMatches := b.register(&v)
	if !sawMatches {
		return ErrNoPairwiseMatches
	}
	required := 3
	if len(b.views) < 5 {
		required = 1
	}
	if anchors < required {
		return ErrNoGlobalMatches
	}

	// The refined attitude blends the inertial estimate with the
	// attitudes implied by each anchoring neighbor.
	candidates = append(candidates, ref.Attitude)
	v.attitude = rotation.Average(candidates)

	b.views = append(b.views, v)
	return nil
}

// referenceFrame picks the middle exposure of a bracket as the one used
// for sharpness and feature work.
func referenceFrame(batch capture.Batch) capture.Frame {
	idx := make([]int, len(batch))
	for i := range idx {
		idx[i] = i
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && batch[idx[j]].Exposure < batch[idx[j-1]].Exposure; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	return batch[idx[len(idx)/2]]
}

// bearings unprojects keypoints into unit direction vectors in the
// device frame (camera looks down -z, y up).
func (b *Builder) bearings(kps []keypoint) [][3]float64 {
	out := make([][3]float64, len(kps))
	for i, kp := range kps {
		xn, yn := b.cfg.Calib.Unproject(float64(kp.X), float64(kp.Y))
		d := [3]float64{xn, -yn, -1}
		n := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		out[i] = [3]float64{d[0] / n, d[1] / n, d[2] / n}
	}
	return out
}

// register matches the new view against every accepted view within the
// rotation gate. It returns the number of anchoring neighbors, one
// attitude candidate per anchor, and whether any raw descriptor match
// was seen at all.
func (b *Builder) register(v *view) (anchors int, candidates []rotation.Quat, sawMatches bool) {
	for i := range b.views {
		n := &b.views[i]
		if angleBetween(v.attitude, n.attitude) > b.cfg.MaxPairAngle {
			continue
		}
		ms := matchFeatures(n.feats, v.feats)
		if len(ms) == 0 {
			continue
		}
		sawMatches = true

		inliers := b.gateMatches(n, v, ms)
		if len(inliers) < b.cfg.MinPairMatches {
			continue
		}
		rel, ok := relativeRotation(n.rays, v.rays, inliers)
		if !ok {
			continue
		}
		anchors++
		candidates = append(candidates, n.attitude.Mul(rel))
	}
	return anchors, candidates, sawMatches
}

// gateMatches keeps the matches consistent with the relative rotation
// implied by the inertial attitudes: a keypoint of the neighbor,
// transferred through R_rel, must land near its match in the new view.
func (b *Builder) gateMatches(n, v *view, ms []match) []match {
	// Device rotation taking neighbor bearings into the new view's frame.
	rel := v.attitude.Conj().Mul(n.attitude)
	tol := b.cfg.ReprojectTolerance
	var out []match
	for _, m := range ms {
		d := rel.Rotate(n.rays[m.i])
		if d[2] >= -1e-6 {
			continue // behind the camera
		}
		u, vv := b.cfg.Calib.Project(d[0]/-d[2], -d[1]/-d[2])
		kp := v.feats.keypoints[m.j]
		du, dv := u-float64(kp.X), vv-float64(kp.Y)
		if du*du+dv*dv <= tol*tol {
			out = append(out, m)
		}
	}
	return out
}

// relativeRotation solves the Wahba problem for the inlier bearing
// pairs: the rotation taking new-view bearings onto neighbor bearings.
func relativeRotation(a, bb [][3]float64, ms []match) (rotation.Quat, bool) {
	if len(ms) < 3 {
		return rotation.Identity(), false
	}
	m := mat.NewDense(3, 3, nil)
	for _, mm := range ms {
		p, q := a[mm.i], bb[mm.j]
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m.Set(r, c, m.At(r, c)+p[r]*q[c])
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return rotation.Identity(), false
	}
	var u, vt mat.Dense
	svd.UTo(&u)
	svd.VTo(&vt) // V, not V^T

	var r mat.Dense
	r.Mul(&u, vt.T())
	// Fix a possible reflection.
	if det3(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, vt.T())
	}
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r.At(i, j)
		}
	}
	return rotation.FromMatrix(out), true
}

func det3(m *mat.Dense) float64 {
	return m.At(0, 0)*(m.At(1, 1)*m.At(2, 2)-m.At(1, 2)*m.At(2, 1)) -
		m.At(0, 1)*(m.At(1, 0)*m.At(2, 2)-m.At(1, 2)*m.At(2, 0)) +
		m.At(0, 2)*(m.At(1, 0)*m.At(2, 1)-m.At(1, 1)*m.At(2, 0))
}

func angleBetween(a, b rotation.Quat) float64 {
	d := math.Abs(a.Dot(b))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Composite merges all accepted views into the HDR panorama. It runs on
// the calling goroutine, checks ctx between rows, and pushes progress
// without ever blocking on the channel. The builder keeps its views, so
// capture can continue afterwards.
func (b *Builder) Composite(ctx context.Context, progress chan<- Progress) (*Result, error) {
	if len(b.views) == 0 {
		return nil, ErrNoFrames
	}

	report := func(stage string, frac float64) {
		if progress == nil {
			return
		}
		select {
		case progress <- Progress{Stage: stage, Fraction: frac}:
		default:
		}
	}

	report("response", 0)
	resp := recoverResponse(b.views)
	exposures := distinctExposures(b.views)

	hdr := NewRadiance(b.cfg.Width, b.cfg.Height)
	weights := make([]float64, b.cfg.Width*b.cfg.Height)

	for vi := range b.views {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := &b.views[vi]
		rad := mergeBracket(v.frames, resp)
		b.splat(v, rad, hdr, weights)
		report("composite", float64(vi+1)/float64(len(b.views)))
	}

	for y := 0; y < hdr.Height; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < hdr.Width; x++ {
			if w := weights[y*hdr.Width+x]; w > 0 {
				r, g, bl := hdr.At(x, y)
				hdr.Set(x, y, r/float32(w), g/float32(w), bl/float32(w))
			}
		}
	}

	report("tonemap", 0)
	preview := Tonemap(hdr)
	report("tonemap", 1)

	return &Result{Exposures: exposures, HDR: hdr, Preview: preview}, nil
}

// splat projects every pixel of a merged view into the panorama,
// accumulating radiance weighted by distance from the image center so
// overlapping views blend instead of seaming.
func (b *Builder) splat(v *view, rad *Radiance, hdr *Radiance, weights []float64) {
	w, h := rad.Width, rad.Height
	cx, cy := float64(w)/2, float64(h)/2
	maxR2 := cx*cx + cy*cy
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xn, yn := b.cfg.Calib.Unproject(float64(x), float64(y))
			dir := v.attitude.Rotate(normalize3([3]float64{xn, -yn, -1}))
			u, vv := DirToPixel(dir, hdr.Width, hdr.Height)
			px, py := int(u), int(vv)
			if px < 0 || py < 0 || px >= hdr.Width || py >= hdr.Height {
				continue
			}
			dx, dy := float64(x)-cx, float64(y)-cy
			wgt := 1 - (dx*dx+dy*dy)/maxR2
			if wgt <= 0 {
				continue
			}
			r, g, bl := rad.At(x, y)
			hr, hg, hb := hdr.At(px, py)
			hdr.Set(px, py, hr+r*float32(wgt), hg+g*float32(wgt), hb+bl*float32(wgt))
			weights[py*hdr.Width+px] += wgt
		}
	}
}

func normalize3(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

func distinctExposures(views []view) []float64 {
	seen := map[float64]bool{}
	var out []float64
	for i := range views {
		for _, f := range views[i].frames {
			if !seen[f.Exposure] {
				seen[f.Exposure] = true
				out = append(out, f.Exposure)
			}
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
