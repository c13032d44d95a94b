// Package lightprobe extracts a small set of directional lights from an
// equirectangular radiance map, for relighting rendered content with
// the captured environment.
package lightprobe

import (
	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

// moments holds summed-area tables over the solid-angle-weighted
// luminance of the panorama, plus weighted color sums. Every region
// query below is O(1), which is what makes the recursive cuts cheap.
type moments struct {
	w, h int
	// Prefix sums, (w+1) x (h+1), indexed [y*(w+1)+x].
	m00, m10, m01 []float64
	m20, m02      []float64
	r, g, b       []float64
}

func newMoments(rad *envmap.Radiance) *moments {
	w, h := rad.Width, rad.Height
	m := &moments{
		w: w, h: h,
		m00: make([]float64, (w+1)*(h+1)),
		m10: make([]float64, (w+1)*(h+1)),
		m01: make([]float64, (w+1)*(h+1)),
		m20: make([]float64, (w+1)*(h+1)),
		m02: make([]float64, (w+1)*(h+1)),
		r:   make([]float64, (w+1)*(h+1)),
		g:   make([]float64, (w+1)*(h+1)),
		b:   make([]float64, (w+1)*(h+1)),
	}
	stride := w + 1
	for y := 0; y < h; y++ {
		lat := envmap.LatitudeWeight(y, h)
		for x := 0; x < w; x++ {
			lum := rad.Luminance(x, y) * lat
			red, green, blue := rad.At(x, y)
			fx, fy := float64(x)+0.5, float64(y)+0.5

			i := (y+1)*stride + (x + 1)
			up := y*stride + (x + 1)
			left := (y+1)*stride + x
			diag := y*stride + x

			m.m00[i] = lum + m.m00[up] + m.m00[left] - m.m00[diag]
			m.m10[i] = lum*fx + m.m10[up] + m.m10[left] - m.m10[diag]
			m.m01[i] = lum*fy + m.m01[up] + m.m01[left] - m.m01[diag]
			m.m20[i] = lum*fx*fx + m.m20[up] + m.m20[left] - m.m20[diag]
			m.m02[i] = lum*fy*fy + m.m02[up] + m.m02[left] - m.m02[diag]
			m.r[i] = float64(red)*lat + m.r[up] + m.r[left] - m.r[diag]
			m.g[i] = float64(green)*lat + m.g[up] + m.g[left] - m.g[diag]
			m.b[i] = float64(blue)*lat + m.b[up] + m.b[left] - m.b[diag]
		}
	}
	return m
}

// region is a half-open pixel rectangle [x0,x1) x [y0,y1).
type region struct {
	x0, y0, x1, y1 int
}

func (m *moments) sum(t []float64, r region) float64 {
	s := m.w + 1
	return t[r.y1*s+r.x1] - t[r.y0*s+r.x1] - t[r.y1*s+r.x0] + t[r.y0*s+r.x0]
}

// energy is the solid-angle-weighted luminance integral of a region.
func (m *moments) energy(r region) float64 { return m.sum(m.m00, r) }

// centroid is the energy-weighted center of a region, in fractional
// pixel coordinates. Falls back to the geometric center of an unlit
// region.
func (m *moments) centroid(r region) (float64, float64) {
	e := m.energy(r)
	if e <= 0 {
		return float64(r.x0+r.x1) / 2, float64(r.y0+r.y1) / 2
	}
	return m.sum(m.m10, r) / e, m.sum(m.m01, r) / e
}

// variance is the summed per-axis spatial variance of a region's
// energy distribution.
func (m *moments) variance(r region) float64 {
	e := m.energy(r)
	if e <= 0 {
		return 0
	}
	mx := m.sum(m.m10, r) / e
	my := m.sum(m.m01, r) / e
	vx := m.sum(m.m20, r)/e - mx*mx
	vy := m.sum(m.m02, r)/e - my*my
	if vx < 0 {
		vx = 0
	}
	if vy < 0 {
		vy = 0
	}
	return vx + vy
}

// color is the solid-angle-weighted RGB radiance integral of a region.
func (m *moments) color(r region) [3]float64 {
	return [3]float64{m.sum(m.r, r), m.sum(m.g, r), m.sum(m.b, r)}
}
