package lightprobe

import (
	"math"

	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

// Light is one directional light extracted from the panorama. Color is
// the region's radiance integral scaled by the pixel solid angle, so
// summing the luminance of all lights approximates the luminance
// integral of the whole map. Ambient and Specular are fixed ratios of
// the diffuse color, matching what the rendering side expects.
type Light struct {
	Direction [3]float64 `json:"direction"` // unit vector, world frame
	Color     [3]float64 `json:"color"`     // diffuse RGB, linear
	Ambient   [3]float64 `json:"ambient"`
	Specular  [3]float64 `json:"specular"`
	CentroidX float64    `json:"centroid_x"` // fractional pixel coordinates
	CentroidY float64    `json:"centroid_y"`
	Area      float64    `json:"area"` // region solid angle, steradians
}

// Luminance returns the Rec. 709 luminance of the light's color.
func (l Light) Luminance() float64 {
	return 0.2125*l.Color[0] + 0.7154*l.Color[1] + 0.0721*l.Color[2]
}

// TotalLuminance is the solid-angle-weighted luminance integral of the
// whole map, the quantity the extracted lights jointly approximate.
func TotalLuminance(rad *envmap.Radiance) float64 {
	m := newMoments(rad)
	full := region{x0: 0, y0: 0, x1: m.w, y1: m.h}
	return m.energy(full) * pixelSolidAngle(m.w, m.h)
}

// pixelSolidAngle is the steradian area of one pixel at the equator;
// the latitude weight in the moment tables supplies the cos factor for
// other rows.
func pixelSolidAngle(w, h int) float64 {
	return (2 * math.Pi / float64(w)) * (math.Pi / float64(h))
}

// lightFor converts a finished region into a directional light.
func lightFor(m *moments, r region) Light {
	cx, cy := m.centroid(r)
	sa := pixelSolidAngle(m.w, m.h)
	c := m.color(r)
	diffuse := [3]float64{c[0] * sa, c[1] * sa, c[2] * sa}

	var area float64
	for y := r.y0; y < r.y1; y++ {
		area += float64(r.x1-r.x0) * envmap.LatitudeWeight(y, m.h) * sa
	}

	return Light{
		Direction: envmap.PixelToDir(cx, cy, m.w, m.h),
		Color:     diffuse,
		Ambient:   [3]float64{diffuse[0] / 5, diffuse[1] / 5, diffuse[2] / 5},
		Specular:  [3]float64{diffuse[0] * 1.5, diffuse[1] * 1.5, diffuse[2] * 1.5},
		CentroidX: cx,
		CentroidY: cy,
		Area:      area,
	}
}
