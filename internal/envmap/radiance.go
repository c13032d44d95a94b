// Package envmap reconstructs a high-dynamic-range equirectangular
// panorama from a sequence of exposure-bracketed, attitude-tagged camera
// frames.
package envmap

import (
	"image"
	"math"
)

// Radiance is a floating-point RGB equirectangular buffer. Stride is in
// bytes per row, preserved through serialization.
type Radiance struct {
	Width  int
	Height int
	Stride int
	Pix    []float32
}

// NewRadiance allocates a zeroed radiance buffer with a dense stride.
func NewRadiance(w, h int) *Radiance {
	return &Radiance{
		Width:  w,
		Height: h,
		Stride: w * 3 * 4,
		Pix:    make([]float32, w*h*3),
	}
}

func (r *Radiance) index(x, y int) int {
	return y*(r.Stride/4) + x*3
}

// At returns the RGB radiance at a pixel.
func (r *Radiance) At(x, y int) (float32, float32, float32) {
	i := r.index(x, y)
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2]
}

// Set stores RGB radiance at a pixel.
func (r *Radiance) Set(x, y int, red, green, blue float32) {
	i := r.index(x, y)
	r.Pix[i] = red
	r.Pix[i+1] = green
	r.Pix[i+2] = blue
}

// Luminance returns Rec. 709 luminance at a pixel, clamped to be finite
// and non-negative so NaN pixels from a malformed HDR input cannot
// poison downstream integrals.
func (r *Radiance) Luminance(x, y int) float64 {
	red, green, blue := r.At(x, y)
	l := 0.2125*float64(red) + 0.7154*float64(green) + 0.0721*float64(blue)
	if math.IsNaN(l) || l < 0 {
		return 0
	}
	return l
}

// FromImage converts an 8-bit image to linear-ish radiance in [0, 1].
func FromImage(img image.Image) *Radiance {
	b := img.Bounds()
	r := NewRadiance(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			r.Set(x, y, float32(cr)/65535, float32(cg)/65535, float32(cb)/65535)
		}
	}
	return r
}

// The equirectangular mapping used throughout: Y is up in the world
// frame; latitude phi runs from +pi/2 at the top row to -pi/2 at the
// bottom, longitude theta from 0 to 2*pi across a row. Pixel area on the
// sphere shrinks with cos(phi), and every integral over the map weights
// by it.

// DirToPixel maps a world direction to fractional pixel coordinates with
// horizontal wraparound.
func DirToPixel(dir [3]float64, w, h int) (float64, float64) {
	n := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	if n == 0 {
		return 0, 0
	}
	x, y, z := dir[0]/n, dir[1]/n, dir[2]/n
	theta := math.Atan2(x, -z)
	if theta < 0 {
		theta += 2 * math.Pi
	}
	phi := math.Asin(clamp(y, -1, 1))
	u := theta / (2 * math.Pi) * float64(w)
	v := (0.5 - phi/math.Pi) * float64(h)
	return math.Mod(u, float64(w)), v
}

// PixelToDir maps pixel coordinates to a unit world direction.
func PixelToDir(u, v float64, w, h int) [3]float64 {
	theta := u / float64(w) * 2 * math.Pi
	phi := (0.5 - v/float64(h)) * math.Pi
	return [3]float64{
		math.Cos(phi) * math.Sin(theta),
		math.Sin(phi),
		-math.Cos(phi) * math.Cos(theta),
	}
}

// LatitudeWeight is the solid-angle correction for a pixel row: the
// cosine of its latitude.
func LatitudeWeight(y, h int) float64 {
	phi := (0.5 - (float64(y)+0.5)/float64(h)) * math.Pi
	return math.Cos(phi)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
