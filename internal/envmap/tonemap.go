package envmap

import (
	"image"
	"image/color"
	"math"
)

// Tonemap converts an HDR radiance map to an 8-bit preview using the
// global Reinhard operator keyed to the log-average luminance, with the
// maximum luminance as the burn-out white point.
func Tonemap(r *Radiance) *image.RGBA {
	const key = 0.18
	const eps = 1e-6

	var logSum float64
	var n int
	maxLum := 0.0
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			l := r.Luminance(x, y)
			logSum += math.Log(eps + l)
			n++
			if l > maxLum {
				maxLum = l
			}
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	if n == 0 || maxLum == 0 {
		return out
	}
	logAvg := math.Exp(logSum / float64(n))
	scale := key / logAvg
	white := maxLum * scale
	white2 := white * white

	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			l := r.Luminance(x, y) * scale
			ld := l * (1 + l/white2) / (1 + l)
			var gain float64
			if l > 0 {
				gain = ld / (l / scale)
			}
			red, green, blue := r.At(x, y)
			out.SetRGBA(x, y, color.RGBA{
				R: gammaByte(float64(red) * gain),
				G: gammaByte(float64(green) * gain),
				B: gammaByte(float64(blue) * gain),
				A: 255,
			})
		}
	}
	return out
}

// gammaByte applies display gamma and quantizes to 8 bits.
func gammaByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	v = math.Pow(v, 1/2.2)
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
