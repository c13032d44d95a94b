package envmap

import (
	"image"
	"image/color"
	"math"

	"github.com/relabs-tech/ar_pipeline/internal/tracker"
)

// RenderView back-projects the panorama through a tracked camera pose:
// every output pixel is the panorama sampled along the pixel's world
// ray. Used by the capture UI so the user sees coverage while scanning.
func RenderView(r *Radiance, pose tracker.Pose, width, height int) (*image.RGBA, error) {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	pw, ph := pose.Size()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			u := (float64(x) + 0.5) / float64(width) * float64(pw)
			v := (float64(y) + 0.5) / float64(height) * float64(ph)
			dir, err := pose.Ray(u, v)
			if err != nil {
				return nil, err
			}
			red, green, blue := r.Sample(DirToPixel(dir, r.Width, r.Height))
			out.SetRGBA(x, y, color.RGBA{
				R: gammaByte(float64(red)),
				G: gammaByte(float64(green)),
				B: gammaByte(float64(blue)),
				A: 255,
			})
		}
	}
	return out, nil
}

// ProjectView writes one frame straight into the panorama with no
// quality checks: each source pixel's world ray, taken through the
// pose's inverse view and projection, lands on one equirectangular
// pixel. A cheap coverage preview while scanning, not a globally
// consistent reconstruction.
func ProjectView(r *Radiance, pose tracker.Pose, img image.Image) error {
	b := img.Bounds()
	pw, ph := pose.Size()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			u := (float64(x) + 0.5) / float64(b.Dx()) * float64(pw)
			v := (float64(y) + 0.5) / float64(b.Dy()) * float64(ph)
			dir, err := pose.Ray(u, v)
			if err != nil {
				return err
			}
			pu, pv := DirToPixel(dir, r.Width, r.Height)
			px, py := int(pu), int(pv)
			if px < 0 || py < 0 || px >= r.Width || py >= r.Height {
				continue
			}
			cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			r.Set(px, py, float32(cr)/65535, float32(cg)/65535, float32(cb)/65535)
		}
	}
	return nil
}

// Sample bilinearly interpolates the radiance map at fractional pixel
// coordinates, wrapping horizontally and clamping vertically.
func (r *Radiance) Sample(u, v float64) (float32, float32, float32) {
	u -= 0.5
	v -= 0.5
	x0 := int(math.Floor(u))
	y0 := int(math.Floor(v))
	fx := float32(u - float64(x0))
	fy := float32(v - float64(y0))

	wrap := func(x int) int {
		x %= r.Width
		if x < 0 {
			x += r.Width
		}
		return x
	}
	clampY := func(y int) int {
		if y < 0 {
			return 0
		}
		if y >= r.Height {
			return r.Height - 1
		}
		return y
	}

	r00, g00, b00 := r.At(wrap(x0), clampY(y0))
	r10, g10, b10 := r.At(wrap(x0+1), clampY(y0))
	r01, g01, b01 := r.At(wrap(x0), clampY(y0+1))
	r11, g11, b11 := r.At(wrap(x0+1), clampY(y0+1))

	lerp := func(a, b, t float32) float32 { return a + (b-a)*t }
	return lerp(lerp(r00, r10, fx), lerp(r01, r11, fx), fy),
		lerp(lerp(g00, g10, fx), lerp(g01, g11, fx), fy),
		lerp(lerp(b00, b10, fx), lerp(b01, b11, fx), fy)
}
