package envmap

import (
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/relabs-tech/ar_pipeline/internal/capture"
)

// Camera response recovery after Debevec and Malik: solve, per channel,
// for the log response g over the 256 pixel levels together with the
// log radiance of a set of sample points, from one bracketed batch.

const (
	responseSamples    = 256
	responseSmoothness = 50.0
)

type response struct {
	g [3][256]float64 // log exposure per pixel level, per channel
}

// hatWeight favors mid-range pixel levels; saturated and black pixels
// carry no information about the response.
func hatWeight(z int) float64 {
	if z > 127 {
		return float64(255-z) / 127
	}
	return float64(z) / 127
}

// recoverResponse fits the response from the first accepted view that
// carries at least two distinct exposures. With a single exposure there
// is nothing to fit and a fixed gamma curve is assumed.
func recoverResponse(views []view) *response {
	for i := range views {
		if batch := views[i].frames; countExposures(batch) >= 2 {
			if r := fitResponse(batch); r != nil {
				return r
			}
		}
	}
	return gammaResponse()
}

func countExposures(batch capture.Batch) int {
	seen := map[float64]bool{}
	for _, f := range batch {
		seen[f.Exposure] = true
	}
	return len(seen)
}

// gammaResponse is the single-exposure fallback: an sRGB-ish gamma 2.2
// curve in log space.
func gammaResponse() *response {
	var r response
	for z := 0; z < 256; z++ {
		zz := z
		if zz < 1 {
			zz = 1
		}
		g := 2.2 * math.Log(float64(zz)/255)
		for c := 0; c < 3; c++ {
			r.g[c][z] = g
		}
	}
	return &r
}

// fitResponse solves the regularized least-squares system of Debevec
// and Malik for one bracketed batch. Returns nil when the system cannot
// be factorized.
func fitResponse(batch capture.Batch) *response {
	samples := samplePoints(batch[0].Image, responseSamples)
	if len(samples) == 0 {
		return nil
	}

	levels := make([][][3]int, len(batch)) // [frame][sample][channel]
	for j, f := range batch {
		levels[j] = make([][3]int, len(samples))
		for p, pt := range samples {
			r, g, b, _ := f.Image.At(pt.X, pt.Y).RGBA()
			levels[j][p] = [3]int{int(r >> 8), int(g >> 8), int(b >> 8)}
		}
	}

	var out response
	for c := 0; c < 3; c++ {
		g, ok := solveResponseChannel(batch, levels, len(samples), c)
		if !ok {
			return nil
		}
		out.g[c] = g
	}
	return &out
}

func solveResponseChannel(batch capture.Batch, levels [][][3]int, nSamples, channel int) ([256]float64, bool) {
	var g [256]float64
	nUnknowns := 256 + nSamples
	nRows := len(batch)*nSamples + 254 + 1

	a := mat.NewDense(nRows, nUnknowns, nil)
	b := mat.NewVecDense(nRows, nil)

	row := 0
	for j, f := range batch {
		lnT := math.Log(f.Exposure)
		for p := 0; p < nSamples; p++ {
			z := levels[j][p][channel]
			w := hatWeight(z)
			a.Set(row, z, w)
			a.Set(row, 256+p, -w)
			b.SetVec(row, w*lnT)
			row++
		}
	}
	for z := 1; z <= 254; z++ {
		w := responseSmoothness * hatWeight(z)
		a.Set(row, z-1, w)
		a.Set(row, z, -2*w)
		a.Set(row, z+1, w)
		row++
	}
	// Anchor the curve: mid-level maps to zero log exposure.
	a.Set(row, 127, 1)

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return g, false
	}
	vals := svd.Values(nil)
	rank := 0
	tol := 1e-10 * vals[0]
	for _, v := range vals {
		if v > tol {
			rank++
		}
	}
	var x mat.Dense
	svd.SolveTo(&x, b, rank)

	for z := 0; z < 256; z++ {
		g[z] = x.At(z, 0)
	}
	return g, true
}

// samplePoints spreads n points over the image interior on a uniform
// grid, skipping the border where vignetting is worst.
func samplePoints(img image.Image, n int) []image.Point {
	bd := img.Bounds()
	w, h := bd.Dx(), bd.Dy()
	if w < 8 || h < 8 {
		return nil
	}
	cols := int(math.Round(math.Sqrt(float64(n) * float64(w) / float64(h))))
	if cols < 1 {
		cols = 1
	}
	rows := (n + cols - 1) / cols
	var out []image.Point
	for r := 0; r < rows && len(out) < n; r++ {
		for c := 0; c < cols && len(out) < n; c++ {
			x := bd.Min.X + (c+1)*w/(cols+1)
			y := bd.Min.Y + (r+1)*h/(rows+1)
			out = append(out, image.Point{X: x, Y: y})
		}
	}
	return out
}

// mergeBracket fuses one bracketed batch into linear radiance using the
// recovered response, weighting each exposure's vote by the hat weight
// of its pixel level.
func mergeBracket(batch capture.Batch, resp *response) *Radiance {
	bd := batch[0].Image.Bounds()
	w, h := bd.Dx(), bd.Dy()
	rad := NewRadiance(w, h)

	type chanAcc struct{ num, den float64 }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [3]chanAcc
			for _, f := range batch {
				lnT := math.Log(f.Exposure)
				r, g, b, _ := f.Image.At(bd.Min.X+x, bd.Min.Y+y).RGBA()
				zs := [3]int{int(r >> 8), int(g >> 8), int(b >> 8)}
				for c := 0; c < 3; c++ {
					wt := hatWeight(zs[c])
					acc[c].num += wt * (resp.g[c][zs[c]] - lnT)
					acc[c].den += wt
				}
			}
			var px [3]float32
			for c := 0; c < 3; c++ {
				if acc[c].den > 0 {
					px[c] = float32(math.Exp(acc[c].num / acc[c].den))
				} else {
					// Every bracket saturated the same way; fall back
					// to the mid frame's level through the response.
					f := referenceFrame(batch)
					r, g, b, _ := f.Image.At(bd.Min.X+x, bd.Min.Y+y).RGBA()
					zs := [3]uint32{r >> 8, g >> 8, b >> 8}
					px[c] = float32(math.Exp(resp.g[c][zs[c]] - math.Log(f.Exposure)))
				}
			}
			rad.Set(x, y, px[0], px[1], px[2])
		}
	}
	return rad
}
