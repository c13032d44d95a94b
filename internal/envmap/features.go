package envmap

import (
	"image"
	"image/color"
	"math"
	"math/bits"
	"math/rand"
	"sort"
)

// Sparse feature machinery: FAST-style corner test, a 256-bit binary
// descriptor sampled from the smoothed patch, and brute-force Hamming
// matching. This stands in for the ORB detector the original leaned on.

type keypoint struct {
	X, Y  int
	Score int
}

type descriptor [4]uint64

type features struct {
	keypoints   []keypoint
	descriptors []descriptor
}

const (
	fastThreshold = 20
	fastArc       = 9
	maxKeypoints  = 500
	patchBorder   = 20
)

// Circle of 16 offsets at radius 3, in order.
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// briefPattern is the fixed sampling pattern of the binary descriptor,
// generated once from a fixed seed so descriptors are comparable across
// runs.
var briefPattern = func() [256][4]int {
	rng := rand.New(rand.NewSource(42))
	var p [256][4]int
	for i := range p {
		for j := 0; j < 4; j++ {
			p[i][j] = rng.Intn(31) - 15
		}
	}
	return p
}()

// grayscale converts any image to *image.Gray.
func grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return g
}

// blurScore measures sharpness as the mean absolute 3x3 Laplacian
// response, normalized to [0, 1]. Low values mean a blurry frame.
func blurScore(g *image.Gray) float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := int(g.GrayAt(x, y).Y)
			lap := 4*c - int(g.GrayAt(x-1, y).Y) - int(g.GrayAt(x+1, y).Y) -
				int(g.GrayAt(x, y-1).Y) - int(g.GrayAt(x, y+1).Y)
			if lap < 0 {
				lap = -lap
			}
			sum += float64(lap)
		}
	}
	return sum / (float64((w-2)*(h-2)) * 255)
}

// detectFeatures runs the corner test with cell-based non-maximum
// suppression and computes descriptors on the smoothed image.
func detectFeatures(g *image.Gray) features {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	smooth := boxBlur(g)

	const cell = 8
	best := map[[2]int]keypoint{}
	for y := patchBorder; y < h-patchBorder; y++ {
		for x := patchBorder; x < w-patchBorder; x++ {
			score, ok := fastScore(g, x, y)
			if !ok {
				continue
			}
			key := [2]int{x / cell, y / cell}
			if prev, exists := best[key]; !exists || score > prev.Score {
				best[key] = keypoint{X: x, Y: y, Score: score}
			}
		}
	}

	kps := make([]keypoint, 0, len(best))
	for _, kp := range best {
		kps = append(kps, kp)
	}
	sort.Slice(kps, func(i, j int) bool { return kps[i].Score > kps[j].Score })
	if len(kps) > maxKeypoints {
		kps = kps[:maxKeypoints]
	}

	f := features{keypoints: kps, descriptors: make([]descriptor, len(kps))}
	for i, kp := range kps {
		f.descriptors[i] = describe(smooth, kp.X, kp.Y)
	}
	return f
}

// fastScore applies the segment test: at least fastArc contiguous circle
// pixels all brighter or all darker than the center by fastThreshold.
// The score is the summed absolute contrast over the circle.
func fastScore(g *image.Gray, x, y int) (int, bool) {
	c := int(g.GrayAt(x, y).Y)
	var states [32]int8
	score := 0
	for i, off := range fastCircle {
		p := int(g.GrayAt(x+off[0], y+off[1]).Y)
		d := p - c
		switch {
		case d > fastThreshold:
			states[i] = 1
		case d < -fastThreshold:
			states[i] = -1
		}
		states[i+16] = states[i]
		if d < 0 {
			score -= d
		} else {
			score += d
		}
	}
	for _, want := range []int8{1, -1} {
		run := 0
		for i := 0; i < 32; i++ {
			if states[i] == want {
				run++
				if run >= fastArc {
					return score, true
				}
			} else {
				run = 0
			}
		}
	}
	return 0, false
}

// describe samples the 256 intensity comparisons of the descriptor.
func describe(g *image.Gray, x, y int) descriptor {
	var d descriptor
	for i, p := range briefPattern {
		a := g.GrayAt(x+p[0], y+p[1]).Y
		b := g.GrayAt(x+p[2], y+p[3]).Y
		if a < b {
			d[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return d
}

func boxBlur(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					sum += int(g.GrayAt(nx, ny).Y)
					n++
				}
			}
			out.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	return out
}

func hamming(a, b descriptor) int {
	return bits.OnesCount64(a[0]^b[0]) + bits.OnesCount64(a[1]^b[1]) +
		bits.OnesCount64(a[2]^b[2]) + bits.OnesCount64(a[3]^b[3])
}

type match struct {
	i, j     int // indices into the two keypoint sets
	distance int
}

// maxHamming rejects weak correspondences outright; tightened further
// relative to the best match of a pair, as the original did.
const maxHamming = 64

// matchFeatures brute-force matches descriptors with cross-checking.
func matchFeatures(a, b features) []match {
	if len(a.descriptors) == 0 || len(b.descriptors) == 0 {
		return nil
	}
	bestAB := make([]int, len(a.descriptors))
	distAB := make([]int, len(a.descriptors))
	for i, da := range a.descriptors {
		bestAB[i] = -1
		distAB[i] = math.MaxInt
		for j, db := range b.descriptors {
			if d := hamming(da, db); d < distAB[i] {
				distAB[i] = d
				bestAB[i] = j
			}
		}
	}
	var out []match
	for j, db := range b.descriptors {
		best, bd := -1, math.MaxInt
		for i, da := range a.descriptors {
			if d := hamming(da, db); d < bd {
				bd = d
				best = i
			}
		}
		if best >= 0 && bestAB[best] == j && bd <= maxHamming {
			out = append(out, match{i: best, j: j, distance: bd})
		}
	}
	if len(out) == 0 {
		return nil
	}
	// Tighten to 5x the best observed distance.
	sort.Slice(out, func(x, y int) bool { return out[x].distance < out[y].distance })
	limit := out[0].distance * 5
	if limit > maxHamming {
		limit = maxHamming
	}
	keep := out[:0]
	for _, m := range out {
		if m.distance <= limit {
			keep = append(keep, m)
		}
	}
	return keep
}
