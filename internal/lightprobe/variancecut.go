package lightprobe

import (
	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

// VarianceCut extracts 2^levels directional lights like MedianCut, but
// chooses each cut (axis and position) to minimize the summed energy
// variance of the two children. It tracks concentrated light sources
// more tightly than the plain median split.
func VarianceCut(rad *envmap.Radiance, levels int) []Light {
	m := newMoments(rad)
	regions := []region{{x0: 0, y0: 0, x1: m.w, y1: m.h}}
	for level := 0; level < levels; level++ {
		next := make([]region, 0, len(regions)*2)
		for _, r := range regions {
			a, b := splitVariance(m, r)
			next = append(next, a, b)
		}
		regions = next
	}
	lights := make([]Light, len(regions))
	for i, r := range regions {
		lights[i] = lightFor(m, r)
	}
	return lights
}

// splitVariance scans every column and row cut of the region and keeps
// the one with the smallest total child variance.
func splitVariance(m *moments, r region) (region, region) {
	w := r.x1 - r.x0
	h := r.y1 - r.y0
	if w <= 1 && h <= 1 {
		return r, region{r.x0, r.y0, r.x1, r.y0}
	}

	bestCost := -1.0
	var bestA, bestB region
	consider := func(a, b region) {
		cost := m.variance(a) + m.variance(b)
		if bestCost < 0 || cost < bestCost {
			bestCost = cost
			bestA, bestB = a, b
		}
	}
	for x := r.x0 + 1; x < r.x1; x++ {
		consider(region{r.x0, r.y0, x, r.y1}, region{x, r.y0, r.x1, r.y1})
	}
	for y := r.y0 + 1; y < r.y1; y++ {
		consider(region{r.x0, r.y0, r.x1, y}, region{r.x0, y, r.x1, r.y1})
	}
	return bestA, bestB
}
