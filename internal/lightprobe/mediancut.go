package lightprobe

import (
	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

// MedianCut extracts 2^levels directional lights by recursively
// splitting the panorama along its longer axis at the energy median.
func MedianCut(rad *envmap.Radiance, levels int) []Light {
	m := newMoments(rad)
	regions := []region{{x0: 0, y0: 0, x1: m.w, y1: m.h}}
	for level := 0; level < levels; level++ {
		next := make([]region, 0, len(regions)*2)
		for _, r := range regions {
			a, b := splitMedian(m, r)
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

// splitMedian cuts a region across its longer axis at the position
// where the energy halves. Degenerate (single-pixel-wide) regions split
// down the middle so the recursion always terminates with 2^levels
// regions.
func splitMedian(m *moments, r region) (region, region) {
	w := r.x1 - r.x0
	h := r.y1 - r.y0
	if w >= h && w > 1 {
		cut := medianColumn(m, r)
		return region{r.x0, r.y0, cut, r.y1}, region{cut, r.y0, r.x1, r.y1}
	}
	if h > 1 {
		cut := medianRow(m, r)
		return region{r.x0, r.y0, r.x1, cut}, region{r.x0, cut, r.x1, r.y1}
	}
	// Single pixel: keep it and pad with an empty region so the count
	// stays a power of two without double-counting energy.
	return r, region{r.x0, r.y0, r.x1, r.y0}
}

func medianColumn(m *moments, r region) int {
	half := m.energy(r) / 2
	lo, hi := r.x0+1, r.x1-1
	for lo < hi {
		mid := (lo + hi) / 2
		if m.energy(region{r.x0, r.y0, mid, r.y1}) < half {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func medianRow(m *moments, r region) int {
	half := m.energy(r) / 2
	lo, hi := r.y0+1, r.y1-1
	for lo < hi {
		mid := (lo + hi) / 2
		if m.energy(region{r.x0, r.y0, r.x1, mid}) < half {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
