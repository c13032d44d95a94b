package lightprobe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

func uniformMap(w, h int, v float32) *envmap.Radiance {
	r := envmap.NewRadiance(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r.Set(x, y, v, v, v)
		}
	}
	return r
}

func texturedMap(w, h int) *envmap.Radiance {
	r := envmap.NewRadiance(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r.Set(x, y,
				float32(x%7)*0.3,
				float32(y%5)*0.2,
				float32((x+y)%3)*0.5)
		}
	}
	return r
}

func TestCutCounts(t *testing.T) {
	rad := texturedMap(64, 32)
	assert.Len(t, MedianCut(rad, 0), 1)
	assert.Len(t, MedianCut(rad, 3), 8)
	assert.Len(t, VarianceCut(rad, 0), 1)
	assert.Len(t, VarianceCut(rad, 2), 4)
}

func TestDirectionsAreUnit(t *testing.T) {
	for _, l := range MedianCut(texturedMap(64, 32), 3) {
		d := l.Direction
		n := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		assert.InDelta(t, 1, n, 1e-9)
	}
}

// The extracted lights partition the panorama, so their summed luminance
// must equal the luminance integral of the whole map.
func TestEnergyConservation(t *testing.T) {
	rad := texturedMap(64, 32)
	total := TotalLuminance(rad)
	require.Greater(t, total, 0.0)

	for _, lights := range [][]Light{
		MedianCut(rad, 0),
		MedianCut(rad, 4),
		VarianceCut(rad, 3),
	} {
		var sum float64
		for _, l := range lights {
			sum += l.Luminance()
		}
		assert.InEpsilon(t, total, sum, 1e-9)
	}
}

func TestUniformSphereIntegral(t *testing.T) {
	// A unit-radiance sphere integrates to 4*pi steradian-luminance.
	total := TotalLuminance(uniformMap(256, 128, 1))
	assert.InEpsilon(t, 4*math.Pi, total, 0.01)
}

func TestDominantLightDirection(t *testing.T) {
	rad := envmap.NewRadiance(256, 128)
	rad.Set(100, 40, 0, 50, 0)

	lights := MedianCut(rad, 4)
	best := lights[0]
	for _, l := range lights {
		if l.Luminance() > best.Luminance() {
			best = l
		}
	}
	want := envmap.PixelToDir(100.5, 40.5, 256, 128)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, want[i], best.Direction[i], 1e-6)
	}
	assert.Greater(t, best.Color[1], best.Color[0])
}

func TestVarianceCutSeparatesTwoSources(t *testing.T) {
	rad := envmap.NewRadiance(128, 64)
	rad.Set(20, 32, 10, 10, 10)
	rad.Set(100, 32, 10, 10, 10)

	lights := VarianceCut(rad, 1)
	require.Len(t, lights, 2)
	assert.NotEqual(t, lights[0].Direction, lights[1].Direction)

	// Each source ends up in its own region, so the two lights carry
	// equal energy.
	assert.InEpsilon(t, lights[0].Luminance(), lights[1].Luminance(), 1e-9)
}

func TestUnlitMapYieldsDarkLights(t *testing.T) {
	lights := MedianCut(envmap.NewRadiance(32, 16), 2)
	require.Len(t, lights, 4)
	for _, l := range lights {
		assert.Equal(t, 0.0, l.Luminance())
	}
}

func TestLightDerivedTerms(t *testing.T) {
	rad := texturedMap(64, 32)
	for _, l := range MedianCut(rad, 2) {
		for i := 0; i < 3; i++ {
			assert.InDelta(t, l.Color[i]/5, l.Ambient[i], 1e-12)
			assert.InDelta(t, l.Color[i]*1.5, l.Specular[i], 1e-12)
		}
		assert.GreaterOrEqual(t, l.CentroidX, 0.0)
		assert.LessOrEqual(t, l.CentroidX, 64.0)
		assert.GreaterOrEqual(t, l.Area, 0.0)
	}
}

func TestLightAreasCoverSphere(t *testing.T) {
	// The leaf regions partition the map, so their solid angles sum to
	// the full sphere.
	var total float64
	for _, l := range MedianCut(texturedMap(128, 64), 3) {
		total += l.Area
	}
	assert.InEpsilon(t, 4*math.Pi, total, 0.01)
}

func TestLightLuminanceWeights(t *testing.T) {
	l := Light{Color: [3]float64{1, 1, 1}}
	assert.InDelta(t, 1, l.Luminance(), 1e-12)

	green := Light{Color: [3]float64{0, 2, 0}}
	assert.InDelta(t, 2*0.7154, green.Luminance(), 1e-12)
}
