package envmap

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/capture"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
	"github.com/relabs-tech/ar_pipeline/internal/tracker"
)

// 90 degree horizontal field of view over a 200x200 frame.
var testCalib = calib.Parameters{Fx: 100, Fy: 100, Cx: 100, Cy: 100, F: 0.5}

// dottedImage is a dark frame with small bright dots on a grid: every
// dot center passes the corner segment test (its whole circle is dark),
// and the hard edges keep the sharpness score high. Per-dot brightness
// varies so descriptors stay distinctive.
func dottedImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for cy := 10; cy < h-10; cy += 10 {
		for cx := 10; cx < w-10; cx += 10 {
			lum := uint8(128 + (cx*cx*13+cy*cy*29)%128)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					img.SetGray(cx+dx, cy+dy, color.Gray{Y: lum})
				}
			}
		}
	}
	return img
}

func testBatch(att rotation.Quat) capture.Batch {
	return capture.Batch{{
		Image:    dottedImage(200, 200),
		Attitude: att,
		Exposure: 0.01,
		Time:     time.Now(),
	}}
}

func TestBlurScore(t *testing.T) {
	sharp := dottedImage(100, 100)
	assert.Greater(t, blurScore(sharp), 0.015)
	assert.Less(t, blurScore(boxBlur(sharp)), blurScore(sharp))

	flat := image.NewGray(image.Rect(0, 0, 50, 50))
	assert.Equal(t, 0.0, blurScore(flat))

	tiny := image.NewGray(image.Rect(0, 0, 2, 2))
	assert.Equal(t, 0.0, blurScore(tiny))
}

func TestGrayscalePassthrough(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 10, 10))
	assert.Same(t, g, grayscale(g))

	rgba := image.NewRGBA(image.Rect(5, 5, 15, 15))
	conv := grayscale(rgba)
	assert.Equal(t, image.Rect(0, 0, 10, 10), conv.Bounds())
}

func TestDetectFeaturesOnDots(t *testing.T) {
	f := detectFeatures(dottedImage(200, 200))
	assert.GreaterOrEqual(t, len(f.keypoints), 25)
	assert.Len(t, f.descriptors, len(f.keypoints))
}

func TestDetectFeaturesOnFlatImage(t *testing.T) {
	f := detectFeatures(image.NewGray(image.Rect(0, 0, 100, 100)))
	assert.Empty(t, f.keypoints)
}

func TestMatchFeaturesSelf(t *testing.T) {
	f := detectFeatures(dottedImage(200, 200))
	ms := matchFeatures(f, f)
	require.GreaterOrEqual(t, len(ms), 8)
	for _, m := range ms {
		assert.Equal(t, m.i, m.j)
		assert.Equal(t, 0, m.distance)
	}
}

func TestReferenceFramePicksMiddleExposure(t *testing.T) {
	batch := capture.Batch{
		{Exposure: 1.0 / 15},
		{Exposure: 1.0 / 250},
		{Exposure: 1.0 / 60},
	}
	assert.Equal(t, 1.0/60, referenceFrame(batch).Exposure)
}

func TestAddFramesEmptyBatch(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	assert.Error(t, b.AddFrames(nil))
}

func TestAddFramesRejectsBlurry(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	batch := capture.Batch{{
		Image:    image.NewGray(image.Rect(0, 0, 200, 200)),
		Attitude: rotation.Identity(),
		Exposure: 0.01,
	}}
	assert.ErrorIs(t, b.AddFrames(batch), ErrBlurry)
	assert.Equal(t, 0, b.Views())
}

func TestAddFramesFirstViewAccepted(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))
	assert.Equal(t, 1, b.Views())
}

func TestAddFramesAnchorsAgainstNeighbor(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))

	// Same scene, same attitude: every match is an inlier.
	require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))
	assert.Equal(t, 2, b.Views())
}

// stripedImage alternates black and white vertical bars: strong edges
// keep the sharpness score high, but a straight edge never passes the
// corner segment test.
func stripedImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/10)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

// shiftedDottedImage renders the dot grid slid sideways: identical local
// constellations, displaced keypoint positions.
func shiftedDottedImage(w, h, shift int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for cy := 10; cy < h-10; cy += 10 {
		for cx := 10; cx < w-10; cx += 10 {
			x := cx + shift
			if x < 2 || x >= w-2 {
				continue
			}
			lum := uint8(128 + (cx*cx*13+cy*cy*29)%128)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					img.SetGray(x+dx, cy+dy, color.Gray{Y: lum})
				}
			}
		}
	}
	return img
}

func TestAddFramesRejectsFeaturePoorView(t *testing.T) {
	striped := stripedImage(200, 200)
	require.Greater(t, blurScore(striped), 0.015)

	b := NewBuilder(Config{Calib: testCalib})
	err := b.AddFrames(capture.Batch{{
		Image:    striped,
		Attitude: rotation.Identity(),
		Exposure: 0.01,
		Time:     time.Now(),
	}})
	assert.ErrorIs(t, err, ErrNotEnoughFeatures)
	assert.Equal(t, 0, b.Views())
}

func TestAddFramesRejectsWeaklyAnchoredView(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))
	}
	require.Equal(t, 5, b.Views())

	// Same attitude, but the scene slid sideways far past the
	// reprojection tolerance: descriptors still match, yet no neighbor
	// accumulates enough inliers to anchor the view.
	err := b.AddFrames(capture.Batch{{
		Image:    shiftedDottedImage(200, 200, 40),
		Attitude: rotation.Identity(),
		Exposure: 0.01,
		Time:     time.Now(),
	}})
	assert.ErrorIs(t, err, ErrNoGlobalMatches)
	assert.Equal(t, 5, b.Views())
}

func TestAddFramesRejectsDisconnectedView(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))

	// Rotated far outside the pairing gate: no neighbor to match.
	away := rotation.FromAxisAngle([3]float64{0, 1, 0}, math.Pi/2)
	err := b.AddFrames(testBatch(away))
	assert.ErrorIs(t, err, ErrNoPairwiseMatches)
	assert.Equal(t, 1, b.Views())
}

func TestCompositeNoFrames(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	_, err := b.Composite(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestCompositeCanceledContext(t *testing.T) {
	b := NewBuilder(Config{Calib: testCalib})
	require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Composite(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompositeProducesPanorama(t *testing.T) {
	b := NewBuilder(Config{Width: 128, Height: 64, Calib: testCalib})
	require.NoError(t, b.AddFrames(testBatch(rotation.Identity())))

	progress := make(chan Progress, 64)
	res, err := b.Composite(context.Background(), progress)
	require.NoError(t, err)

	assert.Equal(t, []float64{0.01}, res.Exposures)
	assert.Equal(t, 128, res.HDR.Width)
	assert.Equal(t, 64, res.HDR.Height)
	assert.Equal(t, image.Rect(0, 0, 128, 64), res.Preview.Bounds())

	// A forward-facing view must have deposited radiance somewhere.
	var total float64
	for y := 0; y < res.HDR.Height; y++ {
		for x := 0; x < res.HDR.Width; x++ {
			total += res.HDR.Luminance(x, y)
		}
	}
	assert.Greater(t, total, 0.0)

	// The builder keeps its views for further capturing.
	assert.Equal(t, 1, b.Views())
}

func TestCompositeFromMockSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("full mock sweep")
	}
	src := capture.NewMockSource(24, 320, 240)
	cal := calib.Parameters{Fx: 277, Fy: 290, Cx: 160, Cy: 120, F: 0.5}
	b := NewBuilder(Config{Width: 256, Height: 128, Calib: cal})

	accepted := 0
	for {
		batch, err := src.Next()
		if err != nil {
			break
		}
		if err := b.AddFrames(batch); err == nil {
			accepted++
		}
	}
	require.Greater(t, accepted, 0)

	res, err := b.Composite(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Exposures, 3)
}

func TestProjectViewWritesCoverage(t *testing.T) {
	pose := tracker.NewPose(rotation.Identity(), [3]float64{}, testCalib, 200, 200, 0.1, 100)
	r := NewRadiance(128, 64)

	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	require.NoError(t, ProjectView(r, pose, img))

	covered := 0
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			if r.Luminance(x, y) > 0 {
				covered++
			}
		}
	}
	// A 90 degree view covers a solid chunk of the panorama.
	assert.Greater(t, covered, 100)
}

func TestRenderViewUniformPanorama(t *testing.T) {
	r := NewRadiance(64, 32)
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			r.Set(x, y, 0.5, 0.5, 0.5)
		}
	}
	pose := tracker.NewPose(rotation.Identity(), [3]float64{}, testCalib, 200, 200, 0.1, 100)

	out, err := RenderView(r, pose, 16, 16)
	require.NoError(t, err)
	want := out.RGBAAt(0, 0)
	assert.Greater(t, want.R, uint8(0))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			assert.Equal(t, want, out.RGBAAt(x, y))
		}
	}
}

func TestDirToPixelRoundTrip(t *testing.T) {
	const w, h = 1024, 512
	dirs := [][3]float64{
		{0, 0, -1},
		{1, 0, 0},
		{0, 0.5, -0.5},
		{-0.3, -0.4, 0.2},
	}
	for _, d := range dirs {
		u, v := DirToPixel(d, w, h)
		back := PixelToDir(u, v, w, h)
		n := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		for i := 0; i < 3; i++ {
			assert.InDelta(t, d[i]/n, back[i], 1e-9)
		}
	}
}

func TestDirToPixelAnchors(t *testing.T) {
	const w, h = 1024, 512

	// Forward (-z) is the left edge at the horizon.
	u, v := DirToPixel([3]float64{0, 0, -1}, w, h)
	assert.InDelta(t, 0, u, 1e-9)
	assert.InDelta(t, h/2, v, 1e-9)

	// Straight up is the top row.
	_, v = DirToPixel([3]float64{0, 1, 0}, w, h)
	assert.InDelta(t, 0, v, 1e-9)

	u, v = DirToPixel([3]float64{0, 0, 0}, w, h)
	assert.Equal(t, 0.0, u)
	assert.Equal(t, 0.0, v)
}

func TestLatitudeWeight(t *testing.T) {
	const h = 512
	assert.InDelta(t, 1, LatitudeWeight(h/2, h), 0.01)
	assert.Less(t, LatitudeWeight(0, h), 0.01)
	assert.Less(t, LatitudeWeight(h-1, h), 0.01)
}

func TestRadianceLuminanceClampsNaN(t *testing.T) {
	r := NewRadiance(2, 1)
	r.Set(0, 0, float32(math.NaN()), 0, 0)
	r.Set(1, 0, -1, -1, -1)
	assert.Equal(t, 0.0, r.Luminance(0, 0))
	assert.Equal(t, 0.0, r.Luminance(1, 0))
}

func TestRadianceSampleConstantAndWrap(t *testing.T) {
	r := NewRadiance(8, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			r.Set(x, y, 2, 3, 4)
		}
	}
	red, green, blue := r.Sample(-3.7, 1.2)
	assert.InDelta(t, 2, red, 1e-6)
	assert.InDelta(t, 3, green, 1e-6)
	assert.InDelta(t, 4, blue, 1e-6)
}

func TestFromImageScaling(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.SetGray(0, 0, color.Gray{Y: 255})
	r := FromImage(img)
	red, _, _ := r.At(0, 0)
	assert.InDelta(t, 1, red, 1e-3)
}

func TestTonemapBlackStaysBlack(t *testing.T) {
	out := Tonemap(NewRadiance(4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			c := out.RGBAAt(x, y)
			assert.Equal(t, uint8(0), c.R)
			assert.Equal(t, uint8(0), c.G)
			assert.Equal(t, uint8(0), c.B)
		}
	}
}

func TestTonemapBrightPixelVisible(t *testing.T) {
	r := NewRadiance(4, 4)
	r.Set(1, 1, 10, 10, 10)
	out := Tonemap(r)
	assert.Greater(t, out.RGBAAt(1, 1).R, uint8(128))
	assert.Equal(t, uint8(0), out.RGBAAt(0, 0).R)
}
