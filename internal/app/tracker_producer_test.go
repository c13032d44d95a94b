package app

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/capture"
	"github.com/relabs-tech/ar_pipeline/internal/tracker"
	"github.com/relabs-tech/ar_pipeline/internal/vision"
)

type stubDetector struct{ calls int }

func (d *stubDetector) Detect(img *image.Gray) ([]vision.Point2, bool) {
	d.calls++
	return nil, true
}

type stubSolver struct{}

func (stubSolver) Solve(world []vision.Point3, img []vision.Point2, p calib.Parameters) ([3]float64, [3]float64, error) {
	return [3]float64{}, [3]float64{0, 0, 2}, nil
}

func TestTrackFramesDrainsCameraSource(t *testing.T) {
	det := &stubDetector{}
	cfg := tracker.DefaultConfig(det, stubSolver{}, calib.Parameters{Fx: 500, Fy: 500, Cx: 320, Cy: 240, F: 0.5}, 640, 480)
	trk, err := tracker.New(cfg)
	require.NoError(t, err)

	trackFrames(trk, capture.NewMockSource(4, 64, 48), 0)

	// One detection per batch, and the solved poses reached the filter.
	assert.Equal(t, 4, det.calls)
	frames, detected, rejected := trk.Stats()
	assert.Equal(t, int64(4), frames)
	assert.Equal(t, int64(4), detected)
	assert.Equal(t, int64(0), rejected)
	assert.Equal(t, tracker.StateTracking, trk.State())
}

func TestGrayFrameConversion(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 8, 8))
	assert.Same(t, g, grayFrame(g))

	rgba := image.NewRGBA(image.Rect(0, 0, 8, 8))
	rgba.Pix[0], rgba.Pix[1], rgba.Pix[2], rgba.Pix[3] = 200, 200, 200, 255
	out := grayFrame(rgba)
	require.Equal(t, rgba.Bounds(), out.Bounds())
	assert.Greater(t, out.GrayAt(0, 0).Y, uint8(100))
}
