package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

var pinhole = calib.Parameters{Fx: 500, Fy: 500, Cx: 320, Cy: 240, F: 0.5}

func TestGridPointsLayout(t *testing.T) {
	pts := GridPoints()
	require.Len(t, pts, GridRows*GridCols)

	// First row starts at the origin; odd rows are offset by one spacing.
	assert.Equal(t, Point3{X: 0, Y: 0, Z: 0}, pts[0])
	assert.Equal(t, Point3{X: GridSpacing, Y: GridSpacing, Z: 0}, pts[GridCols])

	for _, p := range pts {
		assert.Equal(t, 0.0, p.Z)
	}
}

func TestBlobGridDetectorFindsPattern(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 300, 300))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	// One 3x3 dark blob per grid point, spaced so rows separate on Y.
	for _, p := range GridPoints() {
		cx := 20 + int(p.X)*2
		cy := 20 + int(p.Y)*4
		for dy := 0; dy < 3; dy++ {
			for dx := 0; dx < 3; dx++ {
				img.SetGray(cx+dx, cy+dy, color.Gray{Y: 0})
			}
		}
	}

	centers, ok := BlobGridDetector{}.Detect(img)
	require.True(t, ok)
	require.Len(t, centers, GridRows*GridCols)

	// Centers come back in GridPoints order: first the origin blob.
	assert.InDelta(t, 21, centers[0].X, 0.5)
	assert.InDelta(t, 21, centers[0].Y, 0.5)

	// Rows are ordered along Y, each row along X.
	for r := 0; r < GridRows; r++ {
		for c := 1; c < GridCols; c++ {
			assert.Greater(t, centers[r*GridCols+c].X, centers[r*GridCols+c-1].X)
		}
	}
}

func TestBlobGridDetectorMissOnWrongCount(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	// A single blob is not a grid.
	for dy := 0; dy < 4; dy++ {
		for dx := 0; dx < 4; dx++ {
			img.SetGray(10+dx, 10+dy, color.Gray{Y: 0})
		}
	}

	_, ok := BlobGridDetector{}.Detect(img)
	assert.False(t, ok)
}

func TestBlobGridDetectorSpeckleFiltered(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	// Below MinArea: ignored entirely.
	img.SetGray(50, 50, color.Gray{Y: 0})

	_, ok := BlobGridDetector{}.Detect(img)
	assert.False(t, ok)
}

// projectVision images world points through an exact pinhole in the
// vision convention (X right, Y down, Z forward).
func projectVision(world []Point3, q rotation.Quat, tvec [3]float64, p calib.Parameters) []Point2 {
	out := make([]Point2, len(world))
	for i, w := range world {
		c := q.Rotate([3]float64{w.X, w.Y, w.Z})
		x, y, z := c[0]+tvec[0], c[1]+tvec[1], c[2]+tvec[2]
		u, v := p.Project(x/z, y/z)
		out[i] = Point2{X: u, Y: v}
	}
	return out
}

func TestPlanarSolverRecoversTranslation(t *testing.T) {
	world := GridPoints()
	tvec := [3]float64{-20, -20, 60}
	img := projectVision(world, rotation.Identity(), tvec, pinhole)

	rvec, got, err := PlanarSolver{}.Solve(world, img, pinhole)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, tvec[i], got[i], 1e-6)
		assert.InDelta(t, 0, rvec[i], 1e-6)
	}
}

func TestPlanarSolverRecoversRotation(t *testing.T) {
	world := GridPoints()
	q := rotation.FromAxisAngle([3]float64{0, 0, 1}, 0.1)
	tvec := [3]float64{-15, -18, 70}
	img := projectVision(world, q, tvec, pinhole)

	rvec, got, err := PlanarSolver{}.Solve(world, img, pinhole)
	require.NoError(t, err)

	assert.InDelta(t, 0.1, rvec[2], 1e-6)
	assert.InDelta(t, 0, rvec[0], 1e-6)
	assert.InDelta(t, 0, rvec[1], 1e-6)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, tvec[i], got[i], 1e-6)
	}
}

func TestPlanarSolverCheirality(t *testing.T) {
	// The recovered camera must sit in front of the plane regardless of
	// the homography's arbitrary sign.
	world := GridPoints()
	img := projectVision(world, rotation.Identity(), [3]float64{-20, -20, 50}, pinhole)

	_, tvec, err := PlanarSolver{}.Solve(world, img, pinhole)
	require.NoError(t, err)
	assert.Greater(t, tvec[2], 0.0)
}

func TestPlanarSolverDegenerate(t *testing.T) {
	world := GridPoints()[:3]
	img := make([]Point2, 3)
	_, _, err := PlanarSolver{}.Solve(world, img, pinhole)
	assert.Error(t, err)
}

func TestPlanarSolverWithDistortion(t *testing.T) {
	distorted := pinhole
	distorted.K1 = 0.05
	distorted.K2 = -0.01

	world := GridPoints()
	tvec := [3]float64{-20, -20, 60}
	img := projectVision(world, rotation.Identity(), tvec, distorted)

	rvec, got, err := PlanarSolver{}.Solve(world, img, distorted)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, tvec[i], got[i], 1e-3)
		assert.InDelta(t, 0, rvec[i], 1e-4)
	}
}

func TestEstimateHomographyIdentityLike(t *testing.T) {
	// Points mapped by a pure scale-and-shift homography.
	world := []Point3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}, {2, 1, 0}}
	img := make([]Point2, len(world))
	for i, w := range world {
		img[i] = Point2{X: 2*w.X + 3, Y: 2*w.Y - 1}
	}

	h, err := estimateHomography(world, img)
	require.NoError(t, err)
	assert.InDelta(t, 2, h[0], 1e-9)
	assert.InDelta(t, 3, h[2], 1e-9)
	assert.InDelta(t, 2, h[4], 1e-9)
	assert.InDelta(t, -1, h[5], 1e-9)
	assert.InDelta(t, 0, h[6], 1e-9)
	assert.InDelta(t, 0, h[7], 1e-9)
	assert.InDelta(t, 1, h[8], 1e-9)
}

func TestEstimateHomographyTooFewPoints(t *testing.T) {
	_, err := estimateHomography([]Point3{{0, 0, 0}}, []Point2{{0, 0}})
	assert.ErrorIs(t, err, errDegenerate)
}
