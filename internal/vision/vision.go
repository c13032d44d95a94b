// Package vision defines the narrow interfaces the pose tracker consumes
// (pattern detection, perspective solving) together with the reference
// grid geometry and a planar homography-based solver.
package vision

import (
	"image"

	"github.com/relabs-tech/ar_pipeline/internal/calib"
)

// Point2 is a pixel coordinate.
type Point2 struct {
	X, Y float64
}

// Point3 is a world coordinate in the marker frame (units: centimeters).
type Point3 struct {
	X, Y, Z float64
}

// Grid dimensions of the asymmetric circle pattern.
const (
	GridCols = 4
	GridRows = 11
	// GridSpacing is the center-to-center distance used by the solver.
	GridSpacing = 4.0
)

// GridPoints returns the world coordinates of the asymmetric circle grid,
// row-major: circle (i, j) sits at ((2j + i%2) * s, i * s, 0).
func GridPoints() []Point3 {
	pts := make([]Point3, 0, GridRows*GridCols)
	for i := 0; i < GridRows; i++ {
		for j := 0; j < GridCols; j++ {
			pts = append(pts, Point3{
				X: float64(2*j+i%2) * GridSpacing,
				Y: float64(i) * GridSpacing,
				Z: 0,
			})
		}
	}
	return pts
}

// PatternDetector finds the grid's circle centers in a grayscale frame.
// Implementations return the centers in GridPoints order and true, or
// (nil, false) when the pattern is not visible. A miss is not an error.
type PatternDetector interface {
	Detect(img *image.Gray) ([]Point2, bool)
}

// PerspectiveSolver recovers the camera rotation (Rodrigues vector) and
// translation from 3D-2D correspondences, in the vision coordinate
// convention (X right, Y down, Z forward).
type PerspectiveSolver interface {
	Solve(world []Point3, img []Point2, p calib.Parameters) (rvec, tvec [3]float64, err error)
}
