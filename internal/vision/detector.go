package vision

import (
	"image"
	"sort"
)

// BlobGridDetector detects the asymmetric circle grid as dark blobs on a
// light background and orders them into GridPoints order. Ordering assumes
// a roughly upright view of the pattern (rows separable along image Y);
// heavily rotated views are reported as misses, which the tracker treats
// as a skipped frame.
type BlobGridDetector struct {
	// Threshold below which a pixel belongs to a blob. Zero means 128.
	Threshold uint8
	// MinArea filters speckle; zero means 9 pixels.
	MinArea int
}

type blob struct {
	sumX, sumY float64
	area       int
}

// Detect implements PatternDetector.
func (d BlobGridDetector) Detect(img *image.Gray) ([]Point2, bool) {
	thr := d.Threshold
	if thr == 0 {
		thr = 128
	}
	minArea := d.MinArea
	if minArea == 0 {
		minArea = 9
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	labels := make([]int32, w*h)
	for i := range labels {
		labels[i] = -1
	}
	dark := func(x, y int) bool {
		return img.GrayAt(b.Min.X+x, b.Min.Y+y).Y < thr
	}

	var blobs []blob
	var stack [][2]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !dark(x, y) || labels[y*w+x] >= 0 {
				continue
			}
			id := int32(len(blobs))
			cur := blob{}
			stack = stack[:0]
			stack = append(stack, [2]int{x, y})
			labels[y*w+x] = id
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cur.sumX += float64(p[0])
				cur.sumY += float64(p[1])
				cur.area++
				for _, n := range [4][2]int{{p[0] - 1, p[1]}, {p[0] + 1, p[1]}, {p[0], p[1] - 1}, {p[0], p[1] + 1}} {
					nx, ny := n[0], n[1]
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if dark(nx, ny) && labels[ny*w+nx] < 0 {
						labels[ny*w+nx] = id
						stack = append(stack, n)
					}
				}
			}
			blobs = append(blobs, cur)
		}
	}

	centers := make([]Point2, 0, len(blobs))
	for _, bl := range blobs {
		if bl.area < minArea {
			continue
		}
		centers = append(centers, Point2{
			X: bl.sumX / float64(bl.area),
			Y: bl.sumY / float64(bl.area),
		})
	}
	if len(centers) != GridRows*GridCols {
		return nil, false
	}

	// Group into rows along Y, then order each row along X.
	sort.Slice(centers, func(i, j int) bool { return centers[i].Y < centers[j].Y })
	out := make([]Point2, 0, len(centers))
	for r := 0; r < GridRows; r++ {
		row := append([]Point2(nil), centers[r*GridCols:(r+1)*GridCols]...)
		sort.Slice(row, func(i, j int) bool { return row[i].X < row[j].X })
		out = append(out, row...)
	}
	return out, true
}
