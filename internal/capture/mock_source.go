// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"image"
	"image/color"
	"io"
	"math"
	"time"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// mockSource synthesizes a sweep around the vertical axis over a textured
// analytic scene, with three bracketed exposures per instant. It exists
// so the capture pipeline can run end to end without camera hardware.
type mockSource struct {
	step  int
	steps int
	w, h  int
}

// NewMockSource creates a mock capture source producing `steps` batches
// of `w` x `h` frames.
func NewMockSource(steps, w, h int) Source {
	if steps < 1 {
		steps = 1
	}
	return &mockSource{steps: steps, w: w, h: h}
}

var mockExposures = []float64{1.0 / 250, 1.0 / 60, 1.0 / 15}

func (m *mockSource) Next() (Batch, error) {
	if m.step >= m.steps {
		return nil, io.EOF
	}
	yaw := 2 * math.Pi * float64(m.step) / float64(m.steps)
	att := rotation.FromAxisAngle([3]float64{0, 1, 0}, yaw)

	batch := make(Batch, 0, len(mockExposures))
	now := time.Now()
	for _, exp := range mockExposures {
		batch = append(batch, Frame{
			Image:    renderMockView(m.w, m.h, yaw, exp),
			Attitude: att,
			Exposure: exp,
			Time:     now,
		})
	}
	m.step++
	return batch, nil
}

// renderMockView paints a view into the synthetic scene with a 60 by 45
// degree field of view, brightness scaled by exposure.
func renderMockView(w, h int, yaw, exposure float64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	gain := exposure * 60 // unity at the middle bracket
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			theta := yaw + (float64(x)/float64(w)-0.5)*math.Pi/3
			phi := (float64(y)/float64(h) - 0.5) * math.Pi / 4
			v := mockScene(theta, phi)
			c := clamp8(v * gain * 255)
			img.SetRGBA(x, y, color.RGBA{R: c, G: c, B: clamp8(v * gain * 200), A: 255})
		}
	}
	return img
}

// mockScene evaluates the synthetic panorama at an angular direction: a
// fine checker backdrop studded with bright dots on a coarser angular
// grid. The dots give the feature detector unambiguous corners and the
// checker keeps the sharpness score up; per-dot brightness varies so
// descriptors stay distinctive across the sweep.
func mockScene(theta, phi float64) float64 {
	const dotStep = math.Pi / 24
	const dotRadius = math.Pi / 320

	ti := math.Round(theta / dotStep)
	pj := math.Round(phi / dotStep)
	if math.Hypot(theta-ti*dotStep, phi-pj*dotStep) < dotRadius {
		n := int(ti)*31 + int(pj)*17
		if n < 0 {
			n = -n
		}
		return 0.6 + 0.4*float64(n%7)/6
	}

	const bgStep = math.Pi / 160
	if (int(math.Floor(theta/bgStep))+int(math.Floor(phi/bgStep)))%2 == 0 {
		return 0.25
	}
	return 0.1
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
