package capture

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

func TestMockSourceBatches(t *testing.T) {
	src := NewMockSource(3, 64, 48)

	for i := 0; i < 3; i++ {
		batch, err := src.Next()
		require.NoError(t, err)
		require.Len(t, batch, 3)

		for j, f := range batch {
			assert.Equal(t, mockExposures[j], f.Exposure)
			assert.Equal(t, image.Rect(0, 0, 64, 48), f.Image.Bounds())
			assert.InDelta(t, 1, f.Attitude.Norm(), 1e-12)
		}
		// One attitude per batch.
		assert.Equal(t, batch[0].Attitude, batch[1].Attitude)
	}

	_, err := src.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMockSourceMinimumSteps(t *testing.T) {
	src := NewMockSource(0, 32, 32)
	_, err := src.Next()
	require.NoError(t, err)
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMockSourceYawSweep(t *testing.T) {
	const steps = 8
	src := NewMockSource(steps, 32, 32)
	for i := 0; i < steps; i++ {
		batch, err := src.Next()
		require.NoError(t, err)
		want := rotation.FromAxisAngle([3]float64{0, 1, 0}, 2*math.Pi*float64(i)/steps)
		assert.InDelta(t, 1, math.Abs(rotation.Dot(batch[0].Attitude, want)), 1e-12)
	}
}

func TestMockSourceExposureScalesBrightness(t *testing.T) {
	src := NewMockSource(1, 64, 48)
	batch, err := src.Next()
	require.NoError(t, err)

	mean := func(img image.Image) float64 {
		b := img.Bounds()
		var sum float64
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, _, _, _ := img.At(x, y).RGBA()
				sum += float64(r >> 8)
			}
		}
		return sum / float64(b.Dx()*b.Dy())
	}

	// Exposures come shortest first, so brightness must not decrease.
	assert.Less(t, mean(batch[0].Image), mean(batch[2].Image))
}

func writeReplaySession(t *testing.T, dir string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for _, name := range []string{"f0.png", "f1.png"} {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644))
	}

	manifest := replayManifest{
		Batches: []replayBatch{{
			Attitude: replayQuat{W: 2, X: 0, Y: 0, Z: 0}, // unnormalized on purpose
			Frames: []replayFrame{
				{Exposure: 0.004, Image: "f0.png"},
				{Exposure: 0.016, Image: "f1.png"},
			},
		}},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frames.json"), data, 0644))
}

func TestReplaySource(t *testing.T) {
	dir := t.TempDir()
	writeReplaySession(t, dir)

	src, err := NewReplaySource(dir)
	require.NoError(t, err)

	batch, err := src.Next()
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, 0.004, batch[0].Exposure)
	assert.Equal(t, 0.016, batch[1].Exposure)
	assert.Equal(t, image.Rect(0, 0, 8, 8), batch[0].Image.Bounds())

	// The stored attitude is normalized on load.
	assert.InDelta(t, 1, batch[0].Attitude.Norm(), 1e-12)
	assert.InDelta(t, 1, batch[0].Attitude.W, 1e-12)

	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplaySourceMissingManifest(t *testing.T) {
	_, err := NewReplaySource(t.TempDir())
	assert.Error(t, err)
}

func TestReplaySourceMissingImage(t *testing.T) {
	dir := t.TempDir()
	manifest := replayManifest{
		Batches: []replayBatch{{
			Attitude: replayQuat{W: 1},
			Frames:   []replayFrame{{Exposure: 0.01, Image: "gone.png"}},
		}},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frames.json"), data, 0644))

	src, err := NewReplaySource(dir)
	require.NoError(t, err)
	_, err = src.Next()
	assert.Error(t, err)
}

func TestReplaySourceBadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frames.json"), []byte("{"), 0644))
	_, err := NewReplaySource(dir)
	assert.Error(t, err)
}
