package envstore

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

func testRadiance() *envmap.Radiance {
	r := envmap.NewRadiance(4, 2)
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			r.Set(x, y, float32(x)*1.5, float32(y)*20, -0.25)
		}
	}
	return r
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := testRadiance()
	blob, err := EncodeHDR(r)
	require.NoError(t, err)

	got, err := DecodeHDR(blob)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	// Re-encoding must reproduce the blob byte for byte.
	blob2, err := EncodeHDR(got)
	require.NoError(t, err)
	assert.Equal(t, blob, blob2)
}

func TestEncodeHDRRejectsShortStride(t *testing.T) {
	r := &envmap.Radiance{Width: 4, Height: 2, Stride: 8, Pix: make([]float32, 24)}
	_, err := EncodeHDR(r)
	assert.Error(t, err)
}

func TestDecodeHDRTruncated(t *testing.T) {
	_, err := DecodeHDR([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeHDRBadHeader(t *testing.T) {
	blob, err := EncodeHDR(testRadiance())
	require.NoError(t, err)

	// Corrupt the width so the stride no longer covers a row.
	bad := append([]byte(nil), blob...)
	bad[0] = 200
	_, err = DecodeHDR(bad)
	assert.Error(t, err)

	// Truncated payload.
	_, err = DecodeHDR(blob[:len(blob)-4])
	assert.Error(t, err)
}

func TestManifestRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "session"))
	require.NoError(t, err)

	m := Manifest{
		Name:     "kitchen",
		Location: &Location{Latitude: 52.52, Longitude: 13.4, Altitude: 34},
		Images: map[string]ImageEntry{
			"0": {Exposure: 0.004, Image: "exp_0.png"},
		},
	}
	require.NoError(t, s.SaveManifest(m))

	got, err := s.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestLoadManifestMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.LoadManifest()
	assert.Error(t, err)
}

func TestManifestOmitsEmptyLocation(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest(Manifest{Name: "untagged"}))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "data.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "location")
}

func TestSaveExposuresOrdering(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	// Deliberately out of order: slots must come back ascending.
	exposures := []float64{1.0 / 15, 1.0 / 250, 1.0 / 60}
	imgs := []image.Image{
		image.NewGray(image.Rect(0, 0, 2, 2)),
		image.NewGray(image.Rect(0, 0, 2, 2)),
		image.NewGray(image.Rect(0, 0, 2, 2)),
	}
	entries, err := s.SaveExposures(exposures, imgs)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, 1.0/250, entries["0"].Exposure)
	assert.Equal(t, 1.0/60, entries["1"].Exposure)
	assert.Equal(t, 1.0/15, entries["2"].Exposure)

	for slot, e := range entries {
		assert.Equal(t, "exp_"+slot+".png", e.Image)
		_, err := os.Stat(filepath.Join(s.Dir(), e.Image))
		assert.NoError(t, err)
	}
}

func TestSaveExposuresCountMismatch(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.SaveExposures([]float64{0.1}, nil)
	assert.Error(t, err)
}

func TestSaveLoadHDR(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	r := testRadiance()
	require.NoError(t, s.SaveHDR(r))

	got, err := s.LoadHDR()
	require.NoError(t, err)
	assert.Equal(t, r, got)

	// The tonemapped preview is written alongside the blob.
	_, err = os.Stat(filepath.Join(s.Dir(), "envmap.png"))
	assert.NoError(t, err)
}
