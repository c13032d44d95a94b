package envstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

// The HDR blob layout, all little-endian: int32 width, int32 height,
// uint64 stride (bytes per row), then stride*height payload bytes of
// packed float32 RGB rows. The stride is preserved exactly so a blob
// round-trips byte for byte.

const hdrHeaderSize = 4 + 4 + 8

// EncodeHDR serializes a radiance map into the blob format.
func EncodeHDR(r *envmap.Radiance) ([]byte, error) {
	if r.Stride < r.Width*3*4 {
		return nil, fmt.Errorf("envstore: stride %d too small for width %d", r.Stride, r.Width)
	}
	out := make([]byte, hdrHeaderSize+r.Stride*r.Height)
	binary.LittleEndian.PutUint32(out[0:], uint32(r.Width))
	binary.LittleEndian.PutUint32(out[4:], uint32(r.Height))
	binary.LittleEndian.PutUint64(out[8:], uint64(r.Stride))

	rowFloats := r.Stride / 4
	for y := 0; y < r.Height; y++ {
		row := out[hdrHeaderSize+y*r.Stride:]
		for i := 0; i < rowFloats; i++ {
			binary.LittleEndian.PutUint32(row[i*4:], math.Float32bits(r.Pix[y*rowFloats+i]))
		}
	}
	return out, nil
}

// DecodeHDR parses a blob back into a radiance map.
func DecodeHDR(blob []byte) (*envmap.Radiance, error) {
	if len(blob) < hdrHeaderSize {
		return nil, fmt.Errorf("envstore: hdr blob truncated at %d bytes", len(blob))
	}
	w := int(int32(binary.LittleEndian.Uint32(blob[0:])))
	h := int(int32(binary.LittleEndian.Uint32(blob[4:])))
	stride := int(binary.LittleEndian.Uint64(blob[8:]))
	if w <= 0 || h <= 0 || stride < w*3*4 || stride%4 != 0 {
		return nil, fmt.Errorf("envstore: bad hdr header %dx%d stride %d", w, h, stride)
	}
	if len(blob) != hdrHeaderSize+stride*h {
		return nil, fmt.Errorf("envstore: hdr blob size %d, want %d", len(blob), hdrHeaderSize+stride*h)
	}
	rowFloats := stride / 4
	r := &envmap.Radiance{
		Width:  w,
		Height: h,
		Stride: stride,
		Pix:    make([]float32, rowFloats*h),
	}
	for y := 0; y < h; y++ {
		row := blob[hdrHeaderSize+y*stride:]
		for i := 0; i < rowFloats; i++ {
			r.Pix[y*rowFloats+i] = math.Float32frombits(binary.LittleEndian.Uint32(row[i*4:]))
		}
	}
	return r, nil
}
