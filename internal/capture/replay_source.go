package capture

import (
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// replay session manifest, stored next to the recorded PNG frames.
type replayManifest struct {
	Batches []replayBatch `json:"batches"`
}

type replayBatch struct {
	Attitude replayQuat    `json:"attitude"`
	Frames   []replayFrame `json:"frames"`
}

type replayQuat struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type replayFrame struct {
	Exposure float64 `json:"exposure"`
	Image    string  `json:"image"`
}

type replaySource struct {
	dir     string
	batches []replayBatch
	next    int
}

// NewReplaySource replays a recorded capture session from a directory
// containing frames.json and the referenced PNG files.
func NewReplaySource(dir string) (Source, error) {
	data, err := os.ReadFile(filepath.Join(dir, "frames.json"))
	if err != nil {
		return nil, fmt.Errorf("capture: read manifest: %w", err)
	}
	var m replayManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("capture: parse manifest: %w", err)
	}
	return &replaySource{dir: dir, batches: m.Batches}, nil
}

func (r *replaySource) Next() (Batch, error) {
	if r.next >= len(r.batches) {
		return nil, io.EOF
	}
	b := r.batches[r.next]
	r.next++

	att := rotation.Quat{W: b.Attitude.W, X: b.Attitude.X, Y: b.Attitude.Y, Z: b.Attitude.Z}.Normalize()
	batch := make(Batch, 0, len(b.Frames))
	for _, f := range b.Frames {
		file, err := os.Open(filepath.Join(r.dir, f.Image))
		if err != nil {
			return nil, fmt.Errorf("capture: open %s: %w", f.Image, err)
		}
		img, err := png.Decode(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("capture: decode %s: %w", f.Image, err)
		}
		batch = append(batch, Frame{
			Image:    img,
			Attitude: att,
			Exposure: f.Exposure,
			Time:     time.Now(),
		})
	}
	return batch, nil
}
