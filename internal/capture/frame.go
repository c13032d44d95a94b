// Package capture defines observation frames and the sources that
// produce them. A frame is immutable once captured and owned by the
// environment builder for the duration of one session.
package capture

import (
	"image"
	"time"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// Frame is one exposure of the scene: the decoded image, the device
// attitude at the capture instant, and the exposure time in seconds.
type Frame struct {
	Image    image.Image
	Attitude rotation.Quat
	Exposure float64
	Time     time.Time
}

// Batch is the set of bracketed exposures taken at one capture instant.
// All frames of a batch share one attitude.
type Batch []Frame

// Source is anything that can deliver capture batches over time: a real
// camera bridge, a mock, or a replay of a recorded session.
type Source interface {
	Next() (Batch, error)
}
