package tracker

import "github.com/relabs-tech/ar_pipeline/internal/rotation"

// relativeBuffer is a bounded FIFO window of recent marker-to-world
// relative orientations. Averaging the window compensates for physical
// drift in marker placement between frames.
type relativeBuffer struct {
	items []rotation.Quat
	cap   int
}

func newRelativeBuffer(capacity int) *relativeBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &relativeBuffer{cap: capacity}
}

// Push appends q, evicting the oldest entry when full.
func (b *relativeBuffer) Push(q rotation.Quat) {
	if len(b.items) == b.cap {
		copy(b.items, b.items[1:])
		b.items[len(b.items)-1] = q
		return
	}
	b.items = append(b.items, q)
}

// Len returns the number of buffered orientations.
func (b *relativeBuffer) Len() int { return len(b.items) }

// Average returns the robust average of the window.
func (b *relativeBuffer) Average() rotation.Quat {
	return rotation.Average(b.items)
}
