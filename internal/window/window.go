// Package window holds the sliding run of normalized frames that is fed to
// the autoencoder.
package window

import "github.com/mikeyg42/anomalycam/internal/frame"

// DefaultCapacity is the temporal depth the model was trained on.
const DefaultCapacity = 10

// Window is a fixed-capacity FIFO of normalized frames. Pushing into a full
// window evicts the oldest frame.
//
// A Window has a single owner (one pipeline run) and is not safe for
// concurrent use.
type Window struct {
	frames     []frame.Normalized
	capacity   int
	writeIndex int
	count      int
}

// New creates an empty window. A non-positive capacity is treated as 1.
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		frames:   make([]frame.Normalized, capacity),
		capacity: capacity,
	}
}

// Push appends f as the newest frame.
func (w *Window) Push(f frame.Normalized) {
	w.frames[w.writeIndex] = f
	w.writeIndex = (w.writeIndex + 1) % w.capacity
	if w.count < w.capacity {
		w.count++
	}
}

func (w *Window) Len() int     { return w.count }
func (w *Window) Cap() int     { return w.capacity }
func (w *Window) IsFull() bool { return w.count == w.capacity }

// Snapshot returns the frames oldest first. The returned slice is new; the
// frames themselves are shared and must not be modified.
func (w *Window) Snapshot() []frame.Normalized {
	if w.count == 0 {
		return nil
	}
	out := make([]frame.Normalized, w.count)
	if w.count < w.capacity {
		copy(out, w.frames[:w.count])
		return out
	}
	for i := 0; i < w.capacity; i++ {
		out[i] = w.frames[(w.writeIndex+i)%w.capacity]
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	for i := range w.frames {
		w.frames[i] = nil
	}
	w.writeIndex = 0
	w.count = 0
}
