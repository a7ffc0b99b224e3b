package framestream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// ============================================================================
//  LIVE FRAME PUBLISHER
// ============================================================================

// Frame describes the frame currently held by a Publisher.
type Frame struct {
	Sequence  int64
	Timestamp time.Time
	Width     int
	Height    int
}

// PublisherStats tracks slot activity
type PublisherStats struct {
	Published         int64
	Reads             int64
	OverwrittenUnread int64
	LastFrameTime     time.Time
}

// Publisher is a single-slot, last-write-wins holder for the most recent
// captured frame. Writers never block on readers: a slow reader simply
// misses frames. Every Mat crossing the boundary is an owned copy.
//
// The zero value is not usable; call NewPublisher.
type Publisher struct {
	mu     sync.Mutex
	slot   gocv.Mat
	meta   Frame
	filled bool
	unread bool

	sequence atomic.Int64

	stats struct {
		published   atomic.Int64
		reads       atomic.Int64
		overwritten atomic.Int64
	}
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish stores a copy of mat, replacing (and releasing) whatever was there.
// Empty mats are ignored.
func (p *Publisher) Publish(mat gocv.Mat) {
	if mat.Empty() {
		return
	}
	// copy outside the lock; only the swap is serialised
	cp := mat.Clone()

	p.mu.Lock()
	seq := p.sequence.Add(1)
	old, hadOld, wasUnread := p.slot, p.filled, p.unread
	p.slot = cp
	p.filled = true
	p.unread = true
	p.meta = Frame{
		Sequence:  seq,
		Timestamp: time.Now(),
		Width:     cp.Cols(),
		Height:    cp.Rows(),
	}
	p.mu.Unlock()

	p.stats.published.Add(1)
	if hadOld {
		if wasUnread {
			p.stats.overwritten.Add(1)
		}
		old.Close()
	}
}

// Read returns a clone of the latest frame. The caller owns the returned Mat
// and must Close it. ok is false until something has been published.
func (p *Publisher) Read() (gocv.Mat, Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.filled {
		return gocv.NewMat(), Frame{}, false
	}
	p.unread = false
	p.stats.reads.Add(1)
	return p.slot.Clone(), p.meta, true
}

// ReadJPEG encodes the latest frame. It returns ok=false when nothing has
// been published yet or the frame is not newer than after.
func (p *Publisher) ReadJPEG(after int64) ([]byte, Frame, bool, error) {
	if p.Sequence() <= after {
		return nil, Frame{}, false, nil
	}
	mat, meta, ok := p.Read()
	defer mat.Close()
	if !ok || meta.Sequence <= after {
		return nil, Frame{}, false, nil
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, meta, false, fmt.Errorf("failed to encode frame %d: %w", meta.Sequence, err)
	}
	defer buf.Close()

	// GetBytes aliases native memory released by Close
	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, meta, true, nil
}

// Latest returns metadata for the held frame without copying pixels.
func (p *Publisher) Latest() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta, p.filled
}

// Sequence is the number of frames ever published.
func (p *Publisher) Sequence() int64 {
	return p.sequence.Load()
}

// Clear releases the held frame. Readers see no frame until the next Publish.
func (p *Publisher) Clear() {
	p.mu.Lock()
	old, had := p.slot, p.filled
	p.slot = gocv.Mat{}
	p.filled = false
	p.unread = false
	p.meta = Frame{}
	p.mu.Unlock()

	if had {
		old.Close()
	}
}

// Stats returns a snapshot of publisher counters
func (p *Publisher) Stats() PublisherStats {
	meta, _ := p.Latest()
	return PublisherStats{
		Published:         p.stats.published.Load(),
		Reads:             p.stats.reads.Load(),
		OverwrittenUnread: p.stats.overwritten.Load(),
		LastFrameTime:     meta.Timestamp,
	}
}
