package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/events"
)

// EventSaver persists one event.
type EventSaver interface {
	SaveEvent(ctx context.Context, e events.Event) error
}

// EventRecorder is an events.Sink that hands events to a saver on its own
// goroutine. Publish never blocks: when the queue is full the event is
// dropped and counted.
type EventRecorder struct {
	saver   EventSaver
	queue   chan events.Event
	logger  *zap.Logger
	timeout time.Duration
	// when non-nil only these kinds are persisted
	kinds map[events.Kind]bool

	dropped atomic.Int64
	saved   atomic.Int64

	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

func NewEventRecorder(saver EventSaver, queueSize int, logger *zap.Logger, kinds ...events.Kind) *EventRecorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.L()
	}
	r := &EventRecorder{
		saver:   saver,
		queue:   make(chan events.Event, queueSize),
		logger:  logger.Named("event-recorder"),
		timeout: 5 * time.Second,
	}
	if len(kinds) > 0 {
		r.kinds = make(map[events.Kind]bool, len(kinds))
		for _, k := range kinds {
			r.kinds[k] = true
		}
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *EventRecorder) Publish(e events.Event) {
	if r.kinds != nil && !r.kinds[e.Kind] {
		return
	}
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n%100 == 1 {
			r.logger.Warn("Event queue full, dropping events", zap.Int64("dropped", n))
		}
	}
}

func (r *EventRecorder) drain() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.saver.SaveEvent(ctx, e); err != nil {
			r.logger.Warn("Failed to persist event",
				zap.String("id", e.ID),
				zap.String("kind", string(e.Kind)),
				zap.Error(err))
		} else {
			r.saved.Add(1)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *EventRecorder) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.closeMu.Unlock()
	r.wg.Wait()
}

func (r *EventRecorder) Dropped() int64 { return r.dropped.Load() }
func (r *EventRecorder) Saved() int64   { return r.saved.Load() }
