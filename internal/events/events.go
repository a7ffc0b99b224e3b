// Package events carries detection, speech and alert notifications from the
// pipelines to observers such as the websocket hub and the event store.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindWindowScored Kind = "window_scored"
	KindAnomaly      Kind = "anomaly"
	KindTranscript   Kind = "transcript"
	KindSpeechStatus Kind = "speech_status"
	KindAlert        Kind = "alert"
	KindLiveState    Kind = "live_state"
)

// Mode distinguishes upload scans from the live feed.
type Mode string

const (
	ModeUpload Mode = "upload"
	ModeLive   Mode = "live"
)

type Event struct {
	ID         string    `json:"id" db:"id"`
	Kind       Kind      `json:"kind" db:"kind"`
	Mode       Mode      `json:"mode" db:"mode"`
	Time       time.Time `json:"time" db:"created_at"`
	FrameIndex int       `json:"frame_index,omitempty" db:"frame_index"`
	Score      float64   `json:"score,omitempty" db:"score"`
	Threshold  float64   `json:"threshold,omitempty" db:"threshold"`
	Anomaly    bool      `json:"anomaly,omitempty" db:"anomaly"`
	Message    string    `json:"message,omitempty" db:"message"`
}

// New stamps an event with a fresh ID and the current time.
func New(kind Kind, mode Mode) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		Mode: mode,
		Time: time.Now().UTC(),
	}
}

// Sink receives events. Implementations must not block the caller for long;
// pipelines publish from their hot loops.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Nop discards everything.
var Nop Sink = SinkFunc(func(Event) {})

// Fanout delivers each event to every non-nil sink in order.
type Fanout []Sink

func (f Fanout) Publish(e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}
