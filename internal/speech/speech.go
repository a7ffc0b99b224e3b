// Package speech listens to the microphone, transcribes what it hears and
// raises alerts when the transcript scores as threatening or abusive.
package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/anomalycam/internal/alert"
)

var (
	// ErrListenTimeout means no speech started within the listen timeout.
	ErrListenTimeout = errors.New("speech: no speech detected")
	// ErrUnintelligible means audio was captured but nothing was recognised.
	ErrUnintelligible = errors.New("speech: could not understand audio")
	// ErrService wraps failures of the recognition or scoring services.
	ErrService = errors.New("speech: service error")
)

// Audio is a captured utterance as 16-bit little-endian mono PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Duration of the captured audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.PCM)/2) * time.Second / time.Duration(a.SampleRate)
}

// PCM16 packs samples as little-endian bytes.
func PCM16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// ListenOptions bound one Listen call.
type ListenOptions struct {
	Timeout     time.Duration
	PhraseLimit time.Duration
}

// AudioSource captures a single utterance. Listen returns ErrListenTimeout
// when nothing is said within opts.Timeout.
type AudioSource interface {
	Listen(ctx context.Context, opts ListenOptions) (Audio, error)
}

// Transcriber converts speech audio to text. An empty recognition result
// is ErrUnintelligible; transport or API failures wrap ErrService.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// ToxicityScorer rates text on the alert.Scores attributes.
type ToxicityScorer interface {
	Score(ctx context.Context, text string) (alert.Scores, error)
}

// ResultKind tags a listening outcome.
type ResultKind int

const (
	Transcript ResultKind = iota
	Timeout
	Unintelligible
	ServiceError
)

func (k ResultKind) String() string {
	switch k {
	case Transcript:
		return "transcript"
	case Timeout:
		return "timeout"
	case Unintelligible:
		return "unintelligible"
	case ServiceError:
		return "service_error"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Result is the outcome of one listen-and-recognise attempt. Text is set
// only for Transcript; Err only for ServiceError.
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

func (r Result) String() string {
	switch r.Kind {
	case Transcript:
		return fmt.Sprintf("transcript %q", r.Text)
	case ServiceError:
		return fmt.Sprintf("service error: %v", r.Err)
	}
	return r.Kind.String()
}

// classify maps a listen or transcribe error onto a Result.
func classify(err error) Result {
	switch {
	case errors.Is(err, ErrListenTimeout):
		return Result{Kind: Timeout}
	case errors.Is(err, ErrUnintelligible):
		return Result{Kind: Unintelligible}
	}
	return Result{Kind: ServiceError, Err: err}
}
