package speech

import (
	"math"
	"time"
)

// Energy detection defaults, tuned for 16-bit PCM.
const (
	DefaultChunkSamples    = 1024
	DefaultMinEnergy       = 300.0
	DefaultEnergyRatio     = 1.5
	DefaultPauseThreshold  = 800 * time.Millisecond
	DefaultMinPhrase       = 300 * time.Millisecond
	DefaultPreRoll         = 500 * time.Millisecond
	DefaultAmbientDuration = time.Second
)

// RMS returns the root mean square amplitude of samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// CalibrateThreshold derives the speech energy threshold from ambient
// noise: ratio times the ambient RMS, never below floor.
func CalibrateThreshold(ambient []int16, ratio, floor float64) float64 {
	return math.Max(floor, RMS(ambient)*ratio)
}

// SegmenterConfig controls utterance detection. All durations are
// converted to sample counts so behaviour does not depend on wall time.
type SegmenterConfig struct {
	SampleRate      int
	EnergyThreshold float64
	// Timeout bounds the wait for speech to start; 0 waits forever.
	Timeout time.Duration
	// PhraseLimit caps an utterance; 0 means unlimited.
	PhraseLimit    time.Duration
	PauseThreshold time.Duration
	MinPhrase      time.Duration
	PreRoll        time.Duration
	ChunkSamples   int
}

func (c SegmenterConfig) samples(d time.Duration) int {
	return int(d.Seconds() * float64(c.SampleRate))
}

// Segmenter finds one utterance in a stream of mono samples. Feed it audio
// until it reports done.
type Segmenter struct {
	cfg SegmenterConfig

	pending []int16 // partial chunk
	preroll [][]int16
	phrase  []int16

	waited     int // samples seen before speech started, rejected bursts included
	speaking   bool
	spoken     int // samples since the phrase started, excluding pre-roll
	voiced     int // samples above threshold in the current phrase
	silenceRun int

	timeoutSamples int
	limitSamples   int
	pauseSamples   int
	minSamples     int
	prerollChunks  int
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = DefaultPauseThreshold
	}
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultMinEnergy
	}
	s := &Segmenter{
		cfg:            cfg,
		timeoutSamples: cfg.samples(cfg.Timeout),
		limitSamples:   cfg.samples(cfg.PhraseLimit),
		pauseSamples:   cfg.samples(cfg.PauseThreshold),
		minSamples:     cfg.samples(cfg.MinPhrase),
	}
	s.prerollChunks = int(math.Ceil(float64(cfg.samples(cfg.PreRoll)) / float64(cfg.ChunkSamples)))
	return s
}

// Feed consumes samples. It returns done=true once an utterance is complete
// and ErrListenTimeout when no speech began within the timeout.
func (s *Segmenter) Feed(samples []int16) (bool, error) {
	s.pending = append(s.pending, samples...)
	n := s.cfg.ChunkSamples
	for len(s.pending) >= n {
		chunk := make([]int16, n)
		copy(chunk, s.pending[:n])
		s.pending = s.pending[n:]

		done, err := s.chunk(chunk)
		if done || err != nil {
			return done, err
		}
	}
	return false, nil
}

func (s *Segmenter) chunk(c []int16) (bool, error) {
	loud := RMS(c) > s.cfg.EnergyThreshold

	if !s.speaking {
		if !loud {
			s.waited += len(c)
			if s.timeoutSamples > 0 && s.waited > s.timeoutSamples {
				return false, ErrListenTimeout
			}
			if s.prerollChunks > 0 {
				s.preroll = append(s.preroll, c)
				if len(s.preroll) > s.prerollChunks {
					s.preroll = s.preroll[1:]
				}
			}
			return false, nil
		}
		s.speaking = true
		for _, p := range s.preroll {
			s.phrase = append(s.phrase, p...)
		}
		s.preroll = nil
	}

	s.phrase = append(s.phrase, c...)
	s.spoken += len(c)
	if loud {
		s.voiced += len(c)
		s.silenceRun = 0
	} else {
		s.silenceRun += len(c)
	}

	if s.limitSamples > 0 && s.spoken >= s.limitSamples {
		return true, nil
	}
	if s.silenceRun >= s.pauseSamples {
		if s.voiced < s.minSamples {
			// too short to be speech; it still counts as waiting
			s.waited += s.spoken
			s.resetPhrase()
			if s.timeoutSamples > 0 && s.waited > s.timeoutSamples {
				return false, ErrListenTimeout
			}
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func (s *Segmenter) resetPhrase() {
	s.speaking = false
	s.phrase = nil
	s.spoken = 0
	s.voiced = 0
	s.silenceRun = 0
}

// Utterance returns the captured phrase, including pre-roll.
func (s *Segmenter) Utterance() []int16 {
	return s.phrase
}

// Speaking reports whether a phrase has started.
func (s *Segmenter) Speaking() bool { return s.speaking }
