package speech

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"

	// registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// Device is an audio input visible to the process.
type Device struct {
	DeviceID  string `json:"deviceId"`
	Label     string `json:"label"`
	IsDefault bool   `json:"isDefault"`
}

// ListMicrophones enumerates audio inputs. The first one is the default.
func ListMicrophones() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.AudioInput {
			continue
		}
		label := d.Label
		if label == "" || strings.HasPrefix(label, "0x") {
			label = fmt.Sprintf("Microphone %d", len(out)+1)
		}
		out = append(out, Device{DeviceID: d.DeviceID, Label: label, IsDefault: len(out) == 0})
	}
	return out
}

// MicrophoneConfig selects and tunes the capture device.
type MicrophoneConfig struct {
	DeviceID        string // empty picks the default input
	SampleRate      int
	AmbientDuration time.Duration
	PauseThreshold  time.Duration
	MinEnergy       float64
	EnergyRatio     float64
}

// MicrophoneSource captures utterances from a local microphone. The device
// is opened on first use and kept open; Listen calls are serialised, so an
// upload scan and the live loop take turns on the same input. A caller
// waiting for its turn gives up when its context ends.
type MicrophoneSource struct {
	cfg    MicrophoneConfig
	logger *zap.Logger

	sem    chan struct{} // holds the device; capacity 1
	track  *mediadevices.AudioTrack
	reader audio.Reader
}

func NewMicrophoneSource(cfg MicrophoneConfig, logger *zap.Logger) *MicrophoneSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.AmbientDuration <= 0 {
		cfg.AmbientDuration = DefaultAmbientDuration
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = DefaultPauseThreshold
	}
	if cfg.MinEnergy <= 0 {
		cfg.MinEnergy = DefaultMinEnergy
	}
	if cfg.EnergyRatio <= 0 {
		cfg.EnergyRatio = DefaultEnergyRatio
	}
	if logger == nil {
		logger = zap.L()
	}
	return &MicrophoneSource{
		cfg:    cfg,
		logger: logger.Named("microphone"),
		sem:    make(chan struct{}, 1),
	}
}

func (m *MicrophoneSource) open() error {
	if m.reader != nil {
		return nil
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if m.cfg.DeviceID != "" {
				c.DeviceID = prop.String(m.cfg.DeviceID)
			}
			c.SampleRate = prop.Int(m.cfg.SampleRate)
			c.ChannelCount = prop.Int(1)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to open microphone: %v", ErrService, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return fmt.Errorf("%w: no audio tracks available", ErrService)
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		for _, t := range tracks {
			t.Close()
		}
		return fmt.Errorf("%w: track is not an AudioTrack: %T", ErrService, tracks[0])
	}
	m.track = track
	m.reader = track.NewReader(false)
	m.logger.Info("Microphone opened", zap.String("track", track.ID()))
	return nil
}

// read returns the next chunk as mono samples plus its sampling rate.
func (m *MicrophoneSource) read() ([]int16, int, error) {
	chunk, release, err := m.reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: microphone read failed: %v", ErrService, err)
	}
	if release != nil {
		defer release()
	}
	samples, err := monoSamples(chunk)
	if err != nil {
		return nil, 0, err
	}
	return samples, chunk.ChunkInfo().SamplingRate, nil
}

// Listen calibrates against ambient noise, then waits for one utterance.
func (m *MicrophoneSource) Listen(ctx context.Context, opts ListenOptions) (Audio, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	}
	defer func() { <-m.sem }()

	if err := m.open(); err != nil {
		return Audio{}, err
	}

	// ambient calibration
	var (
		ambient []int16
		rate    = m.cfg.SampleRate
	)
	for float64(len(ambient)) < m.cfg.AmbientDuration.Seconds()*float64(rate) {
		if err := ctx.Err(); err != nil {
			return Audio{}, err
		}
		s, r, err := m.read()
		if err != nil {
			return Audio{}, err
		}
		if r > 0 {
			rate = r
		}
		ambient = append(ambient, s...)
	}
	threshold := CalibrateThreshold(ambient, m.cfg.EnergyRatio, m.cfg.MinEnergy)
	m.logger.Debug("Calibrated for ambient noise",
		zap.Float64("ambient_rms", RMS(ambient)),
		zap.Float64("threshold", threshold))

	seg := NewSegmenter(SegmenterConfig{
		SampleRate:      rate,
		EnergyThreshold: threshold,
		Timeout:         opts.Timeout,
		PhraseLimit:     opts.PhraseLimit,
		PauseThreshold:  m.cfg.PauseThreshold,
		MinPhrase:       DefaultMinPhrase,
		PreRoll:         DefaultPreRoll,
	})
	for {
		if err := ctx.Err(); err != nil {
			return Audio{}, err
		}
		s, _, err := m.read()
		if err != nil {
			return Audio{}, err
		}
		done, err := seg.Feed(s)
		if err != nil {
			return Audio{}, err
		}
		if done {
			return Audio{PCM: PCM16(seg.Utterance()), SampleRate: rate}, nil
		}
	}
}

// Close releases the device.
func (m *MicrophoneSource) Close() error {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()
	if m.track == nil {
		return nil
	}
	err := m.track.Close()
	m.track = nil
	m.reader = nil
	return err
}

var errUnsupportedAudio = errors.New("speech: unsupported audio chunk format")

// monoSamples takes channel 0 of an interleaved chunk as int16.
func monoSamples(chunk wave.Audio) ([]int16, error) {
	info := chunk.ChunkInfo()
	ch := info.Channels
	if ch <= 0 {
		ch = 1
	}
	out := make([]int16, info.Len)
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := 0; i < info.Len; i++ {
			out[i] = a.Data[i*ch]
		}
	case *wave.Float32Interleaved:
		for i := 0; i < info.Len; i++ {
			out[i] = floatToInt16(a.Data[i*ch])
		}
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedAudio, chunk)
	}
	return out, nil
}

func floatToInt16(f float32) int16 {
	v := math.Round(float64(f) * math.MaxInt16)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
