package anomaly

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/anomalycam/internal/frame"
)

// offsetModel returns the input shifted by a constant.
type offsetModel struct {
	delta float32
	err   error
	calls int
}

func (m *offsetModel) Reconstruct(input []float32, _ Shape) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float32, len(input))
	for i, v := range input {
		out[i] = v + m.delta
	}
	return out, nil
}

func constFrames(n, size int, v float32) []frame.Normalized {
	frames := make([]frame.Normalized, n)
	for i := range frames {
		f := make(frame.Normalized, size)
		for j := range f {
			f[j] = v
		}
		frames[i] = f
	}
	return frames
}

func TestStackIsFrameMajor(t *testing.T) {
	frames := []frame.Normalized{{1, 2}, {3, 4}, {5, 6}}
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, Stack(frames))
}

func TestReconstructionError(t *testing.T) {
	score, err := ReconstructionError([]float32{0, 0, 0, 0}, []float32{1, 1, 1, 1})
	require.NoError(t, err)
	// sqrt(4)/4
	assert.InDelta(t, 0.5, float64(score), 1e-12)

	score, err = ReconstructionError([]float32{0.3, 0.7}, []float32{0.3, 0.7})
	require.NoError(t, err)
	assert.Equal(t, Score(0), score)
}

func TestReconstructionErrorMismatch(t *testing.T) {
	_, err := ReconstructionError([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrShape)

	_, err = ReconstructionError(nil, nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestScorerThresholdIsStrict(t *testing.T) {
	shape := Shape{Batch: 1, Height: 2, Width: 2, Time: 3, Channels: 1}
	n := shape.Elements()
	// every element off by d gives sqrt(n*d^2)/n = d/sqrt(n)
	d := float32(0.01)
	exact := float64(d) / math.Sqrt(float64(n))

	s := &Scorer{Model: &offsetModel{delta: d}, Shape: shape}
	frames := constFrames(3, 4, 0.5)

	s.Threshold = exact * 2
	score, anomalous, err := s.Score(frames)
	require.NoError(t, err)
	assert.InDelta(t, exact, float64(score), 1e-6)
	assert.False(t, anomalous)

	s.Threshold = exact / 2
	_, anomalous, err = s.Score(frames)
	require.NoError(t, err)
	assert.True(t, anomalous)

	s.Threshold = float64(score)
	_, anomalous, err = s.Score(frames)
	require.NoError(t, err)
	assert.False(t, anomalous, "score equal to threshold is not an anomaly")
}

func TestScorerPerfectReconstruction(t *testing.T) {
	s := NewScorer(&offsetModel{}, 10, UploadThreshold)
	score, anomalous, err := s.Score(constFrames(10, frame.Size, 0.2))
	require.NoError(t, err)
	assert.Equal(t, Score(0), score)
	assert.False(t, anomalous)
}

func TestScorerWrapsInferenceError(t *testing.T) {
	s := NewScorer(&offsetModel{err: errors.New("boom")}, 10, LiveThreshold)
	_, _, err := s.Score(constFrames(10, frame.Size, 0))
	assert.ErrorIs(t, err, ErrInference)
}

func TestScorerRejectsPartialWindow(t *testing.T) {
	m := &offsetModel{}
	s := NewScorer(m, 10, LiveThreshold)
	_, _, err := s.Score(constFrames(9, frame.Size, 0))
	assert.ErrorIs(t, err, ErrShape)
	assert.Zero(t, m.calls)
}

func TestThresholdsStayDistinct(t *testing.T) {
	assert.Less(t, UploadThreshold, LiveThreshold)
}

func TestFloat32Bytes(t *testing.T) {
	b := float32Bytes([]float32{1})
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, b)
}

func TestDecisionMonotonicInThreshold(t *testing.T) {
	s := NewScorer(&offsetModel{delta: 0.05}, 10, 0)
	frames := constFrames(10, frame.Size, 0.5)

	var flags []bool
	for _, th := range []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1} {
		s.Threshold = th
		_, anomalous, err := s.Score(frames)
		require.NoError(t, err)
		flags = append(flags, anomalous)
	}
	for i := 1; i < len(flags); i++ {
		if flags[i] {
			assert.True(t, flags[i-1], "a lower threshold must flag whatever a higher one flags")
		}
	}
	assert.True(t, flags[0])
	assert.False(t, flags[len(flags)-1])
}
