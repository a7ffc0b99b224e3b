// Package anomaly scores a window of normalized frames by how badly the
// autoencoder reconstructs it.
package anomaly

import (
	"errors"
	"fmt"
	"math"

	"github.com/mikeyg42/anomalycam/internal/frame"
)

// Default decision thresholds. Upload scans and the live feed were tuned
// separately and must stay distinct.
const (
	UploadThreshold = 0.00054
	LiveThreshold   = 0.00060
)

var (
	// ErrInference wraps any failure reported by the model.
	ErrInference = errors.New("anomaly: inference failed")
	// ErrShape reports a window whose size does not match the model input.
	ErrShape = errors.New("anomaly: input shape mismatch")
)

// Score is the reconstruction error of one window. Always >= 0.
type Score float64

// Shape is the 5-D model input: batch, height, width, time, channels.
type Shape struct {
	Batch, Height, Width, Time, Channels int
}

// DefaultShape is (1, 227, 227, 10, 1).
var DefaultShape = Shape{Batch: 1, Height: frame.Height, Width: frame.Width, Time: 10, Channels: 1}

// Elements is the number of float32 values a tensor of this shape holds.
func (s Shape) Elements() int {
	return s.Batch * s.Height * s.Width * s.Time * s.Channels
}

func (s Shape) Dims() []int {
	return []int{s.Batch, s.Height, s.Width, s.Time, s.Channels}
}

// Model reconstructs an input tensor. Implementations must return a tensor
// with the same element count as the input.
type Model interface {
	Reconstruct(input []float32, shape Shape) ([]float32, error)
}

// Stack concatenates frames oldest first into one buffer. The model reads
// the buffer as (1,H,W,T,1), which is a plain reinterpretation of the frame
// sequence's memory rather than a transpose; that is the layout the network
// was trained with.
func Stack(frames []frame.Normalized) []float32 {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]float32, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// ReconstructionError returns ||input - output||_2 / len(input).
func ReconstructionError(input, output []float32) (Score, error) {
	if len(input) != len(output) {
		return 0, fmt.Errorf("%w: input has %d elements, output %d", ErrShape, len(input), len(output))
	}
	if len(input) == 0 {
		return 0, fmt.Errorf("%w: empty tensor", ErrShape)
	}
	var sum float64
	for i := range input {
		d := float64(input[i]) - float64(output[i])
		sum += d * d
	}
	return Score(math.Sqrt(sum) / float64(len(input))), nil
}

// Scorer applies a model and a threshold to full windows.
type Scorer struct {
	Model     Model
	Shape     Shape
	Threshold float64
}

// NewScorer uses DefaultShape with the window depth overridden.
func NewScorer(m Model, windowSize int, threshold float64) *Scorer {
	shape := DefaultShape
	if windowSize > 0 {
		shape.Time = windowSize
	}
	return &Scorer{Model: m, Shape: shape, Threshold: threshold}
}

// Score runs inference on frames and reports whether the error strictly
// exceeds the threshold.
func (s *Scorer) Score(frames []frame.Normalized) (Score, bool, error) {
	if len(frames) != s.Shape.Time {
		return 0, false, fmt.Errorf("%w: window has %d frames, model expects %d", ErrShape, len(frames), s.Shape.Time)
	}
	input := Stack(frames)
	if len(input) != s.Shape.Elements() {
		return 0, false, fmt.Errorf("%w: stacked %d values, model expects %d", ErrShape, len(input), s.Shape.Elements())
	}

	output, err := s.Model.Reconstruct(input, s.Shape)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInference, err)
	}
	score, err := ReconstructionError(input, output)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return score, float64(score) > s.Threshold, nil
}
