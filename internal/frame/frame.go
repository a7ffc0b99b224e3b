// Package frame turns raw BGR captures into the normalized grayscale planes
// the autoencoder consumes.
package frame

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

const (
	Width  = 227
	Height = 227
	Size   = Width * Height
)

// ErrEmpty is returned for an empty source frame.
var ErrEmpty = errors.New("frame: empty source")

// Normalized is a Width*Height row-major plane with every value in [0,1].
type Normalized []float32

// Normalize resizes src to 227x227, converts it to grayscale and standardizes
// it with NormalizeGray. src is not modified.
func Normalize(src gocv.Mat) (Normalized, error) {
	if src.Empty() {
		return nil, ErrEmpty
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(Width, Height), 0, 0, gocv.InterpolationLinear)

	gray := gocv.NewMat()
	defer gray.Close()
	switch resized.Channels() {
	case 1:
		resized.CopyTo(&gray)
	case 3:
		gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(resized, &gray, gocv.ColorBGRAToGray)
	default:
		return nil, fmt.Errorf("frame: unsupported channel count %d", resized.Channels())
	}

	pix := gray.ToBytes()
	if len(pix) != Size {
		return nil, fmt.Errorf("frame: expected %d gray pixels, got %d", Size, len(pix))
	}
	return NormalizeGray(pix), nil
}

// NormalizeGray computes (p-mean)/std over the plane using the population
// standard deviation and clips the result to [0,1]. A flat plane (std == 0)
// normalizes to all zeros.
func NormalizeGray(pix []uint8) Normalized {
	out := make(Normalized, len(pix))
	if len(pix) == 0 {
		return out
	}

	var sum float64
	for _, p := range pix {
		sum += float64(p)
	}
	mean := sum / float64(len(pix))

	var sq float64
	for _, p := range pix {
		d := float64(p) - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(pix)))
	if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
		return out
	}

	for i, p := range pix {
		out[i] = Clip01(float32((float64(p) - mean) / std))
	}
	return out
}

// Clip01 clamps v to [0,1]. NaN maps to 0.
func Clip01(v float32) float32 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Clone returns an independent copy.
func (n Normalized) Clone() Normalized {
	if n == nil {
		return nil
	}
	out := make(Normalized, len(n))
	copy(out, n)
	return out
}
