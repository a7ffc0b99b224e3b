// Package pipeline runs the anomaly detector over uploaded videos and the
// live camera feed.
package pipeline

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/anomalycam/internal/anomaly"
	"github.com/mikeyg42/anomalycam/internal/events"
	"github.com/mikeyg42/anomalycam/internal/frame"
	"github.com/mikeyg42/anomalycam/internal/window"
)

// DetectorConfig is the per-mode detection setup. Upload and live use
// different thresholds and frame skips.
type DetectorConfig struct {
	WindowSize int
	Threshold  float64
	// FrameSkip keeps every FrameSkip-th frame (for 5: frames 4, 9, 14...
	// zero-based); 1 keeps all.
	FrameSkip int
}

// verdict is what one frame contributed to detection.
type verdict struct {
	sampled   bool
	scored    bool
	anomalous bool
	score     anomaly.Score
}

// detector owns one sliding window. It is not shared between modes.
type detector struct {
	cfg    DetectorConfig
	win    *window.Window
	scorer *anomaly.Scorer
}

func newDetector(model anomaly.Model, cfg DetectorConfig) *detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = window.DefaultCapacity
	}
	if cfg.FrameSkip < 1 {
		cfg.FrameSkip = 1
	}
	return &detector{
		cfg:    cfg,
		win:    window.New(cfg.WindowSize),
		scorer: anomaly.NewScorer(model, cfg.WindowSize, cfg.Threshold),
	}
}

// observe samples the frame at index, pushes it and scores the window once
// full. Every push after that re-scores the slid window.
func (d *detector) observe(index int, mat gocv.Mat) (verdict, error) {
	if (index+1)%d.cfg.FrameSkip != 0 {
		return verdict{}, nil
	}
	norm, err := frame.Normalize(mat)
	if err != nil {
		return verdict{}, fmt.Errorf("failed to normalize frame %d: %w", index, err)
	}
	d.win.Push(norm)

	v := verdict{sampled: true}
	if !d.win.IsFull() {
		return v, nil
	}
	score, anomalous, err := d.scorer.Score(d.win.Snapshot())
	if err != nil {
		return v, fmt.Errorf("frame %d: %w", index, err)
	}
	v.scored, v.anomalous, v.score = true, anomalous, score
	return v, nil
}

func (d *detector) threshold() float64 { return d.cfg.Threshold }

func scoredEvent(mode events.Mode, index int, v verdict, threshold float64) events.Event {
	e := events.New(events.KindWindowScored, mode)
	e.FrameIndex = index
	e.Score = float64(v.score)
	e.Threshold = threshold
	e.Anomaly = v.anomalous
	return e
}

// encodeJPEG returns an owned copy of mat encoded as JPEG.
func encodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()
	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
