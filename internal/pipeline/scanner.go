package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/anomalycam/internal/anomaly"
	"github.com/mikeyg42/anomalycam/internal/capture"
	"github.com/mikeyg42/anomalycam/internal/events"
	"github.com/mikeyg42/anomalycam/internal/storage"
)

// Scan outcome messages and the URL the snapshot is served from.
const (
	MessageAnomaly   = "Anomaly Detected!"
	MessageNoAnomaly = "No anomaly detected."
	DetectedFrameURL = "/detected_frame"
)

// ScanResult is the response body of an upload scan.
type ScanResult struct {
	Message  string  `json:"message"`
	FrameURL *string `json:"frame_url"`
}

// Anomalous reports whether the scan found an anomaly.
func (r ScanResult) Anomalous() bool { return r.FrameURL != nil }

// ProgressFunc receives frames read so far and the total, 0 when unknown.
type ProgressFunc func(read, total int)

type ScannerConfig struct {
	DetectorConfig
	SnapshotName string
}

// Scanner checks recorded videos for anomalies. It is safe for concurrent
// use; each Scan owns its own window.
type Scanner struct {
	open   capture.Opener
	model  anomaly.Model
	store  storage.SnapshotStore
	cfg    ScannerConfig
	logger *zap.Logger
	sink   events.Sink
}

func NewScanner(open capture.Opener, model anomaly.Model, store storage.SnapshotStore,
	cfg ScannerConfig, logger *zap.Logger, sink events.Sink) *Scanner {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.SnapshotName == "" {
		cfg.SnapshotName = "anomaly_frame.jpg"
	}
	return &Scanner{
		open:   open,
		model:  model,
		store:  store,
		cfg:    cfg,
		logger: logger.Named("scanner"),
		sink:   events.OrNop(sink),
	}
}

// Scan reads the video at path and stops at the first anomalous window,
// saving the frame that completed it. Inference failures abort the scan.
func (s *Scanner) Scan(ctx context.Context, path string, progress ProgressFunc) (ScanResult, error) {
	src, err := s.open(path)
	if err != nil {
		return ScanResult{}, err
	}
	defer src.Close()

	total := src.FrameCount()
	det := newDetector(s.model, s.cfg.DetectorConfig)
	logger := s.logger.With(zap.String("video", path))
	logger.Info("Scanning video", zap.Int("frames", total), zap.Float64("threshold", det.threshold()))

	mat := gocv.NewMat()
	defer mat.Close()

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, fmt.Errorf("scan of %s interrupted: %w", path, err)
		}
		if err := src.Read(&mat); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ScanResult{}, err
		}
		if progress != nil {
			progress(index+1, total)
		}

		v, err := det.observe(index, mat)
		if err != nil {
			return ScanResult{}, fmt.Errorf("scan of %s failed: %w", path, err)
		}
		if !v.scored {
			continue
		}
		logger.Debug("Window scored",
			zap.Int("frame", index),
			zap.Float64("loss", float64(v.score)),
			zap.Float64("threshold", det.threshold()))
		s.sink.Publish(scoredEvent(events.ModeUpload, index, v, det.threshold()))

		if v.anomalous {
			return s.anomalyFound(ctx, logger, index, v, mat)
		}
	}

	logger.Info("No anomaly detected")
	return ScanResult{Message: MessageNoAnomaly}, nil
}

func (s *Scanner) anomalyFound(ctx context.Context, logger *zap.Logger, index int, v verdict, mat gocv.Mat) (ScanResult, error) {
	data, err := encodeJPEG(mat)
	if err != nil {
		return ScanResult{}, err
	}
	if err := s.store.Save(ctx, s.cfg.SnapshotName, data); err != nil {
		return ScanResult{}, fmt.Errorf("failed to save anomaly frame: %w", err)
	}
	logger.Warn("Anomaly detected", zap.Int("frame", index), zap.Float64("loss", float64(v.score)))

	e := events.New(events.KindAnomaly, events.ModeUpload)
	e.FrameIndex = index
	e.Score = float64(v.score)
	e.Threshold = s.cfg.Threshold
	e.Anomaly = true
	e.Message = MessageAnomaly
	s.sink.Publish(e)

	url := DetectedFrameURL
	return ScanResult{Message: MessageAnomaly, FrameURL: &url}, nil
}
