package pipeline

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/anomalycam/internal/anomaly"
	"github.com/mikeyg42/anomalycam/internal/capture"
	"github.com/mikeyg42/anomalycam/internal/events"
	"github.com/mikeyg42/anomalycam/internal/framestream"
)

// State of a LiveSession.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "stopped"
}

type StartStatus int

const (
	Started StartStatus = iota
	AlreadyRunning
)

func (s StartStatus) Message() string {
	if s == AlreadyRunning {
		return "Live Feed is already running!"
	}
	return "Live Feed Analysis Started!"
}

type StopStatus int

const (
	Stopped StopStatus = iota
	NotRunning
)

func (s StopStatus) Message() string {
	if s == NotRunning {
		return "Live Feed is not running!"
	}
	return "Live Feed Stopped!"
}

// SpeechLoop listens for speech while running() holds and ctx is alive.
type SpeechLoop interface {
	Run(ctx context.Context, running func() bool)
}

type LiveConfig struct {
	DetectorConfig
	Device      string
	OverlayText string
}

// LiveStatus is a point-in-time view of the session.
type LiveStatus struct {
	State          string                     `json:"state"`
	Running        bool                       `json:"running"`
	Anomaly        bool                       `json:"anomaly"`
	SessionID      string                     `json:"session_id,omitempty"`
	StartedAt      time.Time                  `json:"started_at,omitempty"`
	FramesCaptured int64                      `json:"frames_captured"`
	Publisher      framestream.PublisherStats `json:"publisher"`
}

// LiveSession drives the camera capture loop. At most one capture loop runs
// at a time; the speech loop, when configured, runs alongside it.
type LiveSession struct {
	open      capture.Opener
	model     anomaly.Model
	publisher *framestream.Publisher
	speech    SpeechLoop
	cfg       LiveConfig
	logger    *zap.Logger
	sink      events.Sink

	state   atomic.Int32
	anomaly atomic.Bool
	frames  atomic.Int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	sessionID string
	startedAt time.Time

	wg sync.WaitGroup
}

func NewLiveSession(open capture.Opener, model anomaly.Model, publisher *framestream.Publisher,
	speech SpeechLoop, cfg LiveConfig, logger *zap.Logger, sink events.Sink) *LiveSession {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.OverlayText == "" {
		cfg.OverlayText = MessageAnomaly
	}
	return &LiveSession{
		open:      open,
		model:     model,
		publisher: publisher,
		speech:    speech,
		cfg:       cfg,
		logger:    logger.Named("live"),
		sink:      events.OrNop(sink),
	}
}

func (s *LiveSession) State() State { return State(s.state.Load()) }

func (s *LiveSession) IsRunning() bool { return s.State() == StateRunning }

// Anomaly reports the verdict of the most recently scored live window.
func (s *LiveSession) Anomaly() bool { return s.anomaly.Load() }

// Start launches the capture loop. ctx bounds the whole session, so pass a
// long-lived context rather than a request context.
func (s *LiveSession) Start(ctx context.Context) StartStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return AlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.sessionID = uuid.NewString()
	s.startedAt = time.Now()
	s.anomaly.Store(false)
	s.frames.Store(0)

	logger := s.logger.With(zap.String("session", s.sessionID))
	logger.Info("Live feed started", zap.String("device", s.cfg.Device))
	s.stateEvent("started")

	done := s.done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.capture(runCtx, logger)
		// capture ending for any reason ends the speech loop too
		cancel()
		s.state.Store(int32(StateStopped))
		s.anomaly.Store(false)
		logger.Info("Live feed stopped", zap.Int64("frames", s.frames.Load()))
		s.stateEvent("stopped")
		close(done)
	}()

	if s.speech != nil {
		// session-scoped: a late loop must not see the next session as running
		running := func() bool { return runCtx.Err() == nil && s.IsRunning() }
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.speech.Run(runCtx, running)
			logger.Debug("Speech loop exited")
		}()
	}

	return Started
}

// Stop ends the running session and waits for the capture loop to exit.
// The speech loop is only signalled: it may be blocked in a device read and
// is joined by Close.
func (s *LiveSession) Stop() StopStatus {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		s.mu.Unlock()
		return NotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return Stopped
}

// Close stops any session, waits for every session goroutine including
// speech loops, and releases the published frame.
func (s *LiveSession) Close() error {
	s.Stop()
	s.wg.Wait()
	s.publisher.Clear()
	return nil
}

func (s *LiveSession) Status() LiveStatus {
	s.mu.Lock()
	id, started := s.sessionID, s.startedAt
	s.mu.Unlock()

	st := s.State()
	out := LiveStatus{
		State:          st.String(),
		Running:        st == StateRunning,
		Anomaly:        s.Anomaly(),
		FramesCaptured: s.frames.Load(),
		Publisher:      s.publisher.Stats(),
	}
	if st != StateStopped {
		out.SessionID, out.StartedAt = id, started
	}
	return out
}

func (s *LiveSession) capture(ctx context.Context, logger *zap.Logger) {
	src, err := s.open(s.cfg.Device)
	if err != nil {
		logger.Error("Could not open camera", zap.Error(err))
		return
	}
	defer src.Close()

	det := newDetector(s.model, s.cfg.DetectorConfig)
	mat := gocv.NewMat()
	defer mat.Close()

	for index := 0; ; index++ {
		if ctx.Err() != nil || !s.IsRunning() {
			return
		}
		if err := src.Read(&mat); err != nil {
			logger.Error("Failed to capture frame", zap.Int("frame", index), zap.Error(err))
			return
		}
		s.frames.Add(1)

		v, err := det.observe(index, mat)
		switch {
		case err != nil:
			logger.Warn("Skipping window", zap.Int("frame", index), zap.Error(err))
		case v.scored:
			s.anomaly.Store(v.anomalous)
			logger.Debug("Window scored",
				zap.Int("frame", index),
				zap.Float64("loss", float64(v.score)),
				zap.Float64("threshold", det.threshold()))
			s.sink.Publish(scoredEvent(events.ModeLive, index, v, det.threshold()))
			if v.anomalous {
				s.flag(index, v, &mat)
			}
		}

		s.publisher.Publish(mat)
	}
}

var overlayColor = color.RGBA{R: 255}

// flag marks an anomalous frame for viewers of the live stream.
func (s *LiveSession) flag(index int, v verdict, mat *gocv.Mat) {
	gocv.PutText(mat, s.cfg.OverlayText, image.Pt(50, 50), gocv.FontHersheySimplex, 1, overlayColor, 3)

	e := events.New(events.KindAnomaly, events.ModeLive)
	e.FrameIndex = index
	e.Score = float64(v.score)
	e.Threshold = s.cfg.Threshold
	e.Anomaly = true
	e.Message = s.cfg.OverlayText
	s.sink.Publish(e)
}

func (s *LiveSession) stateEvent(msg string) {
	e := events.New(events.KindLiveState, events.ModeLive)
	e.Message = msg
	s.sink.Publish(e)
}
