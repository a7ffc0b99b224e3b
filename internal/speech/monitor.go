package speech

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/alert"
	"github.com/mikeyg42/anomalycam/internal/events"
)

// Alerter delivers an alert to the contact list.
type Alerter interface {
	Dispatch(ctx context.Context, subject, message string) error
}

// MonitorConfig holds per-mode listen timeouts.
type MonitorConfig struct {
	UploadTimeout time.Duration
	LiveTimeout   time.Duration
	PhraseLimit   time.Duration
	// RetryPause is slept after a service error in the live loop.
	RetryPause time.Duration
	// RequestTimeout bounds each recognition and scoring call; 0 disables.
	RequestTimeout time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		UploadTimeout:  10 * time.Second,
		LiveTimeout:    5 * time.Second,
		PhraseLimit:    10 * time.Second,
		RetryPause:     time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// Monitor ties an audio source, a transcriber, a toxicity scorer and an
// alerter together.
type Monitor struct {
	source      AudioSource
	transcriber Transcriber
	scorer      ToxicityScorer
	alerter     Alerter
	cfg         MonitorConfig
	logger      *zap.Logger
	sink        events.Sink
}

func NewMonitor(source AudioSource, transcriber Transcriber, scorer ToxicityScorer, alerter Alerter,
	cfg MonitorConfig, logger *zap.Logger, sink events.Sink) *Monitor {
	if logger == nil {
		logger = zap.L()
	}
	return &Monitor{
		source:      source,
		transcriber: transcriber,
		scorer:      scorer,
		alerter:     alerter,
		cfg:         cfg,
		logger:      logger.Named("speech-monitor"),
		sink:        events.OrNop(sink),
	}
}

// ListenOnce captures one utterance and transcribes it.
func (m *Monitor) ListenOnce(ctx context.Context, timeout time.Duration) Result {
	audio, err := m.source.Listen(ctx, ListenOptions{Timeout: timeout, PhraseLimit: m.cfg.PhraseLimit})
	if err != nil {
		return classify(err)
	}
	rctx, cancel := m.requestContext(ctx)
	defer cancel()
	text, err := m.transcriber.Transcribe(rctx, audio)
	if err != nil {
		return classify(err)
	}
	if text == "" {
		return Result{Kind: Unintelligible}
	}
	return Result{Kind: Transcript, Text: text}
}

// RunOnce performs a single upload-mode listen cycle.
func (m *Monitor) RunOnce(ctx context.Context) Result {
	m.logger.Info("Listening for speech during video analysis")
	res := m.ListenOnce(ctx, m.cfg.UploadTimeout)
	m.handle(ctx, res, events.ModeUpload)
	return res
}

// Run listens repeatedly while running() holds and ctx is alive. Timeouts,
// unintelligible audio and service errors are logged and the loop goes on.
func (m *Monitor) Run(ctx context.Context, running func() bool) {
	m.logger.Info("Speech monitor started")
	defer m.logger.Info("Speech monitor stopped")

	for ctx.Err() == nil && running() {
		res := m.ListenOnce(ctx, m.cfg.LiveTimeout)
		if ctx.Err() != nil {
			return
		}
		m.handle(ctx, res, events.ModeLive)

		if res.Kind == ServiceError && m.cfg.RetryPause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RetryPause):
			}
		}
	}
}

func (m *Monitor) handle(ctx context.Context, res Result, mode events.Mode) {
	switch res.Kind {
	case Timeout:
		m.logger.Debug("No speech detected", zap.String("mode", string(mode)))
		m.status(mode, res)
		return
	case Unintelligible:
		m.logger.Info("Could not understand the speech", zap.String("mode", string(mode)))
		m.status(mode, res)
		return
	case ServiceError:
		m.logger.Warn("Speech recognition error", zap.String("mode", string(mode)), zap.Error(res.Err))
		m.status(mode, res)
		return
	}

	m.logger.Info("Detected speech", zap.String("mode", string(mode)), zap.String("text", res.Text))
	e := events.New(events.KindTranscript, mode)
	e.Message = res.Text
	m.sink.Publish(e)

	rctx, cancel := m.requestContext(ctx)
	scores, err := m.scorer.Score(rctx, res.Text)
	cancel()
	if err != nil {
		m.logger.Warn("Toxicity scoring failed", zap.String("mode", string(mode)), zap.Error(err))
		return
	}
	m.logger.Info("Toxicity analysis",
		zap.Float64(alert.Toxicity, scores.Get(alert.Toxicity)),
		zap.Float64(alert.Threat, scores.Get(alert.Threat)),
		zap.Float64(alert.Insult, scores.Get(alert.Insult)),
		zap.Float64(alert.IdentityAttack, scores.Get(alert.IdentityAttack)))

	msg, ok := alert.Decide(scores, mode)
	if !ok {
		return
	}
	m.logger.Warn(msg.Body, zap.String("level", msg.Level.String()))
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Dispatch(ctx, msg.Subject, msg.Body); err != nil {
		m.logger.Error("Error sending alert email", zap.Error(err))
		return
	}
	m.logger.Info("Alert email sent", zap.String("subject", msg.Subject))
}

func (m *Monitor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.RequestTimeout)
}

func (m *Monitor) status(mode events.Mode, res Result) {
	e := events.New(events.KindSpeechStatus, mode)
	e.Message = res.String()
	m.sink.Publish(e)
}
