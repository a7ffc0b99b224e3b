package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/anomaly"
	"github.com/mikeyg42/anomalycam/internal/api"
	"github.com/mikeyg42/anomalycam/internal/capture"
	"github.com/mikeyg42/anomalycam/internal/config"
	"github.com/mikeyg42/anomalycam/internal/events"
	"github.com/mikeyg42/anomalycam/internal/framestream"
	"github.com/mikeyg42/anomalycam/internal/notification"
	"github.com/mikeyg42/anomalycam/internal/pipeline"
	"github.com/mikeyg42/anomalycam/internal/speech"
	"github.com/mikeyg42/anomalycam/internal/storage"
)

// Application holds every long-lived component
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	model     *anomaly.ONNXModel
	snapshots *storage.LocalSnapshotStore
	db        *sqlx.DB
	recorder  *storage.EventRecorder
	hub       *api.EventHub

	dispatcher *notification.Dispatcher
	mic        *speech.MicrophoneSource
	monitor    *speech.Monitor

	publisher *framestream.Publisher
	live      *pipeline.LiveSession
	scanner   *pipeline.Scanner

	checks map[string]api.HealthCheck
}

// appOptions trims what a command needs; scan runs without the network
// facing parts.
type appOptions struct {
	live   bool
	speech bool
	alerts bool
}

// NewApplication builds components in dependency order. On error whatever
// was already built is released.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (_ *Application, err error) {
	app := &Application{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]api.HealthCheck),
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if err = cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	app.model, err = anomaly.LoadONNX(cfg.Model.Path, cfg.Model.Backend, cfg.Model.Target, logger)
	if err != nil {
		return nil, err
	}

	snapshots, err := app.initSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.initPostgres(ctx); err != nil {
		return nil, err
	}

	var sinks events.Fanout
	if opts.live {
		app.hub = api.NewEventHub(cfg.Server.AllowedOrigins, logger)
		sinks = append(sinks, app.hub)
	}
	if app.recorder != nil {
		sinks = append(sinks, app.recorder)
	}

	if opts.alerts && cfg.Alert.Enabled && cfg.Alert.Method != "disabled" {
		if err = app.initDispatcher(ctx, sinks); err != nil {
			return nil, err
		}
	}
	if opts.speech && cfg.Speech.Enabled {
		if err = app.initSpeech(ctx, sinks); err != nil {
			return nil, err
		}
	}

	video := cfg.Video
	app.scanner = pipeline.NewScanner(capture.OpenFile, app.model, snapshots, pipeline.ScannerConfig{
		DetectorConfig: pipeline.DetectorConfig{
			WindowSize: video.WindowSize,
			Threshold:  video.UploadThreshold,
			FrameSkip:  video.UploadFrameSkip,
		},
		SnapshotName: cfg.Storage.SnapshotName,
	}, logger, sinks)

	if opts.live {
		app.publisher = framestream.NewPublisher()
		var loop pipeline.SpeechLoop
		if app.monitor != nil {
			loop = app.monitor
		}
		app.live = pipeline.NewLiveSession(capture.OpenDevice, app.model, app.publisher, loop, pipeline.LiveConfig{
			DetectorConfig: pipeline.DetectorConfig{
				WindowSize: video.WindowSize,
				Threshold:  video.LiveThreshold,
				FrameSkip:  video.LiveFrameSkip,
			},
			Device:      video.Device,
			OverlayText: video.OverlayText,
		}, logger, sinks)
	}
	return app, nil
}

// initSnapshots returns the store the scanner writes through: local disk,
// mirrored to MinIO when configured.
func (a *Application) initSnapshots(ctx context.Context) (storage.SnapshotStore, error) {
	local, err := storage.NewLocalSnapshotStore(a.cfg.Storage.DetectedFramesDir)
	if err != nil {
		return nil, err
	}
	a.snapshots = local

	m := a.cfg.Storage.MinIO
	if !m.Enabled {
		return local, nil
	}
	mirror, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
		UseSSL:          m.UseSSL,
		Bucket:          m.Bucket,
		Region:          m.Region,
		Prefix:          "snapshots",
		MaxRetries:      m.MaxRetries,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init snapshot mirror: %w", err)
	}
	a.checks["minio"] = mirror.HealthCheck
	return &storage.MirroredSnapshotStore{Primary: local, Mirror: mirror, Logger: a.logger}, nil
}

func (a *Application) initPostgres(ctx context.Context) error {
	if !a.cfg.Storage.Postgres.Enabled {
		return nil
	}
	db, err := storage.OpenPostgres(ctx, storage.PostgresConfig{DSN: a.cfg.PostgresDSN()})
	if err != nil {
		return err
	}
	a.db = db

	store, err := storage.NewPostgresEventStore(ctx, db, a.logger)
	if err != nil {
		return err
	}
	a.checks["postgres"] = store.HealthCheck
	// per-window scores are too chatty to persist
	a.recorder = storage.NewEventRecorder(store, 256, a.logger,
		events.KindAnomaly, events.KindTranscript, events.KindAlert, events.KindLiveState)
	return nil
}

func (a *Application) initDispatcher(ctx context.Context, sink events.Sink) error {
	alert := a.cfg.Alert

	var contacts notification.ContactSource
	switch alert.ContactSource {
	case "postgres":
		if a.db == nil {
			return errors.New("postgres contact source requires storage.postgres.enabled")
		}
		pc, err := notification.NewPostgresContacts(ctx, a.db)
		if err != nil {
			return err
		}
		contacts = pc
	case "csv":
		contacts = &notification.CSVContacts{Path: alert.ContactsFile, Logger: a.logger}
	default:
		contacts = &notification.XLSXContacts{Path: alert.ContactsFile, Logger: a.logger}
	}

	var (
		transport notification.Transport
		err       error
	)
	switch alert.Method {
	case "gmail":
		transport, err = notification.NewGmailTransport(ctx, notification.GmailConfig{
			ClientID:           alert.Gmail.ClientID,
			ClientSecret:       alert.Gmail.ClientSecret,
			TokenStorePath:     alert.Gmail.TokenFile,
			TokenEncryptionKey: alert.Gmail.TokenKey,
			Logger:             a.logger,
		})
	default:
		transport, err = notification.NewSMTPTransport(notification.SMTPConfig{
			Host:      alert.SMTP.Host,
			Port:      alert.SMTP.Port,
			Username:  alert.SMTP.Username,
			Password:  alert.SMTP.Password,
			TLSPolicy: alert.SMTP.TLSPolicy,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to init %s transport: %w", alert.Method, err)
	}

	retry := notification.DefaultRetryConfig()
	retry.MaxAttempts = alert.MaxAttempts
	from := alert.FromEmail
	if from == "" {
		from = alert.SMTP.Username
	}
	a.dispatcher = notification.NewDispatcher(contacts, transport, notification.DispatcherConfig{
		FromEmail: from,
		FromName:  "Anomaly Camera",
		Retry:     retry,
	}, a.logger, sink)
	a.logger.Info("Alert dispatcher ready", zap.String("transport", transport.Name()),
		zap.String("contacts", alert.ContactSource))
	return nil
}

func (a *Application) initSpeech(ctx context.Context, sink events.Sink) error {
	sp := a.cfg.Speech

	transcriber, err := speech.NewGoogleTranscriber(ctx, sp.GoogleAPIKey, sp.LanguageCode)
	if err != nil {
		return err
	}
	scorer, err := speech.NewPerspectiveScorer(ctx, sp.PerspectiveKey)
	if err != nil {
		return err
	}
	a.mic = speech.NewMicrophoneSource(speech.MicrophoneConfig{
		DeviceID:        sp.Device,
		SampleRate:      sp.SampleRate,
		AmbientDuration: sp.AmbientDuration.D(),
		PauseThreshold:  sp.PauseThreshold.D(),
	}, a.logger)

	var alerter speech.Alerter
	if a.dispatcher != nil {
		alerter = a.dispatcher
	}
	mc := speech.DefaultMonitorConfig()
	mc.UploadTimeout = sp.UploadTimeout.D()
	mc.LiveTimeout = sp.LiveTimeout.D()
	mc.PhraseLimit = sp.PhraseTimeLimit.D()
	mc.RequestTimeout = sp.RequestTimeout.D()
	a.monitor = speech.NewMonitor(a.mic, transcriber, scorer, alerter, mc, a.logger, sink)
	return nil
}

// apiDeps exposes the components to the HTTP layer.
func (a *Application) apiDeps() api.Deps {
	deps := api.Deps{
		Scanner:     a.scanner,
		Live:        a.live,
		Frames:      a.publisher,
		Snapshots:   a.snapshots,
		Events:      a.hub,
		Microphones: speech.ListMicrophones,
		Checks:      a.checks,
	}
	if a.monitor != nil {
		deps.Speech = a.monitor
	}
	return deps
}

// Close releases components in reverse order of construction.
func (a *Application) Close() {
	if a.live != nil {
		a.live.Close()
	}
	if a.mic != nil {
		if err := a.mic.Close(); err != nil {
			a.logger.Warn("Failed to close microphone", zap.Error(err))
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.model != nil {
		a.model.Close()
	}
}
