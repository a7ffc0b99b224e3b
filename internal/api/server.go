// Package api serves the upload scan, the live feed controls and the MJPEG
// stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/config"
	"github.com/mikeyg42/anomalycam/internal/framestream"
	"github.com/mikeyg42/anomalycam/internal/pipeline"
	"github.com/mikeyg42/anomalycam/internal/speech"
)

// Scanner runs an upload-mode scan.
type Scanner interface {
	Scan(ctx context.Context, path string, progress pipeline.ProgressFunc) (pipeline.ScanResult, error)
}

// LiveController starts and stops the live capture session.
type LiveController interface {
	Start(ctx context.Context) pipeline.StartStatus
	Stop() pipeline.StopStatus
	Status() pipeline.LiveStatus
}

// FrameSource yields JPEG frames newer than a sequence number.
type FrameSource interface {
	ReadJPEG(after int64) ([]byte, framestream.Frame, bool, error)
}

// SnapshotReader loads a persisted snapshot by name.
type SnapshotReader interface {
	Load(name string) ([]byte, error)
}

// SpeechChecker listens once while an upload is analysed.
type SpeechChecker interface {
	RunOnce(ctx context.Context) speech.Result
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the components the server fronts. Speech, Events, Microphones
// and Checks are optional.
type Deps struct {
	Scanner     Scanner
	Live        LiveController
	Frames      FrameSource
	Snapshots   SnapshotReader
	Speech      SpeechChecker
	Events      *EventHub
	Microphones func() []speech.Device
	Checks      map[string]HealthCheck
}

// Server is the HTTP front end
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        *config.Config
	deps       Deps
	logger     *zap.Logger
	limiter    *RateLimiter

	// base outlives requests; live sessions and background speech use it
	base context.Context
	wg   sync.WaitGroup
}

// NewServer wires routes onto a fresh mux. ctx is the lifetime of the
// process, not of any request.
func NewServer(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("api"),
		limiter: NewRateLimiter(cfg.Server.UploadRatePerMin, time.Minute),
		base:    ctx,
	}

	s.mux.HandleFunc("/upload", s.limiter.Middleware(s.handleUpload))
	s.mux.HandleFunc("/start_live_feed", s.handleStartLive)
	s.mux.HandleFunc("/stop_live_feed", s.handleStopLive)
	s.mux.HandleFunc("/live_feed", s.handleLiveFeed)
	s.mux.HandleFunc("/detected_frame", s.handleDetectedFrame)

	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/live/status", s.handleLiveStatus)
	s.mux.HandleFunc("/api/config", s.handleGetConfig)
	s.mux.HandleFunc("/api/microphones", s.handleListMicrophones)
	if deps.Events != nil {
		s.mux.Handle("/ws/events", deps.Events)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsMiddleware(cfg.Server.AllowedOrigins, s.mux),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: /live_feed streams indefinitely
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(_ net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// corsMiddleware allows the configured origins; "*" allows any.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || origins[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests, drains in-flight ones and waits for
// background speech checks started by uploads.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	err := s.httpServer.Shutdown(ctx)
	s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}
