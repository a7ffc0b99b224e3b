package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/speech"
	"github.com/mikeyg42/anomalycam/internal/storage"
)

const uploadField = "video"

// handleUpload saves the posted video, listens for speech alongside and
// returns the scan verdict.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadMB<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "Uploaded file is too large.")
			return
		}
		writeMessage(w, http.StatusBadRequest, "No file uploaded.")
		return
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		// browsers send an empty filename when nothing was picked, which
		// multipart parsing files under values rather than files
		if r.MultipartForm != nil {
			if _, ok := r.MultipartForm.Value[uploadField]; ok {
				writeMessage(w, http.StatusBadRequest, "No selected file.")
				return
			}
		}
		writeMessage(w, http.StatusBadRequest, "No file uploaded.")
		return
	}
	defer file.Close()
	if strings.TrimSpace(header.Filename) == "" {
		writeMessage(w, http.StatusBadRequest, "No selected file.")
		return
	}

	path, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.logger.Error("Failed to store upload", zap.String("filename", header.Filename), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": "Error saving uploaded video",
			"error":   err.Error(),
		})
		return
	}
	s.logger.Info("Video uploaded", zap.String("path", path), zap.Int64("bytes", header.Size))

	if s.deps.Speech != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			res := s.deps.Speech.RunOnce(s.base)
			s.logger.Debug("Upload speech check finished", zap.Stringer("result", res))
		}()
	}

	result, err := s.deps.Scanner.Scan(r.Context(), path, nil)
	if err != nil {
		s.logger.Error("Video analysis failed", zap.String("path", path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": "Error processing video",
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// saveUpload writes the upload under a unique name so concurrent uploads of
// the same file never collide.
func (s *Server) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(s.cfg.Server.UploadDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(filepath.Clean("/" + filename))
	path := filepath.Join(s.cfg.Server.UploadDir, uuid.NewString()+"_"+base)

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleStartLive(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	status := s.deps.Live.Start(s.base)
	writeMessage(w, http.StatusOK, status.Message())
}

func (s *Server) handleStopLive(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	status := s.deps.Live.Stop()
	writeMessage(w, http.StatusOK, status.Message())
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Live.Status())
}

const mjpegBoundary = "frame"

// handleLiveFeed streams the published frames as multipart JPEG until the
// client goes away. Each frame is sent at most once.
func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	rc := http.NewResponseController(w)
	// the stream outlives any server-wide write deadline
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	poll := s.cfg.Server.StreamPollInterval.D()
	if poll <= 0 {
		poll = 30 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	ctx := r.Context()
	var last int64
	for {
		data, meta, ok, err := s.deps.Frames.ReadJPEG(last)
		if err != nil {
			s.logger.Warn("Failed to encode live frame", zap.Error(err))
		}
		if ok {
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", mjpegBoundary); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			last = meta.Sequence
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectedFrame(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	data, err := s.deps.Snapshots.Load(s.cfg.Storage.SnapshotName)
	if errors.Is(err, storage.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "No detected frame available.")
		return
	}
	if err != nil {
		s.logger.Error("Failed to read detected frame", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Could not read detected frame.")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	checks := make(map[string]string, len(s.deps.Checks))
	status, code := "ok", http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	resp := map[string]any{"status": status, "live": s.deps.Live.Status().State}
	if len(checks) > 0 {
		resp["checks"] = checks
	}
	writeJSON(w, code, resp)
}

// handleGetConfig returns the effective configuration with secrets removed.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

func (s *Server) handleListMicrophones(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	microphones := []speech.Device{}
	if s.deps.Microphones != nil {
		if found := s.deps.Microphones(); found != nil {
			microphones = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"microphones": microphones,
	})
}
