package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/config"
	"github.com/mikeyg42/anomalycam/internal/framestream"
	"github.com/mikeyg42/anomalycam/internal/pipeline"
	"github.com/mikeyg42/anomalycam/internal/speech"
	"github.com/mikeyg42/anomalycam/internal/storage"
)

type fakeScanner struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
	result pipeline.ScanResult
	err    error
}

func (f *fakeScanner) Scan(_ context.Context, path string, _ pipeline.ProgressFunc) (pipeline.ScanResult, error) {
	data, _ := os.ReadFile(path)
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.bodies = append(f.bodies, string(data))
	f.mu.Unlock()
	return f.result, f.err
}

type fakeLive struct {
	running atomic.Bool
}

func (f *fakeLive) Start(context.Context) pipeline.StartStatus {
	if !f.running.CompareAndSwap(false, true) {
		return pipeline.AlreadyRunning
	}
	return pipeline.Started
}

func (f *fakeLive) Stop() pipeline.StopStatus {
	if !f.running.CompareAndSwap(true, false) {
		return pipeline.NotRunning
	}
	return pipeline.Stopped
}

func (f *fakeLive) Status() pipeline.LiveStatus {
	if f.running.Load() {
		return pipeline.LiveStatus{State: "running", Running: true, Anomaly: true}
	}
	return pipeline.LiveStatus{State: "stopped"}
}

// oneFrame hands out a single frame with sequence 1.
type oneFrame struct{ reads atomic.Int32 }

func (o *oneFrame) ReadJPEG(after int64) ([]byte, framestream.Frame, bool, error) {
	o.reads.Add(1)
	if after >= 1 {
		return nil, framestream.Frame{}, false, nil
	}
	return []byte("JPEGDATA"), framestream.Frame{Sequence: 1}, true, nil
}

type countingSpeech struct{ calls atomic.Int32 }

func (c *countingSpeech) RunOnce(context.Context) speech.Result {
	c.calls.Add(1)
	return speech.Result{Kind: speech.Timeout}
}

type testEnv struct {
	cfg     *config.Config
	server  *Server
	scanner *fakeScanner
	live    *fakeLive
	speech  *countingSpeech
	store   *storage.LocalSnapshotStore
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Server.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Server.StreamPollInterval = config.Duration(time.Millisecond)

	store, err := storage.NewLocalSnapshotStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		cfg:     cfg,
		scanner: &fakeScanner{result: pipeline.ScanResult{Message: pipeline.MessageNoAnomaly}},
		live:    &fakeLive{},
		speech:  &countingSpeech{},
		store:   store,
	}
	deps := Deps{
		Scanner:   env.scanner,
		Live:      env.live,
		Frames:    &oneFrame{},
		Snapshots: store,
		Speech:    env.speech,
		Microphones: func() []speech.Device {
			return []speech.Device{{DeviceID: "mic-1", Label: "USB Mic", IsDefault: true}}
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.server = NewServer(context.Background(), cfg, deps, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field, filename, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUploadAnomaly(t *testing.T) {
	env := newTestEnv(t, nil)
	url := pipeline.DetectedFrameURL
	env.scanner.result = pipeline.ScanResult{Message: pipeline.MessageAnomaly, FrameURL: &url}

	rec := env.do(uploadRequest(t, "video", "../../clip.mp4", "fake video bytes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "Anomaly Detected!", body["message"])
	assert.Equal(t, "/detected_frame", body["frame_url"])

	require.Len(t, env.scanner.paths, 1)
	saved := env.scanner.paths[0]
	assert.Equal(t, env.cfg.Server.UploadDir, filepath.Dir(saved), "upload stays inside the upload dir")
	assert.True(t, strings.HasSuffix(saved, "_clip.mp4"))
	assert.Equal(t, "fake video bytes", env.scanner.bodies[0])

	require.Eventually(t, func() bool { return env.speech.calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestUploadNoAnomalyHasNullFrameURL(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(uploadRequest(t, "video", "clip.mp4", "x"))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "No anomaly detected.", body["message"])
	v, present := body["frame_url"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestUploadRejectsMissingFile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(uploadRequest(t, "other", "clip.mp4", "x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded.", decode(t, rec)["message"])

	rec = env.do(uploadRequest(t, "video", "", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No selected file.", decode(t, rec)["message"])

	rec = env.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("plain")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded.", decode(t, rec)["message"])

	assert.Empty(t, env.scanner.paths)
	assert.Zero(t, env.speech.calls.Load())
}

func TestUploadScanFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scanner.err = errors.New("capture: could not open source")

	rec := env.do(uploadRequest(t, "video", "clip.mp4", "x"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Error processing video", body["message"])
	assert.Contains(t, body["error"], "could not open source")
}

func TestUploadMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUploadRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	limit := env.cfg.Server.UploadRatePerMin
	for i := 0; i < limit; i++ {
		rec := env.do(uploadRequest(t, "video", "clip.mp4", "x"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(uploadRequest(t, "video", "clip.mp4", "x"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestLiveStartStopMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	get := func(path string) string {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		return decode(t, rec)["message"].(string)
	}

	assert.Equal(t, "Live Feed is not running!", get("/stop_live_feed"))
	assert.Equal(t, "Live Feed Analysis Started!", get("/start_live_feed"))
	assert.Equal(t, "Live Feed is already running!", get("/start_live_feed"))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/live/status", nil))
	status := decode(t, rec)
	assert.Equal(t, "running", status["state"])
	assert.Equal(t, true, status["anomaly"])

	assert.Equal(t, "Live Feed Stopped!", get("/stop_live_feed"))
}

func TestLiveFeedStreamsMultipart(t *testing.T) {
	frames := &oneFrame{}
	env := newTestEnv(t, func(d *Deps) { d.Frames = frames })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/live_feed", nil).WithContext(ctx)
	rec := env.do(req)

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEGDATA\r\n", rec.Body.String(),
		"each frame is sent once")
	assert.Greater(t, frames.reads.Load(), int32(1), "handler keeps polling for new frames")
}

func TestDetectedFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/detected_frame", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.store.Save(context.Background(), env.cfg.Storage.SnapshotName, []byte{0xFF, 0xD8, 0xFF}))
	rec = env.do(httptest.NewRequest(http.MethodGet, "/detected_frame", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, rec.Body.Bytes())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	env = newTestEnv(t, func(d *Deps) {
		d.Checks = map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"minio":    func(context.Context) error { return errors.New("bucket gone") },
		}
	})
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "bucket gone", checks["minio"])
}

func TestConfigIsRedacted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.Alert.SMTP.Password = "hunter2"

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), "********")
}

func TestListMicrophones(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/microphones", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	mics := body["microphones"].([]any)
	require.Len(t, mics, 1)
	assert.Equal(t, "USB Mic", mics[0].(map[string]any)["label"])
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/upload", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	restricted := corsMiddleware([]string{"http://localhost:3000"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
